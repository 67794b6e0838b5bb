package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

func newTestLibp2pHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("failed to create libp2p host: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func createTestManager(t *testing.T, ns string) (*Manager, host.Host) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := newTestLibp2pHost(t)
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		t.Fatalf("failed to create gossipsub: %v", err)
	}

	mgr := NewManager(ps, ns, nil)
	t.Cleanup(func() { mgr.Close() })
	return mgr, h
}

func connect(t *testing.T, a, b host.Host) {
	t.Helper()
	a.Peerstore().AddAddrs(b.ID(), b.Addrs(), time.Hour)
	if err := a.Connect(context.Background(), peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()}); err != nil {
		t.Fatalf("failed to connect hosts: %v", err)
	}
}

func TestManager_Namespacing(t *testing.T) {
	mgr, _ := createTestManager(t, "test-ns")
	ctx := context.Background()

	_, err := mgr.Subscribe(ctx, "my-topic", func(string, []byte) error { return nil })
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	mgr.mu.RLock()
	_, exists := mgr.subscriptions["test-ns.my-topic"]
	mgr.mu.RUnlock()
	if !exists {
		t.Errorf("expected subscription for test-ns.my-topic to exist")
	}

	topics := mgr.ListTopics()
	if len(topics) != 1 || topics[0] != "my-topic" {
		t.Errorf("expected 1 topic [my-topic], got %v", topics)
	}
}

func TestManager_HandlerLifecycle(t *testing.T) {
	mgr, _ := createTestManager(t, "test-ns")
	ctx := context.Background()
	namespacedTopic := "test-ns.ref-topic"

	id1, err := mgr.Subscribe(ctx, "ref-topic", func(string, []byte) error { return nil })
	if err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}
	id2, err := mgr.Subscribe(ctx, "ref-topic", func(string, []byte) error { return nil })
	if err != nil {
		t.Fatalf("second subscribe failed: %v", err)
	}
	if id1 == id2 {
		t.Fatal("handler ids must be unique")
	}

	mgr.mu.RLock()
	ts := mgr.subscriptions[namespacedTopic]
	mgr.mu.RUnlock()
	if n := len(ts.handlers); n != 2 {
		t.Errorf("expected 2 handlers, got %d", n)
	}

	if err := mgr.Unsubscribe(ctx, "ref-topic", id1); err != nil {
		t.Fatalf("unsubscribe 1 failed: %v", err)
	}
	mgr.mu.RLock()
	_, exists := mgr.subscriptions[namespacedTopic]
	mgr.mu.RUnlock()
	if !exists {
		t.Error("expected subscription to still exist")
	}

	// Unknown ids are ignored.
	if err := mgr.Unsubscribe(ctx, "ref-topic", "nope"); err != nil {
		t.Fatalf("unsubscribe unknown failed: %v", err)
	}

	if err := mgr.Unsubscribe(ctx, "ref-topic", id2); err != nil {
		t.Fatalf("unsubscribe 2 failed: %v", err)
	}
	mgr.mu.RLock()
	_, exists = mgr.subscriptions[namespacedTopic]
	mgr.mu.RUnlock()
	if exists {
		t.Error("expected subscription to be removed")
	}
}

func TestManager_PubSub(t *testing.T) {
	mgr1, h1 := createTestManager(t, "test")
	mgr2, h2 := createTestManager(t, "test")
	connect(t, h1, h2)

	ctx := context.Background()
	msgData := []byte("hello world")
	received := make(chan []byte, 1)

	_, err := mgr2.Subscribe(ctx, "chat", func(topic string, d []byte) error {
		if topic != "chat" {
			t.Errorf("handler got topic %q", topic)
		}
		select {
		case received <- d:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("mgr2 subscribe failed: %v", err)
	}

	// The mesh forms asynchronously; retry until mgr2 hears us.
	timeout := time.After(5 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			t.Fatal("timed out waiting for message")
		case <-ticker.C:
			_ = mgr1.Publish(ctx, "chat", msgData)
		case data := <-received:
			if string(data) != string(msgData) {
				t.Errorf("expected %s, got %s", msgData, data)
			}
			if len(mgr1.Peers("chat")) == 0 {
				t.Error("expected mgr1 to know a peer on chat")
			}
			return
		}
	}
}
