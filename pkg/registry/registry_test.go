package registry

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeBrosOfficial/shmbus/pkg/errors"
	"github.com/DeBrosOfficial/shmbus/pkg/lifecycle"
	"github.com/DeBrosOfficial/shmbus/pkg/shm"
)

type fakeEndpoint struct {
	info EndpointInfo

	mu         sync.Mutex
	matches    []MatchEvent
	deliveries []Delivery
}

func (f *fakeEndpoint) Info() EndpointInfo { return f.info }

func (f *fakeEndpoint) OnMatch(ev MatchEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matches = append(f.matches, ev)
}

func (f *fakeEndpoint) Deliver(d Delivery) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, d)
}

func (f *fakeEndpoint) Matches() []MatchEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MatchEvent(nil), f.matches...)
}

func (f *fakeEndpoint) Deliveries() []Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Delivery(nil), f.deliveries...)
}

func newRegistry(t *testing.T, opts ...Option) (*Registry, *lifecycle.Process) {
	t.Helper()
	proc, err := lifecycle.Initialize("registry_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = proc.Shutdown() })
	return New(proc, opts...), proc
}

func pub(topic, desc string) *fakeEndpoint {
	return &fakeEndpoint{info: EndpointInfo{Topic: topic, Kind: KindPublisher, Descriptor: desc}}
}

func sub(topic, desc string) *fakeEndpoint {
	return &fakeEndpoint{info: EndpointInfo{Topic: topic, Kind: KindSubscriber, Descriptor: desc}}
}

func TestTopicNameValidation(t *testing.T) {
	r, _ := newRegistry(t, WithMaxNameLength(16))

	tests := []struct {
		name  string
		topic string
		valid bool
	}{
		{"simple", "ping", true},
		{"path like", "camera/front", true},
		{"max length", strings.Repeat("a", 16), true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 17), false},
		{"nul", "pi\x00ng", false},
		{"leading space", " ping", false},
		{"trailing newline", "ping\n", false},
		{"invalid utf8", "\xff\xfe", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Register(pub(tt.topic, "raw:bytes"))
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.IsInvalidTopicName(err), "got %v", err)
		})
	}
}

func TestRegisterRequiresLifecycle(t *testing.T) {
	r, proc := newRegistry(t)
	require.NoError(t, proc.Shutdown())

	_, err := r.Register(pub("ping", "raw:bytes"))
	assert.True(t, errors.IsNotInitialized(err))

	var nilProc *lifecycle.Process
	_, err = New(nilProc).Register(pub("ping", "raw:bytes"))
	assert.True(t, errors.IsNotInitialized(err))
}

func TestMatchingPassBeforeAnySend(t *testing.T) {
	r, _ := newRegistry(t)

	p := pub("ping", "mpack:Ping")
	ph, err := r.Register(p)
	require.NoError(t, err)
	assert.Empty(t, p.Matches())

	s := sub("ping", "mpack:Ping")
	sh, err := r.Register(s)
	require.NoError(t, err)

	require.Len(t, p.Matches(), 1)
	require.Len(t, s.Matches(), 1)
	assert.Equal(t, sh, p.Matches()[0].Peer.Handle)
	assert.Equal(t, ph, s.Matches()[0].Peer.Handle)
	assert.NoError(t, p.Matches()[0].Err)

	assert.Equal(t, 1, r.Matches(ph))
	assert.Equal(t, 1, r.Matches(sh))
	assert.Equal(t, TopicStats{Publishers: 1, Subscribers: 1}, r.Stats("ping"))
}

func TestMismatchReportedOnBothSides(t *testing.T) {
	r, _ := newRegistry(t)

	p := pub("ping", "mpack:Ping")
	ph, err := r.Register(p)
	require.NoError(t, err)
	s := sub("ping", "proto:demo.Ping")
	_, err = r.Register(s)
	require.NoError(t, err)

	require.Len(t, s.Matches(), 1)
	assert.True(t, errors.IsEncodingMismatch(s.Matches()[0].Err))
	assert.True(t, errors.IsEncodingMismatch(p.Matches()[0].Err))
	assert.Equal(t, 0, r.Matches(ph))
}

func TestDeregisterNotifiesLost(t *testing.T) {
	r, _ := newRegistry(t)

	p := pub("ping", "")
	ph, err := r.Register(p)
	require.NoError(t, err)
	s := sub("ping", "raw:bytes")
	_, err = r.Register(s)
	require.NoError(t, err)

	r.Deregister(ph)
	r.Deregister(ph)

	events := s.Matches()
	require.Len(t, events, 2)
	assert.True(t, events[1].Lost)
	assert.Equal(t, TopicStats{Subscribers: 1}, r.Stats("ping"))
}

func TestEmptyTopicsAreDropped(t *testing.T) {
	r, _ := newRegistry(t)

	h1, err := r.Register(pub("a", ""))
	require.NoError(t, err)
	h2, err := r.Register(sub("b", ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, r.Topics())

	r.Deregister(h1)
	assert.Equal(t, []string{"b"}, r.Topics())
	r.Deregister(h2)
	assert.Empty(t, r.Topics())
	assert.Nil(t, r.Lookup("a"))
}

func TestGeneratedIDsAndUpdate(t *testing.T) {
	r, _ := newRegistry(t)

	h, err := r.Register(pub("ping", ""))
	require.NoError(t, err)
	infos := r.Lookup("ping")
	require.Len(t, infos, 1)
	assert.NotZero(t, infos[0].ID)

	require.NoError(t, r.UpdateID(h, 42))
	assert.Equal(t, int64(42), r.Lookup("ping")[0].ID)

	r.Deregister(h)
	assert.True(t, errors.IsClosed(r.UpdateID(h, 43)))
}

func TestNotifyFanOut(t *testing.T) {
	r, _ := newRegistry(t)

	p := pub("ping", "mpack:Ping")
	_, err := r.Register(p)
	require.NoError(t, err)

	good1, good2 := sub("ping", "mpack:Ping"), sub("ping", "")
	bad := sub("ping", "cbor:Ping")
	other := sub("pong", "mpack:Ping")
	for _, s := range []*fakeEndpoint{good1, good2, bad, other} {
		_, err := r.Register(s)
		require.NoError(t, err)
	}

	pool, err := shm.NewPool("ping", 1)
	require.NoError(t, err)
	w, err := pool.AcquireWrite()
	require.NoError(t, err)
	require.NoError(t, pool.Commit(w, []byte("Ping 1"), shm.Header{Sequence: 1}))

	info := r.Lookup("ping")[0]
	n := r.Notify(info, pool, w)
	pool.Finish(w)

	assert.Equal(t, 2, n)
	assert.Equal(t, 2, pool.Readers())

	for _, s := range []*fakeEndpoint{good1, good2} {
		ds := s.Deliveries()
		require.Len(t, ds, 1)
		sample, ok := ds[0].Ref.View()
		require.True(t, ok)
		assert.Equal(t, "Ping 1", string(sample.Payload))
		ds[0].Ref.Release()
	}

	ds := bad.Deliveries()
	require.Len(t, ds, 1)
	assert.Nil(t, ds[0].Ref)
	assert.True(t, errors.IsEncodingMismatch(ds[0].Err))
	assert.Empty(t, other.Deliveries())
	assert.Equal(t, 0, pool.Readers())
}

func TestRemoteToRemoteIsNeverForwarded(t *testing.T) {
	r, _ := newRegistry(t)

	proxy := pub("ping", "mpack:Ping")
	proxy.info.Remote = true
	forwarder := sub("ping", "")
	forwarder.info.Remote = true
	local := sub("ping", "mpack:Ping")

	_, err := r.Register(forwarder)
	require.NoError(t, err)
	_, err = r.Register(local)
	require.NoError(t, err)
	ph, err := r.Register(proxy)
	require.NoError(t, err)

	assert.Empty(t, forwarder.Matches())
	assert.Equal(t, 1, r.Matches(ph))

	pool, err := shm.NewPool("ping", 1)
	require.NoError(t, err)
	w, _ := pool.AcquireWrite()
	require.NoError(t, pool.Commit(w, []byte{1}, shm.Header{Sequence: 1}))
	var info EndpointInfo
	for _, e := range r.Lookup("ping") {
		if e.Handle == ph {
			info = e
		}
	}
	assert.Equal(t, 1, r.Notify(info, pool, w))
	pool.Finish(w)
	assert.Empty(t, forwarder.Deliveries())
}

func TestWatchReplaysAndStreams(t *testing.T) {
	r, _ := newRegistry(t)

	existing, err := r.Register(pub("ping", ""))
	require.NoError(t, err)

	var mu sync.Mutex
	var events []Event
	cancel := r.Watch(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	h, err := r.Register(sub("ping", ""))
	require.NoError(t, err)
	r.Deregister(h)
	cancel()
	cancel()
	_, err = r.Register(sub("pong", ""))
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, EventRegistered, events[0].Type)
	assert.Equal(t, existing, events[0].Endpoint.Handle)
	assert.Equal(t, EventRegistered, events[1].Type)
	assert.Equal(t, EventDeregistered, events[2].Type)
	assert.Equal(t, h, events[2].Endpoint.Handle)
}

func TestDuplicateHandleRejected(t *testing.T) {
	r, _ := newRegistry(t)

	p := pub("ping", "")
	p.info.Handle = uuid.New()
	_, err := r.Register(p)
	require.NoError(t, err)
	_, err = r.Register(p)
	assert.True(t, errors.IsInvalidConfiguration(err))
}

func TestConcurrentRegistration(t *testing.T) {
	r, _ := newRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			topic := []string{"a", "b", "c"}[i%3]
			ep := sub(topic, "")
			if i%2 == 0 {
				ep = pub(topic, "")
			}
			h, err := r.Register(ep)
			if err != nil {
				t.Error(err)
				return
			}
			if i%5 == 0 {
				r.Deregister(h)
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, name := range r.Topics() {
		s := r.Stats(name)
		total += s.Publishers + s.Subscribers
	}
	assert.Equal(t, 40, total)
}

func TestUpdateIDWhileCounterpartsRegister(t *testing.T) {
	r, _ := newRegistry(t)

	h, err := r.Register(pub("race", ""))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := int64(1); i <= 200; i++ {
			if err := r.UpdateID(h, i); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			sh, err := r.Register(sub("race", ""))
			if err != nil {
				t.Error(err)
				return
			}
			r.Deregister(sh)
		}
	}()
	wg.Wait()

	infos := r.Lookup("race")
	require.Len(t, infos, 1)
	assert.Equal(t, int64(200), infos[0].ID)
}

func TestBindingNotifiesItsTopic(t *testing.T) {
	r, _ := newRegistry(t)

	p := pub("ping", "")
	b, err := r.Bind(p)
	require.NoError(t, err)
	assert.Equal(t, b.Handle(), r.Lookup("ping")[0].Handle)

	s := sub("ping", "")
	_, err = r.Register(s)
	require.NoError(t, err)
	other := sub("pong", "")
	_, err = r.Register(other)
	require.NoError(t, err)

	pool, err := shm.NewPool("ping", 1)
	require.NoError(t, err)
	w, err := pool.AcquireWrite()
	require.NoError(t, err)
	require.NoError(t, pool.Commit(w, []byte("x"), shm.Header{Sequence: 1}))

	assert.Equal(t, 1, b.Notify(r.Lookup("ping")[0], pool, w))
	pool.Finish(w)

	require.Len(t, s.Deliveries(), 1)
	assert.Empty(t, other.Deliveries())
	s.Deliveries()[0].Ref.Release()
}
