package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/shmbus/pkg/logging"
)

// Subscribe adds handler for topic. Several handlers may share a topic; each
// gets every message.
func (m *Manager) Subscribe(ctx context.Context, topic string, handler FrameHandler) (HandlerID, error) {
	if m.pubsub == nil {
		return "", fmt.Errorf("gossipsub not initialized")
	}
	namespacedTopic := m.namespaced(topic)
	handlerID := HandlerID(uuid.NewString())

	m.mu.Lock()
	defer m.mu.Unlock()

	if topicSub, exists := m.subscriptions[namespacedTopic]; exists {
		topicSub.mu.Lock()
		topicSub.handlers[handlerID] = handler
		topicSub.mu.Unlock()
		return handlerID, nil
	}

	libp2pTopic, err := m.getOrCreateTopicLocked(namespacedTopic)
	if err != nil {
		return "", fmt.Errorf("failed to get topic: %w", err)
	}

	sub, err := libp2pTopic.Subscribe()
	if err != nil {
		return "", fmt.Errorf("failed to subscribe to topic: %w", err)
	}

	// Outlives ctx; only Unsubscribe and Close stop it.
	subCtx, cancel := context.WithCancel(context.Background())

	topicSub := &topicSubscription{
		sub:      sub,
		cancel:   cancel,
		handlers: map[HandlerID]FrameHandler{handlerID: handler},
	}
	m.subscriptions[namespacedTopic] = topicSub

	go m.readLoop(subCtx, topic, topicSub)

	return handlerID, nil
}

func (m *Manager) readLoop(ctx context.Context, topic string, topicSub *topicSubscription) {
	defer topicSub.sub.Cancel()

	for {
		msg, err := topicSub.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		topicSub.mu.RLock()
		handlers := make([]FrameHandler, 0, len(topicSub.handlers))
		for _, h := range topicSub.handlers {
			handlers = append(handlers, h)
		}
		topicSub.mu.RUnlock()

		for _, h := range handlers {
			if err := h(topic, msg.Data); err != nil {
				m.logger.ComponentDebug(logging.ComponentBridge, "Handler rejected message",
					zap.String("topic", topic),
					zap.String("from", msg.ReceivedFrom.String()),
					zap.Error(err),
				)
			}
		}
	}
}

// Unsubscribe removes one handler. The gossipsub subscription is cancelled
// with the last handler. Unknown ids are ignored.
func (m *Manager) Unsubscribe(ctx context.Context, topic string, id HandlerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	namespacedTopic := m.namespaced(topic)
	topicSub, exists := m.subscriptions[namespacedTopic]
	if !exists {
		return nil
	}

	topicSub.mu.Lock()
	delete(topicSub.handlers, id)
	shouldCancel := len(topicSub.handlers) == 0
	topicSub.mu.Unlock()

	if shouldCancel {
		topicSub.cancel()
		delete(m.subscriptions, namespacedTopic)
	}

	return nil
}

// ListTopics returns the subscribed bus topics, sorted
func (m *Manager) ListTopics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := m.namespace + "."
	var topics []string
	for topic := range m.subscriptions {
		if strings.HasPrefix(topic, prefix) && len(topic) > len(prefix) {
			topics = append(topics, topic[len(prefix):])
		}
	}
	sort.Strings(topics)
	return topics
}

// Close cancels all subscriptions and leaves all topics
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subscriptions {
		sub.cancel()
	}
	m.subscriptions = make(map[string]*topicSubscription)

	for _, topic := range m.topics {
		_ = topic.Close()
	}
	m.topics = make(map[string]*pubsub.Topic)

	return nil
}
