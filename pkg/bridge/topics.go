package bridge

import (
	"fmt"
	"sort"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// getOrCreateTopicLocked joins a gossipsub topic once. Caller holds m.mu.
func (m *Manager) getOrCreateTopicLocked(topicName string) (*pubsub.Topic, error) {
	if topic, exists := m.topics[topicName]; exists {
		return topic, nil
	}

	topic, err := m.pubsub.Join(topicName)
	if err != nil {
		return nil, fmt.Errorf("failed to join topic: %w", err)
	}

	m.topics[topicName] = topic
	return topic, nil
}

func (m *Manager) getOrCreateTopic(topicName string) (*pubsub.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateTopicLocked(topicName)
}

// Peers returns the peers gossipsub currently knows on topic.
func (m *Manager) Peers(topic string) []peer.ID {
	m.mu.RLock()
	t, ok := m.topics[m.namespaced(topic)]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	peers := t.ListPeers()
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}
