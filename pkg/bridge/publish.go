package bridge

import (
	"context"
	"fmt"
)

// Publish publishes data on the namespaced gossipsub topic
func (m *Manager) Publish(ctx context.Context, topic string, data []byte) error {
	if m.pubsub == nil {
		return fmt.Errorf("gossipsub not initialized")
	}

	libp2pTopic, err := m.getOrCreateTopic(m.namespaced(topic))
	if err != nil {
		return fmt.Errorf("failed to get topic for publishing: %w", err)
	}

	if err := libp2pTopic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	return nil
}
