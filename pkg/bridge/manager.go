package bridge

import (
	"context"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"

	"github.com/DeBrosOfficial/shmbus/pkg/errors"
	"github.com/DeBrosOfficial/shmbus/pkg/logging"
)

// Manager maps bus topics onto namespaced gossipsub topics
type Manager struct {
	pubsub        *pubsub.PubSub
	topics        map[string]*pubsub.Topic
	subscriptions map[string]*topicSubscription
	namespace     string
	logger        *logging.ColoredLogger
	mu            sync.RWMutex
}

// topicSubscription fans one gossipsub subscription out to several handlers
type topicSubscription struct {
	sub      *pubsub.Subscription
	cancel   context.CancelFunc
	mu       sync.RWMutex
	handlers map[HandlerID]FrameHandler
}

// NewManager creates a new topic manager
func NewManager(ps *pubsub.PubSub, namespace string, logger *logging.ColoredLogger) *Manager {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{
		pubsub:        ps,
		topics:        make(map[string]*pubsub.Topic),
		subscriptions: make(map[string]*topicSubscription),
		namespace:     namespace,
		logger:        logger,
	}
}

// NewGossipManager starts gossipsub on h and wraps it in a Manager.
func NewGossipManager(ctx context.Context, h host.Host, namespace string, logger *logging.ColoredLogger) (*Manager, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start gossipsub")
	}
	return NewManager(ps, namespace, logger), nil
}

func (m *Manager) namespaced(topic string) string {
	return m.namespace + "." + topic
}
