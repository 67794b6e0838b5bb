package pubsub

import (
	"github.com/benbjohnson/clock"

	"github.com/DeBrosOfficial/shmbus/pkg/config"
	"github.com/DeBrosOfficial/shmbus/pkg/logging"
	"github.com/DeBrosOfficial/shmbus/pkg/metrics"
)

const (
	defaultBufferCount = 1
	defaultQueueDepth  = 64
)

type options struct {
	logger      *logging.ColoredLogger
	metrics     *metrics.Metrics
	clock       clock.Clock
	bufferCount int
	alignment   int
	queueDepth  int
	id          int64
	remote      bool
	origin      string
}

func defaultOptions() options {
	return options{
		logger:      logging.NewNopLogger(),
		clock:       clock.New(),
		bufferCount: defaultBufferCount,
		queueDepth:  defaultQueueDepth,
	}
}

// Option configures a Publisher or Subscriber.
type Option func(*options)

// WithLogger sets the endpoint logger.
func WithLogger(l *logging.ColoredLogger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records sends, gaps and delivery errors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock sets the clock send timestamps are captured from.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithBufferCount sets the initial publisher pool size. Values below 1 make
// NewPublisher fail with InvalidConfiguration.
func WithBufferCount(n int) Option {
	return func(o *options) { o.bufferCount = n }
}

// WithSlotAlignment rounds publisher buffer capacities to n bytes.
func WithSlotAlignment(n int) Option {
	return func(o *options) { o.alignment = n }
}

// WithQueueDepth bounds the number of undelivered messages a subscriber
// holds. When full the oldest is dropped.
func WithQueueDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueDepth = n
		}
	}
}

// WithID sets the publisher id at creation instead of generating one.
func WithID(id int64) Option {
	return func(o *options) { o.id = id }
}

// WithRemote marks the endpoint as standing in for a peer of another process
// instance. Only transports should need this.
func WithRemote(origin string) Option {
	return func(o *options) {
		o.remote = true
		o.origin = origin
	}
}

// ConfigOptions derives endpoint options for topic from the topics config.
func ConfigOptions(tc config.TopicsConfig, topic string) []Option {
	opts := []Option{WithBufferCount(tc.BufferCountFor(topic))}
	if tc.SlotAlignment > 0 {
		opts = append(opts, WithSlotAlignment(tc.SlotAlignment))
	}
	if tc.SubscriberQueueDepth > 0 {
		opts = append(opts, WithQueueDepth(tc.SubscriberQueueDepth))
	}
	return opts
}
