package pubsub

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/shmbus/pkg/encoding"
	"github.com/DeBrosOfficial/shmbus/pkg/errors"
	"github.com/DeBrosOfficial/shmbus/pkg/logging"
	"github.com/DeBrosOfficial/shmbus/pkg/metrics"
	"github.com/DeBrosOfficial/shmbus/pkg/registry"
	"github.com/DeBrosOfficial/shmbus/pkg/shm"
)

// PublisherStats describes a publisher's activity.
type PublisherStats struct {
	Sent         uint64
	LastSequence uint64
	Pool         shm.Stats
}

// Publisher sends typed messages on one topic through its own buffer pool.
type Publisher[T any] struct {
	reg     *registry.Registry
	bind    *registry.Binding
	codec   encoding.Codec[T]
	pool    *shm.Pool
	clock   clock.Clock
	logger  *logging.ColoredLogger
	metrics *metrics.Metrics

	mu     sync.Mutex
	info   registry.EndpointInfo
	seq    uint64
	sent   uint64
	closed bool

	cbMu      sync.RWMutex
	callbacks []func(registry.MatchEvent)
}

// NewPublisher registers a publisher for topic. It fails with NotInitialized
// outside an initialized lifecycle and with InvalidTopicName for bad names.
func NewPublisher[T any](reg *registry.Registry, topic string, codec encoding.Codec[T], opts ...Option) (*Publisher[T], error) {
	if reg == nil {
		return nil, errors.NewNotInitializedError("create publisher")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := reg.ValidateTopicName(topic); err != nil {
		return nil, err
	}

	pool, err := shm.NewPool(topic, o.bufferCount,
		shm.WithAlignment(o.alignment),
		shm.WithLogger(o.logger),
		shm.WithMetrics(o.metrics),
	)
	if err != nil {
		return nil, err
	}

	origin := o.origin
	if !o.remote {
		origin = reg.Origin()
	}

	p := &Publisher[T]{
		reg:     reg,
		codec:   codec,
		pool:    pool,
		clock:   o.clock,
		logger:  o.logger,
		metrics: o.metrics,
		info: registry.EndpointInfo{
			Handle:      uuid.New(),
			Topic:       topic,
			Kind:        registry.KindPublisher,
			ID:          o.id,
			Descriptor:  codec.TopicType(),
			Description: codec.Description(),
			Remote:      o.remote,
			Origin:      origin,
		},
	}
	if p.info.ID == 0 {
		p.info.ID = reg.NextID()
	}

	bind, err := reg.Bind(p)
	if err != nil {
		_ = pool.Close(false)
		return nil, err
	}
	p.bind = bind

	p.logger.ComponentInfo(logging.ComponentPublisher, "Publisher created",
		zap.String("topic", topic),
		zap.String("type", p.info.Descriptor),
		zap.Int64("id", p.info.ID),
		zap.Int("buffer_count", o.bufferCount),
	)
	return p, nil
}

// Info implements registry.Endpoint.
func (p *Publisher[T]) Info() registry.EndpointInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// OnMatch implements registry.Endpoint.
func (p *Publisher[T]) OnMatch(ev registry.MatchEvent) {
	if ev.Err != nil {
		p.logger.ComponentWarn(logging.ComponentPublisher, "Subscriber has incompatible type",
			zap.String("topic", ev.Topic),
			zap.Error(ev.Err),
		)
	}

	p.cbMu.RLock()
	cbs := p.callbacks
	p.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// OnSubscribed registers a callback for subscriber match events, including
// subscribers leaving (Lost) and incompatible ones (Err set). Callbacks run on
// the goroutine registering or removing the subscriber.
func (p *Publisher[T]) OnSubscribed(cb func(registry.MatchEvent)) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

// Topic returns the topic name.
func (p *Publisher[T]) Topic() string { return p.info.Topic }

// TopicType returns the codec descriptor advertised to subscribers.
func (p *Publisher[T]) TopicType() string { return p.info.Descriptor }

// ID returns the publisher id carried in every message.
func (p *Publisher[T]) ID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info.ID
}

// SetID overrides the generated id. It fails with AlreadyPublishing once a
// message has been sent.
func (p *Publisher[T]) SetID(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.NewClosedError("publisher on " + p.info.Topic)
	}
	if p.sent > 0 {
		return errors.NewAlreadyPublishingError(p.info.Topic, p.info.ID)
	}
	if err := p.reg.UpdateID(p.info.Handle, id); err != nil {
		return err
	}
	p.info.ID = id
	return nil
}

// SetBufferCount resizes the buffer pool. n must be at least 1.
func (p *Publisher[T]) SetBufferCount(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.NewClosedError("publisher on " + p.info.Topic)
	}
	return p.pool.Resize(n)
}

// BufferCount returns the current pool size.
func (p *Publisher[T]) BufferCount() int { return p.pool.Len() }

// IsSubscribed reports whether at least one compatible subscriber is matched.
func (p *Publisher[T]) IsSubscribed() bool {
	return p.SubscriberCount() > 0
}

// SubscriberCount returns the number of compatible subscribers matched.
func (p *Publisher[T]) SubscriberCount() int {
	return p.reg.Matches(p.info.Handle)
}

// Send encodes msg, stamps it with the current time and the next sequence
// number and notifies every matched subscriber. It returns how many were
// notified; zero is not an error.
func (p *Publisher[T]) Send(msg T) (int, error) {
	return p.SendWithTime(msg, -1)
}

// SendWithTime is Send with a caller supplied timestamp in microseconds. A
// negative timestamp means now. Timestamps are not checked against earlier sends.
func (p *Publisher[T]) SendWithTime(msg T, timestamp int64) (int, error) {
	data, err := p.codec.Encode(msg)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to encode %s message", p.info.Descriptor)
	}
	return p.SendRaw(data, timestamp)
}

// SendRaw sends an already encoded payload. A negative timestamp means now.
func (p *Publisher[T]) SendRaw(payload []byte, timestamp int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errors.NewClosedError("publisher on " + p.info.Topic)
	}
	if timestamp < 0 {
		timestamp = p.clock.Now().UnixMicro()
	}
	return p.commitLocked(payload, shm.Header{
		Sequence:    p.seq + 1,
		Timestamp:   timestamp,
		PublisherID: p.info.ID,
	})
}

// Inject sends a payload with framing decided elsewhere. Only publishers
// created WithRemote accept it; transports use it to replay remote sequence
// numbers and ids unchanged.
func (p *Publisher[T]) Inject(payload []byte, hdr shm.Header) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errors.NewClosedError("publisher on " + p.info.Topic)
	}
	if !p.info.Remote {
		return 0, errors.NewInvalidConfigurationError("remote", "inject requires a remote publisher", false)
	}
	return p.commitLocked(payload, hdr)
}

func (p *Publisher[T]) commitLocked(payload []byte, hdr shm.Header) (int, error) {
	w, err := p.pool.AcquireWrite()
	if err != nil {
		return 0, err
	}
	if err := p.pool.Commit(w, payload, hdr); err != nil {
		p.pool.Finish(w)
		return 0, err
	}

	notified := p.bind.Notify(p.info, p.pool, w)
	p.pool.Finish(w)

	p.seq = hdr.Sequence
	p.sent++
	p.metrics.ObserveSend(p.info.Topic, notified)

	p.logger.ComponentDebug(logging.ComponentPublisher, "Message sent",
		zap.String("topic", p.info.Topic),
		zap.Uint64("sequence", hdr.Sequence),
		zap.Int64("timestamp", hdr.Timestamp),
		zap.Int("size", len(payload)),
		zap.Int("notified", notified),
	)
	return notified, nil
}

// Stats returns send counters and pool statistics.
func (p *Publisher[T]) Stats() PublisherStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PublisherStats{Sent: p.sent, LastSequence: p.seq, Pool: p.pool.Stats()}
}

// Close deregisters the publisher. Buffers still held by subscribers are
// released when they let go of them.
func (p *Publisher[T]) Close() error {
	return p.close(false)
}

// CloseSync deregisters the publisher only if no subscriber holds one of its
// buffers; otherwise it fails with BuffersStillReferenced and the publisher
// stays usable.
func (p *Publisher[T]) CloseSync() error {
	return p.close(true)
}

func (p *Publisher[T]) close(synchronous bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	if err := p.pool.Close(synchronous); err != nil {
		return err
	}
	p.closed = true
	p.reg.Deregister(p.info.Handle)

	p.logger.ComponentInfo(logging.ComponentPublisher, "Publisher closed",
		zap.String("topic", p.info.Topic),
		zap.Uint64("sent", p.sent),
	)
	return nil
}
