package pubsub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/shmbus/pkg/encoding"
	"github.com/DeBrosOfficial/shmbus/pkg/errors"
	"github.com/DeBrosOfficial/shmbus/pkg/logging"
	"github.com/DeBrosOfficial/shmbus/pkg/metrics"
	"github.com/DeBrosOfficial/shmbus/pkg/registry"
)

// SubscriberStats describes what a subscriber has seen.
type SubscriberStats struct {
	Received uint64
	// Gaps counts sequence numbers skipped across all publishers.
	Gaps uint64
	// Stale counts buffers reclaimed before they were read.
	Stale uint64
	// Dropped counts messages discarded because the queue was full.
	Dropped uint64
	// Mismatches counts messages from incompatible publishers, including
	// reports discarded from a full queue.
	Mismatches   uint64
	DecodeErrors uint64
	Pending      int
}

// Handler receives pushed messages. err is an EncodingMismatch or DecodeError
// scoped to this message; msg metadata is filled in either case.
type Handler[T any] func(msg Message[T], err error)

// lostRun spans the sequences of one publisher dropped from a full queue
// since the last receive.
type lostRun struct {
	first, last uint64
}

// Subscriber receives typed messages on one topic. Messages are queued per
// subscriber and consumed either by polling or by a handler running on the
// subscriber's own delivery goroutine.
type Subscriber[T any] struct {
	reg     *registry.Registry
	codec   encoding.Codec[T]
	info    registry.EndpointInfo
	logger  *logging.ColoredLogger
	metrics *metrics.Metrics
	depth   int

	mu      sync.Mutex
	queue   []registry.Delivery
	lost    map[registry.Handle]lostRun
	closed  bool
	handler Handler[T]
	stats   SubscriberStats

	// recvMu serializes consumption so sequence accounting sees messages in order.
	recvMu  sync.Mutex
	lastSeq map[registry.Handle]uint64

	signal   chan struct{}
	done     chan struct{}
	loopOnce sync.Once
}

// NewSubscriber registers a subscriber for topic. Only messages sent after
// registration are received.
func NewSubscriber[T any](reg *registry.Registry, topic string, codec encoding.Codec[T], opts ...Option) (*Subscriber[T], error) {
	if reg == nil {
		return nil, errors.NewNotInitializedError("create subscriber")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	origin := o.origin
	if !o.remote {
		origin = reg.Origin()
	}

	s := &Subscriber[T]{
		reg:     reg,
		codec:   codec,
		logger:  o.logger,
		metrics: o.metrics,
		depth:   o.queueDepth,
		info: registry.EndpointInfo{
			Handle:      uuid.New(),
			Topic:       topic,
			Kind:        registry.KindSubscriber,
			ID:          o.id,
			Descriptor:  codec.TopicType(),
			Description: codec.Description(),
			Remote:      o.remote,
			Origin:      origin,
		},
		lost:    make(map[registry.Handle]lostRun),
		lastSeq: make(map[registry.Handle]uint64),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if s.info.ID == 0 {
		s.info.ID = reg.NextID()
	}

	if _, err := reg.Register(s); err != nil {
		return nil, err
	}

	s.logger.ComponentInfo(logging.ComponentSubscriber, "Subscriber created",
		zap.String("topic", topic),
		zap.String("type", s.info.Descriptor),
		zap.Int("queue_depth", s.depth),
	)
	return s, nil
}

// Info implements registry.Endpoint.
func (s *Subscriber[T]) Info() registry.EndpointInfo { return s.info }

// OnMatch implements registry.Endpoint.
func (s *Subscriber[T]) OnMatch(ev registry.MatchEvent) {
	switch {
	case ev.Err != nil:
		s.logger.ComponentWarn(logging.ComponentSubscriber, "Publisher has incompatible type",
			zap.String("topic", ev.Topic),
			zap.Error(ev.Err),
		)
	case ev.Lost:
		s.recvMu.Lock()
		delete(s.lastSeq, ev.Peer.Handle)
		s.recvMu.Unlock()
	}
}

// Deliver implements registry.Receiver. It never blocks. When the queue is
// full a pending mismatch report makes room first, then the oldest message.
// A mismatch report never displaces a message.
func (s *Subscriber[T]) Deliver(d registry.Delivery) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if d.Ref != nil {
			d.Ref.Release()
		}
		return
	}

	if len(s.queue) >= s.depth {
		if d.Ref == nil && !s.hasReportLocked() {
			s.stats.Mismatches++
			s.mu.Unlock()
			return
		}
		s.evictLocked()
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()

	s.wake()
}

func (s *Subscriber[T]) hasReportLocked() bool {
	for _, q := range s.queue {
		if q.Ref == nil {
			return true
		}
	}
	return false
}

// evictLocked removes the oldest mismatch report, or the oldest message when
// none is queued. Dropped messages are remembered for gap accounting.
func (s *Subscriber[T]) evictLocked() {
	victim := 0
	for i, q := range s.queue {
		if q.Ref == nil {
			victim = i
			break
		}
	}
	d := s.queue[victim]
	copy(s.queue[victim:], s.queue[victim+1:])
	s.queue[len(s.queue)-1] = registry.Delivery{}
	s.queue = s.queue[:len(s.queue)-1]

	if d.Ref == nil {
		s.stats.Mismatches++
		return
	}

	s.stats.Dropped++
	seq := d.Ref.Header().Sequence
	d.Ref.Release()

	run, ok := s.lost[d.Publisher.Handle]
	if !ok {
		run.first = seq
	}
	run.last = seq
	s.lost[d.Publisher.Handle] = run
}

func (s *Subscriber[T]) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Topic returns the topic name.
func (s *Subscriber[T]) Topic() string { return s.info.Topic }

// TopicType returns the codec descriptor.
func (s *Subscriber[T]) TopicType() string { return s.info.Descriptor }

// PublisherCount returns the number of compatible publishers matched.
func (s *Subscriber[T]) PublisherCount() int {
	return s.reg.Matches(s.info.Handle)
}

// TryReceive returns the next pending message without blocking. ok is false
// when nothing is pending. A non-nil error with ok set is scoped to that
// message only.
func (s *Subscriber[T]) TryReceive() (msg Message[T], ok bool, err error) {
	if s.isClosed() {
		return Message[T]{}, false, errors.NewClosedError("subscriber on " + s.info.Topic)
	}
	return s.next()
}

// Receive blocks until a message is available, ctx is done or the
// subscriber is closed.
func (s *Subscriber[T]) Receive(ctx context.Context) (Message[T], error) {
	for {
		msg, ok, err := s.TryReceive()
		if ok || errors.IsClosed(err) {
			return msg, err
		}

		select {
		case <-ctx.Done():
			return Message[T]{}, ctx.Err()
		case <-s.done:
			return Message[T]{}, errors.NewClosedError("subscriber on " + s.info.Topic)
		case <-s.signal:
		}
	}
}

// OnReceive pushes every message to h on a dedicated goroutine, one at a
// time. A slow handler delays only this subscriber. Passing nil stops
// pushing; pending messages stay queued for polling.
func (s *Subscriber[T]) OnReceive(h Handler[T]) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()

	if h != nil {
		s.loopOnce.Do(func() { go s.deliveryLoop() })
	}
	s.wake()
}

func (s *Subscriber[T]) currentHandler() Handler[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.handler
}

func (s *Subscriber[T]) deliveryLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			h := s.currentHandler()
			if h == nil {
				break
			}
			msg, ok, err := s.next()
			if !ok {
				break
			}
			h(msg, err)
		}
	}
}

// pop takes the next delivery along with the messages dropped ahead of it.
func (s *Subscriber[T]) pop() (registry.Delivery, map[registry.Handle]lostRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lost map[registry.Handle]lostRun
	if len(s.lost) > 0 {
		lost = s.lost
		s.lost = make(map[registry.Handle]lostRun)
	}
	if len(s.queue) == 0 {
		return registry.Delivery{}, lost, false
	}
	d := s.queue[0]
	s.queue[0] = registry.Delivery{}
	s.queue = s.queue[1:]
	if len(s.queue) > 0 {
		// Another waiter may be parked on the signal.
		s.wake()
	}
	return d, lost, true
}

func (s *Subscriber[T]) next() (Message[T], bool, error) {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	for {
		d, lost, ok := s.pop()
		for pub, run := range lost {
			s.trackSequence(pub, run.first, true)
			if run.last != run.first {
				s.trackSequence(pub, run.last, true)
			}
		}
		if !ok {
			return Message[T]{}, false, nil
		}

		msg := Message[T]{Topic: s.info.Topic, PublisherID: d.Publisher.ID}
		if d.Err != nil {
			// The registry already recorded the metric when it notified us.
			s.count(func(st *SubscriberStats) { st.Mismatches++ })
			return msg, true, d.Err
		}

		sample, ok := d.Ref.View()
		if !ok {
			s.trackSequence(d.Publisher.Handle, d.Ref.Header().Sequence, true)
			d.Ref.Release()
			s.count(func(st *SubscriberStats) { st.Stale++ })
			continue
		}

		msg.Raw = make([]byte, len(sample.Payload))
		copy(msg.Raw, sample.Payload)
		msg.Timestamp = sample.Header.Timestamp
		msg.PublisherID = sample.Header.PublisherID
		msg.Sequence = sample.Header.Sequence
		d.Ref.Release()

		s.trackSequence(d.Publisher.Handle, msg.Sequence, false)

		payload, err := s.codec.Decode(msg.Raw)
		if err != nil {
			if !errors.IsDecodeError(err) {
				err = errors.NewDecodeError(s.info.Descriptor, len(msg.Raw), err)
			}
			s.count(func(st *SubscriberStats) { st.DecodeErrors++ })
			s.metrics.ObserveDeliveryError(s.info.Topic, errors.CodeDecodeError)
			return msg, true, err
		}

		msg.Payload = payload
		s.count(func(st *SubscriberStats) { st.Received++ })
		return msg, true, nil
	}
}

// trackSequence records gaps per publisher. lost marks seq itself as never
// delivered, which counts even before the first message from pub arrives.
// Caller holds recvMu.
func (s *Subscriber[T]) trackSequence(pub registry.Handle, seq uint64, lost bool) {
	last, seen := s.lastSeq[pub]
	s.lastSeq[pub] = seq

	var skipped uint64
	if seen && seq > last+1 {
		skipped = seq - last - 1
	}
	if lost {
		skipped++
	}
	if skipped == 0 {
		return
	}

	s.count(func(st *SubscriberStats) { st.Gaps += skipped })
	s.metrics.ObserveGap(s.info.Topic, skipped)
	s.logger.ComponentDebug(logging.ComponentSubscriber, "Sequence gap",
		zap.String("topic", s.info.Topic),
		zap.Uint64("last", last),
		zap.Uint64("received", seq),
	)
}

func (s *Subscriber[T]) count(fn func(*SubscriberStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// Stats returns delivery counters.
func (s *Subscriber[T]) Stats() SubscriberStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.queue)
	return st
}

func (s *Subscriber[T]) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close deregisters the subscriber and releases every pending buffer. A
// handler already running is not interrupted.
func (s *Subscriber[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	s.reg.Deregister(s.info.Handle)
	close(s.done)

	for _, d := range pending {
		if d.Ref != nil {
			d.Ref.Release()
		}
	}

	s.logger.ComponentInfo(logging.ComponentSubscriber, "Subscriber closed",
		zap.String("topic", s.info.Topic),
	)
	return nil
}
