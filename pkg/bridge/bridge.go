// Package bridge carries bus topics between process instances over libp2p
// gossipsub.
//
// For every topic with a local publisher the bridge registers a forwarding
// subscriber and publishes each sample as a wire frame on
// "<namespace>.<topic>". For every topic with a local subscriber it listens
// on the same gossipsub topic and replays received frames through a proxy
// publisher per remote publisher. Bridge endpoints are registered as remote,
// so remote traffic is never sent back out.
package bridge

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/shmbus/pkg/config"
	"github.com/DeBrosOfficial/shmbus/pkg/encoding"
	"github.com/DeBrosOfficial/shmbus/pkg/errors"
	"github.com/DeBrosOfficial/shmbus/pkg/logging"
	"github.com/DeBrosOfficial/shmbus/pkg/metrics"
	"github.com/DeBrosOfficial/shmbus/pkg/pubsub"
	"github.com/DeBrosOfficial/shmbus/pkg/registry"
	"github.com/DeBrosOfficial/shmbus/pkg/shm"
	"github.com/DeBrosOfficial/shmbus/pkg/wire"
)

const (
	directionOut = "out"
	directionIn  = "in"
)

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(l *logging.ColoredLogger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics records forwarded frames.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithClock sets the clock used for peer announcements.
func WithClock(c clock.Clock) Option {
	return func(b *Bridge) {
		if c != nil {
			b.clock = c
		}
	}
}

type proxyKey struct {
	origin string
	topic  string
	id     int64
}

type endpointSet map[registry.Handle]struct{}

// Bridge connects one process registry to its peers.
type Bridge struct {
	reg       *registry.Registry
	host      host.Host
	manager   *Manager
	discovery *PeerDiscoveryService
	cfg       config.BridgeConfig
	origin    string
	logger    *logging.ColoredLogger
	metrics   *metrics.Metrics
	clock     clock.Clock

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func()
	wg        sync.WaitGroup
	closed    atomic.Bool

	qmu    sync.Mutex
	queue  []registry.Event
	wakeCh chan struct{}

	mu          sync.Mutex
	publishers  map[string]endpointSet
	subscribers map[string]endpointSet
	forwarders  map[string]*pubsub.Subscriber[[]byte]
	inbound     map[string]HandlerID
	proxies     *lru.Cache[proxyKey, *pubsub.Publisher[[]byte]]
}

// New starts a bridge for reg on h. h stays owned by the caller. ctx bounds
// bootstrap dialing only.
func New(ctx context.Context, reg *registry.Registry, h host.Host, cfg config.BridgeConfig, opts ...Option) (*Bridge, error) {
	if reg == nil || reg.Origin() == "" {
		return nil, errors.NewNotInitializedError("start bridge")
	}
	if h == nil {
		return nil, errors.NewInvalidConfigurationError("bridge.host", "a libp2p host is required", nil)
	}
	if cfg.Namespace == "" {
		return nil, errors.NewInvalidConfigurationError("bridge.namespace", "must not be empty", cfg.Namespace)
	}
	if cfg.MaxRemotePublishers < 1 {
		return nil, errors.NewInvalidConfigurationError("bridge.max_remote_publishers", "must be at least 1", cfg.MaxRemotePublishers)
	}
	if cfg.RemoteBufferCount < 1 {
		return nil, errors.NewInvalidConfigurationError("bridge.remote_buffer_count", "must be at least 1", cfg.RemoteBufferCount)
	}

	b := &Bridge{
		reg:         reg,
		host:        h,
		cfg:         cfg,
		origin:      reg.Origin(),
		logger:      logging.NewNopLogger(),
		clock:       clock.New(),
		wakeCh:      make(chan struct{}, 1),
		publishers:  make(map[string]endpointSet),
		subscribers: make(map[string]endpointSet),
		forwarders:  make(map[string]*pubsub.Subscriber[[]byte]),
		inbound:     make(map[string]HandlerID),
	}
	for _, opt := range opts {
		opt(b)
	}

	proxies, err := lru.NewWithEvict[proxyKey, *pubsub.Publisher[[]byte]](cfg.MaxRemotePublishers, b.onProxyEvicted)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create proxy cache")
	}
	b.proxies = proxies

	// Gossipsub lives as long as the bridge, not the caller's ctx.
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.manager, err = NewGossipManager(b.ctx, h, cfg.Namespace, b.logger)
	if err != nil {
		b.cancel()
		return nil, err
	}

	connectBootstrapPeers(ctx, h, cfg.BootstrapPeers, b.logger)

	if cfg.DiscoveryInterval > 0 {
		b.discovery = NewPeerDiscoveryService(h, b.manager, b.origin, cfg.DiscoveryInterval, b.clock, b.logger)
		if err := b.discovery.Start(); err != nil {
			b.cancel()
			_ = b.manager.Close()
			return nil, errors.Wrap(err, "failed to start peer discovery")
		}
	}

	b.wg.Add(1)
	go b.run()
	b.stopWatch = reg.Watch(b.enqueue)

	b.logger.ComponentInfo(logging.ComponentBridge, "Bridge started",
		zap.Stringer("peer_id", h.ID()),
		zap.String("origin", b.origin),
		zap.String("namespace", cfg.Namespace),
		zap.Int("listen_addrs", len(h.Addrs())),
	)
	return b, nil
}

// Origin returns the process instance id stamped on outgoing frames.
func (b *Bridge) Origin() string { return b.origin }

// Host returns the libp2p host.
func (b *Bridge) Host() host.Host { return b.host }

// Manager returns the gossipsub topic manager.
func (b *Bridge) Manager() *Manager { return b.manager }

// Forwarding returns the topics whose local samples are sent to peers.
func (b *Bridge) Forwarding() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.forwarders)
}

// Listening returns the topics received from peers.
func (b *Bridge) Listening() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sortedKeys(b.inbound)
}

// RemotePublishers returns the number of live proxy publishers.
func (b *Bridge) RemotePublishers() int {
	return b.proxies.Len()
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// enqueue runs on registering goroutines, so the work is deferred to run.
func (b *Bridge) enqueue(ev registry.Event) {
	if ev.Endpoint.Remote {
		return
	}
	b.qmu.Lock()
	b.queue = append(b.queue, ev)
	b.qmu.Unlock()

	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.wakeCh:
		}

		b.qmu.Lock()
		events := b.queue
		b.queue = nil
		b.qmu.Unlock()

		for _, ev := range events {
			b.handle(ev)
		}
	}
}

func (b *Bridge) handle(ev registry.Event) {
	info := ev.Endpoint

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return
	}

	sets := b.publishers
	if info.Kind == registry.KindSubscriber {
		sets = b.subscribers
	}
	set := sets[info.Topic]
	if set == nil {
		set = make(endpointSet)
		sets[info.Topic] = set
	}
	switch ev.Type {
	case registry.EventRegistered:
		set[info.Handle] = struct{}{}
	case registry.EventDeregistered:
		delete(set, info.Handle)
	}
	active := len(set) > 0
	if !active {
		delete(sets, info.Topic)
	}

	switch {
	case info.Kind == registry.KindPublisher && active:
		b.startForwarderLocked(info.Topic)
	case info.Kind == registry.KindPublisher:
		b.stopForwarderLocked(info.Topic)
	case active:
		b.startInboundLocked(info.Topic)
	default:
		b.stopInboundLocked(info.Topic)
	}
}

func (b *Bridge) startForwarderLocked(topic string) {
	if _, ok := b.forwarders[topic]; ok {
		return
	}

	sub, err := pubsub.NewSubscriber(b.reg, topic, encoding.Opaque(""),
		pubsub.WithRemote(b.origin),
		pubsub.WithLogger(b.logger),
		pubsub.WithMetrics(b.metrics),
	)
	if err != nil {
		b.logger.ComponentError(logging.ComponentBridge, "Failed to create forwarder",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}
	sub.OnReceive(func(msg pubsub.Message[[]byte], err error) {
		b.forward(topic, msg, err)
	})
	b.forwarders[topic] = sub

	b.logger.ComponentInfo(logging.ComponentBridge, "Forwarding topic", zap.String("topic", topic))
}

func (b *Bridge) stopForwarderLocked(topic string) {
	sub, ok := b.forwarders[topic]
	if !ok {
		return
	}
	delete(b.forwarders, topic)
	_ = sub.Close()

	b.logger.ComponentInfo(logging.ComponentBridge, "Stopped forwarding topic", zap.String("topic", topic))
}

func (b *Bridge) startInboundLocked(topic string) {
	if _, ok := b.inbound[topic]; ok {
		return
	}

	id, err := b.manager.Subscribe(b.ctx, topic, b.deliver)
	if err != nil {
		b.logger.ComponentError(logging.ComponentBridge, "Failed to subscribe to peers",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}
	b.inbound[topic] = id

	b.logger.ComponentInfo(logging.ComponentBridge, "Listening on topic", zap.String("topic", topic))
}

func (b *Bridge) stopInboundLocked(topic string) {
	id, ok := b.inbound[topic]
	if !ok {
		return
	}
	delete(b.inbound, topic)
	_ = b.manager.Unsubscribe(b.ctx, topic, id)

	for _, key := range b.proxies.Keys() {
		if key.topic == topic {
			b.proxies.Remove(key)
		}
	}

	b.logger.ComponentInfo(logging.ComponentBridge, "Stopped listening on topic", zap.String("topic", topic))
}

// forward sends one local sample to peers.
func (b *Bridge) forward(topic string, msg pubsub.Message[[]byte], err error) {
	if err != nil {
		return
	}

	frame := wire.Frame{
		Origin:      b.origin,
		Topic:       topic,
		Descriptor:  b.descriptorFor(topic, msg.PublisherID),
		PublisherID: msg.PublisherID,
		Sequence:    msg.Sequence,
		Timestamp:   msg.Timestamp,
		Payload:     msg.Raw,
	}
	data, err := frame.Marshal()
	if err != nil {
		b.logger.ComponentWarn(logging.ComponentBridge, "Failed to encode frame",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}

	if err := b.manager.Publish(b.ctx, topic, data); err != nil {
		if b.ctx.Err() == nil {
			b.logger.ComponentWarn(logging.ComponentBridge, "Failed to publish frame",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
		return
	}
	b.metrics.ObserveForward(topic, directionOut)
}

// descriptorFor looks up the topic type of a local publisher by id. Ids may
// change until the first send, so they are not cached.
func (b *Bridge) descriptorFor(topic string, id int64) string {
	for _, info := range b.reg.Lookup(topic) {
		if info.Kind == registry.KindPublisher && !info.Remote && info.ID == id {
			return info.Descriptor
		}
	}
	return ""
}

// deliver replays one frame from a peer into the local registry.
func (b *Bridge) deliver(topic string, data []byte) error {
	if b.closed.Load() {
		return nil
	}

	frame, err := wire.Unmarshal(data)
	if err != nil {
		return err
	}
	if frame.Origin == b.origin {
		return nil
	}
	if frame.Topic != topic {
		return errors.Newf("frame for %q received on %q", frame.Topic, topic)
	}

	proxy, err := b.proxyFor(frame)
	if err != nil {
		return err
	}
	if proxy == nil {
		return nil
	}

	if _, err := proxy.Inject(frame.Payload, shm.Header{
		Sequence:    frame.Sequence,
		Timestamp:   frame.Timestamp,
		PublisherID: frame.PublisherID,
	}); err != nil {
		if errors.IsClosed(err) {
			return nil
		}
		return err
	}
	b.metrics.ObserveForward(topic, directionIn)
	return nil
}

// proxyFor returns the proxy publisher standing in for the frame's sender,
// creating it on first sight. It returns nil when the topic is no longer
// listened to.
func (b *Bridge) proxyFor(frame *wire.Frame) (*pubsub.Publisher[[]byte], error) {
	key := proxyKey{origin: frame.Origin, topic: frame.Topic, id: frame.PublisherID}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inbound[frame.Topic]; !ok {
		return nil, nil
	}
	if p, ok := b.proxies.Get(key); ok {
		if p.TopicType() == frame.Descriptor {
			return p, nil
		}
		b.proxies.Remove(key)
	}

	p, err := pubsub.NewPublisher(b.reg, frame.Topic, encoding.Opaque(frame.Descriptor),
		pubsub.WithRemote(frame.Origin),
		pubsub.WithID(frame.PublisherID),
		pubsub.WithBufferCount(b.cfg.RemoteBufferCount),
		pubsub.WithLogger(b.logger),
		pubsub.WithMetrics(b.metrics),
	)
	if err != nil {
		return nil, err
	}
	b.proxies.Add(key, p)

	b.logger.ComponentInfo(logging.ComponentBridge, "Remote publisher joined",
		zap.String("topic", frame.Topic),
		zap.String("origin", frame.Origin),
		zap.Int64("id", frame.PublisherID),
		zap.String("type", frame.Descriptor),
	)
	return p, nil
}

// onProxyEvicted frees the proxy's buffers right away unless a local
// subscriber still reads one, in which case they go with the last release.
func (b *Bridge) onProxyEvicted(key proxyKey, p *pubsub.Publisher[[]byte]) {
	if err := p.CloseSync(); errors.IsRetryable(errors.GetErrorCode(err)) {
		_ = p.Close()
	}
	b.logger.ComponentDebug(logging.ComponentBridge, "Remote publisher dropped",
		zap.String("topic", key.topic),
		zap.String("origin", key.origin),
		zap.Int64("id", key.id),
	)
}

// Close stops forwarding, closes every proxy publisher and leaves all
// gossipsub topics. The host is not closed.
func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.stopWatch()
	b.cancel()
	b.wg.Wait()

	var err error
	b.mu.Lock()
	for topic, sub := range b.forwarders {
		err = multierr.Append(err, sub.Close())
		delete(b.forwarders, topic)
	}
	b.inbound = make(map[string]HandlerID)
	b.mu.Unlock()

	b.proxies.Purge()

	if b.discovery != nil {
		err = multierr.Append(err, b.discovery.Stop())
	}
	err = multierr.Append(err, b.manager.Close())

	b.logger.ComponentInfo(logging.ComponentBridge, "Bridge closed", zap.String("origin", b.origin))
	return err
}
