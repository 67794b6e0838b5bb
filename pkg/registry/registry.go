package registry

import (
	"encoding/binary"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/shmbus/pkg/encoding"
	"github.com/DeBrosOfficial/shmbus/pkg/errors"
	"github.com/DeBrosOfficial/shmbus/pkg/logging"
	"github.com/DeBrosOfficial/shmbus/pkg/metrics"
	"github.com/DeBrosOfficial/shmbus/pkg/shm"
)

const defaultMaxNameLength = 256

type entry struct {
	info EndpointInfo
	ep   Endpoint
	recv Receiver
}

type topic struct {
	mu          sync.RWMutex
	publishers  map[Handle]*entry
	subscribers map[Handle]*entry
}

func newTopic() *topic {
	return &topic{
		publishers:  make(map[Handle]*entry),
		subscribers: make(map[Handle]*entry),
	}
}

func (t *topic) empty() bool {
	return len(t.publishers) == 0 && len(t.subscribers) == 0
}

func (t *topic) side(k Kind) map[Handle]*entry {
	if k == KindPublisher {
		return t.publishers
	}
	return t.subscribers
}

func (t *topic) counterparts(k Kind) map[Handle]*entry {
	if k == KindPublisher {
		return t.subscribers
	}
	return t.publishers
}

// Registry maps topic names to the endpoints bound to them. Each topic has its
// own lock; the topic map lock is only held to find or create a topic.
type Registry struct {
	proc          Lifecycle
	logger        *logging.ColoredLogger
	metrics       *metrics.Metrics
	maxNameLength int

	mu      sync.RWMutex
	topics  map[string]*topic
	handles map[Handle]string

	watchMu   sync.RWMutex
	watchers  map[uint64]Watcher
	nextWatch uint64

	nextID atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *logging.ColoredLogger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records endpoint counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithMaxNameLength bounds topic names in bytes.
func WithMaxNameLength(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxNameLength = n
		}
	}
}

// New creates a registry bound to a process lifecycle.
func New(proc Lifecycle, opts ...Option) *Registry {
	r := &Registry{
		proc:          proc,
		logger:        logging.NewNopLogger(),
		maxNameLength: defaultMaxNameLength,
		topics:        make(map[string]*topic),
		handles:       make(map[Handle]string),
		watchers:      make(map[uint64]Watcher),
	}
	for _, opt := range opts {
		opt(r)
	}

	// Seed generated ids from the instance so two processes rarely hand out
	// the same publisher id.
	var seed int64
	if proc != nil && proc.Ok() {
		id := proc.InstanceID()
		seed = int64(binary.BigEndian.Uint32(id[:4])>>1) << 20
	}
	r.nextID.Store(seed)
	return r
}

// NextID returns a fresh endpoint id.
func (r *Registry) NextID() int64 {
	return r.nextID.Add(1)
}

// Origin returns the process instance id as a string, or empty without a lifecycle.
func (r *Registry) Origin() string {
	if r.proc == nil || !r.proc.Ok() {
		return ""
	}
	return r.proc.InstanceID().String()
}

// ValidateTopicName reports whether name can be registered.
func (r *Registry) ValidateTopicName(name string) error {
	switch {
	case name == "":
		return errors.NewInvalidTopicNameError(name, "must not be empty")
	case len(name) > r.maxNameLength:
		return errors.NewInvalidTopicNameError(name, "exceeds maximum length")
	case strings.ContainsRune(name, 0):
		return errors.NewInvalidTopicNameError(name, "must not contain NUL bytes")
	case !utf8.ValidString(name):
		return errors.NewInvalidTopicNameError(name, "must be valid UTF-8")
	case strings.TrimSpace(name) != name:
		return errors.NewInvalidTopicNameError(name, "must not have leading or trailing whitespace")
	}
	return nil
}

// Binding is a registration together with its topic. The topic stays in the
// registry for as long as the endpoint is registered.
type Binding struct {
	reg    *Registry
	topic  *topic
	handle Handle
}

// Handle returns the registration handle.
func (b *Binding) Handle() Handle { return b.handle }

// Notify is Registry.Notify for the bound topic. It only takes the topic's
// own lock, so sends on different topics never contend.
func (b *Binding) Notify(pub EndpointInfo, pool *shm.Pool, w *shm.WriteRef) int {
	return b.reg.notify(b.topic, pub, pool, w)
}

// Register binds ep to its topic and runs the matching pass: every
// counterpart already on the topic, and ep itself, receive OnMatch before
// Register returns.
func (r *Registry) Register(ep Endpoint) (Handle, error) {
	b, err := r.Bind(ep)
	if err != nil {
		return uuid.Nil, err
	}
	return b.handle, nil
}

// Bind is Register returning the binding used to notify subscribers.
func (r *Registry) Bind(ep Endpoint) (*Binding, error) {
	info := ep.Info()
	if r.proc == nil || !r.proc.Ok() {
		return nil, errors.NewNotInitializedError("register " + info.Kind.String())
	}
	if err := r.ValidateTopicName(info.Topic); err != nil {
		return nil, err
	}
	if info.Kind != KindPublisher && info.Kind != KindSubscriber {
		return nil, errors.NewInvalidConfigurationError("kind", "unknown endpoint kind", int(info.Kind))
	}
	if info.Handle == uuid.Nil {
		info.Handle = uuid.New()
	}
	if info.ID == 0 {
		info.ID = r.NextID()
	}

	e := &entry{info: info, ep: ep}
	if info.Kind == KindSubscriber {
		recv, ok := ep.(Receiver)
		if !ok {
			return nil, errors.NewInvalidConfigurationError("endpoint", "subscriber does not implement Receiver", info.Topic)
		}
		e.recv = recv
	}

	r.mu.Lock()
	if _, dup := r.handles[info.Handle]; dup {
		r.mu.Unlock()
		return nil, errors.NewInvalidConfigurationError("handle", "already registered", info.Handle.String())
	}
	t, ok := r.topics[info.Topic]
	if !ok {
		t = newTopic()
		r.topics[info.Topic] = t
	}
	r.handles[info.Handle] = info.Topic
	t.mu.Lock()
	r.mu.Unlock()

	t.side(info.Kind)[info.Handle] = e
	self := *e
	peers := snapshot(t.counterparts(info.Kind))
	t.mu.Unlock()

	r.metrics.EndpointAdded(info.Topic, info.Kind.String())
	r.logger.ComponentDebug(logging.ComponentRegistry, "Endpoint registered",
		zap.String("topic", info.Topic),
		zap.Stringer("kind", info.Kind),
		zap.Int64("id", info.ID),
		zap.String("type", info.Descriptor),
		zap.Bool("remote", info.Remote),
	)

	r.matchPass(self, peers)
	r.emit(Event{Type: EventRegistered, Endpoint: info})
	return &Binding{reg: r, topic: t, handle: info.Handle}, nil
}

// snapshot copies entries so their info can be read after the topic lock is
// released. Caller holds the topic lock.
func snapshot(m map[Handle]*entry) []entry {
	out := make([]entry, 0, len(m))
	for _, e := range m {
		out = append(out, *e)
	}
	return out
}

func (r *Registry) matchPass(e entry, peers []entry) {
	for _, p := range peers {
		if e.info.Remote && p.info.Remote {
			continue
		}

		var toPeer, toSelf error
		if !encoding.Compatible(e.info.Descriptor, p.info.Descriptor) {
			toPeer = errors.NewEncodingMismatchError(e.info.Topic, p.info.Descriptor, e.info.Descriptor)
			toSelf = errors.NewEncodingMismatchError(e.info.Topic, e.info.Descriptor, p.info.Descriptor)
			r.logger.ComponentWarn(logging.ComponentRegistry, "Topic type mismatch",
				zap.String("topic", e.info.Topic),
				zap.String("new", e.info.Descriptor),
				zap.String("existing", p.info.Descriptor),
			)
		}

		p.ep.OnMatch(MatchEvent{Topic: e.info.Topic, Peer: e.info, Err: toPeer})
		e.ep.OnMatch(MatchEvent{Topic: e.info.Topic, Peer: p.info, Err: toSelf})
	}
}

// Deregister removes a registration and tells its counterparts. Unknown
// handles are ignored.
func (r *Registry) Deregister(h Handle) {
	r.mu.Lock()
	name, ok := r.handles[h]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.handles, h)
	t := r.topics[name]

	t.mu.Lock()
	found := t.publishers[h]
	if found == nil {
		found = t.subscribers[h]
	}
	e := *found
	delete(t.publishers, h)
	delete(t.subscribers, h)
	peers := snapshot(t.counterparts(e.info.Kind))
	if t.empty() {
		delete(r.topics, name)
	}
	t.mu.Unlock()
	r.mu.Unlock()

	r.metrics.EndpointRemoved(name, e.info.Kind.String())
	r.logger.ComponentDebug(logging.ComponentRegistry, "Endpoint deregistered",
		zap.String("topic", name),
		zap.Stringer("kind", e.info.Kind),
		zap.Int64("id", e.info.ID),
	)

	for _, p := range peers {
		if e.info.Remote && p.info.Remote {
			continue
		}
		p.ep.OnMatch(MatchEvent{Topic: name, Peer: e.info, Lost: true})
	}
	r.emit(Event{Type: EventDeregistered, Endpoint: e.info})
}

// UpdateID changes the id recorded for a registered endpoint.
func (r *Registry) UpdateID(h Handle, id int64) error {
	t := r.topicFor(h)
	if t == nil {
		return errors.NewClosedError("endpoint " + h.String())
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.publishers[h]
	if e == nil {
		e = t.subscribers[h]
	}
	if e == nil {
		return errors.NewClosedError("endpoint " + h.String())
	}
	e.info.ID = id
	return nil
}

func (r *Registry) topicFor(h Handle) *topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.handles[h]
	if !ok {
		return nil
	}
	return r.topics[name]
}

func (r *Registry) topic(name string) *topic {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.topics[name]
}

// Lookup returns the endpoints bound to a topic, publishers first.
func (r *Registry) Lookup(name string) []EndpointInfo {
	t := r.topic(name)
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]EndpointInfo, 0, len(t.publishers)+len(t.subscribers))
	for _, e := range t.publishers {
		out = append(out, e.info)
	}
	for _, e := range t.subscribers {
		out = append(out, e.info)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Topics returns every topic with at least one endpoint, sorted.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.topics))
	for name := range r.topics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Stats counts the endpoints on a topic.
func (r *Registry) Stats(name string) TopicStats {
	t := r.topic(name)
	if t == nil {
		return TopicStats{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return TopicStats{Publishers: len(t.publishers), Subscribers: len(t.subscribers)}
}

// Matches counts the compatible counterparts of a registered endpoint.
func (r *Registry) Matches(h Handle) int {
	t := r.topicFor(h)
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	e := t.publishers[h]
	if e == nil {
		e = t.subscribers[h]
	}
	if e == nil {
		return 0
	}

	n := 0
	for _, p := range t.counterparts(e.info.Kind) {
		if e.info.Remote && p.info.Remote {
			continue
		}
		if encoding.Compatible(e.info.Descriptor, p.info.Descriptor) {
			n++
		}
	}
	return n
}

// Notify fans a committed write slot out to every subscriber on the
// publisher's topic. Subscribers with an incompatible descriptor get an
// EncodingMismatch delivery instead and are not counted. It returns the
// number of subscribers that received a read reference.
func (r *Registry) Notify(pub EndpointInfo, pool *shm.Pool, w *shm.WriteRef) int {
	t := r.topic(pub.Topic)
	if t == nil {
		return 0
	}
	return r.notify(t, pub, pool, w)
}

func (r *Registry) notify(t *topic, pub EndpointInfo, pool *shm.Pool, w *shm.WriteRef) int {
	t.mu.RLock()
	subs := snapshot(t.subscribers)
	t.mu.RUnlock()

	notified := 0
	for _, s := range subs {
		if pub.Remote && s.info.Remote {
			continue
		}
		if !encoding.Compatible(pub.Descriptor, s.info.Descriptor) {
			s.recv.Deliver(Delivery{
				Publisher: pub,
				Err:       errors.NewEncodingMismatchError(pub.Topic, s.info.Descriptor, pub.Descriptor),
			})
			r.metrics.ObserveDeliveryError(pub.Topic, errors.CodeEncodingMismatch)
			continue
		}

		ref, ok := pool.AcquireRead(w)
		if !ok {
			break
		}
		s.recv.Deliver(Delivery{Publisher: pub, Ref: ref})
		notified++
	}
	return notified
}

// Watch streams registration events to w, starting with a Registered event
// for every endpoint already present. An endpoint registering concurrently
// with Watch may be reported twice. The returned func stops the stream.
func (r *Registry) Watch(w Watcher) (cancel func()) {
	r.watchMu.Lock()
	id := r.nextWatch
	r.nextWatch++
	r.watchers[id] = w
	r.watchMu.Unlock()

	for _, name := range r.Topics() {
		for _, info := range r.Lookup(name) {
			w(Event{Type: EventRegistered, Endpoint: info})
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.watchMu.Lock()
			delete(r.watchers, id)
			r.watchMu.Unlock()
		})
	}
}

func (r *Registry) emit(ev Event) {
	r.watchMu.RLock()
	ws := make([]Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		ws = append(ws, w)
	}
	r.watchMu.RUnlock()

	for _, w := range ws {
		w(ev)
	}
}
