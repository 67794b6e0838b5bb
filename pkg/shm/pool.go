package shm

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/DeBrosOfficial/shmbus/pkg/errors"
	"github.com/DeBrosOfficial/shmbus/pkg/logging"
	"github.com/DeBrosOfficial/shmbus/pkg/metrics"
)

const defaultAlignment = 64

// Stats counts pool events since creation.
type Stats struct {
	Commits       uint64
	Reclaims      uint64
	Evictions     uint64
	StaleReleases uint64
}

// Pool is a fixed-count table of reusable payload buffers owned by one writer
// and shared with any number of readers. Writers never block: when every slot
// is held by readers the oldest committed slot is reclaimed.
type Pool struct {
	topic     string
	alignment int
	logger    *logging.ColoredLogger
	metrics   *metrics.Metrics

	mu          sync.Mutex
	slots       []*slot
	nextID      int
	commitCount uint64
	closed      bool
	stats       Stats
}

// Option configures a Pool.
type Option func(*Pool)

// WithAlignment rounds slot capacities up to a multiple of n bytes.
func WithAlignment(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.alignment = n
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *logging.ColoredLogger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records reclaims.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pool) { p.metrics = m }
}

// NewPool creates a pool of count free slots for topic.
func NewPool(topic string, count int, opts ...Option) (*Pool, error) {
	if count < 1 {
		return nil, errors.NewInvalidConfigurationError("buffer_count", "must be at least 1", count)
	}

	p := &Pool{
		topic:     topic,
		alignment: defaultAlignment,
		logger:    logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.slots = make([]*slot, 0, count)
	for i := 0; i < count; i++ {
		p.slots = append(p.slots, p.newSlot())
	}
	return p, nil
}

func (p *Pool) newSlot() *slot {
	s := &slot{id: p.nextID}
	p.nextID++
	return s
}

// Topic returns the topic the pool serves.
func (p *Pool) Topic() string { return p.topic }

// Len returns the configured buffer count.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// AcquireWrite returns an exclusive write slot. It never blocks: it takes a
// free slot, or failing that reclaims the least recently committed slot
// regardless of readers.
func (p *Pool) AcquireWrite() (*WriteRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.NewClosedError("buffer pool for " + p.topic)
	}

	target := p.freeSlotLocked()
	if target == nil {
		target = p.oldestLocked(func(s *slot) bool { return !s.writing })
		if target == nil {
			// Only reachable with a single slot whose writer never finished.
			target = p.oldestLocked(func(*slot) bool { return true })
		}
		p.reclaimLocked(target)
	}

	target.writing = true
	return &WriteRef{pool: p, slot: target, gen: target.gen}, nil
}

func (p *Pool) freeSlotLocked() *slot {
	for _, s := range p.slots {
		if s.state() == StateFree {
			return s
		}
	}
	return nil
}

// oldestLocked returns the slot with the lowest commit order among those
// accepted by keep. Uncommitted slots sort first.
func (p *Pool) oldestLocked(keep func(*slot) bool) *slot {
	var oldest *slot
	for _, s := range p.slots {
		if !keep(s) {
			continue
		}
		if oldest == nil || s.commitOrder < oldest.commitOrder {
			oldest = s
		}
	}
	return oldest
}

func (p *Pool) reclaimLocked(s *slot) {
	readers := s.readers
	seq := s.hdr.Sequence
	// Readers keep the old backing array, so the next write cannot corrupt
	// bytes they may still be looking at.
	s.reset(readers > 0)
	p.stats.Reclaims++
	p.metrics.ObserveReclaim(p.topic)

	p.logger.ComponentDebug(logging.ComponentSHM, "Reclaimed buffer",
		zap.String("topic", p.topic),
		zap.Int("slot", s.id),
		zap.Int("detached_readers", readers),
		zap.Uint64("sequence", seq),
	)
}

// Commit copies payload into the write slot and stamps it with hdr. The slot
// stays pinned to the writer until Finish so readers can be attached.
func (p *Pool) Commit(w *WriteRef, payload []byte, hdr Header) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := w.slot
	if s.gen != w.gen || !s.writing || s.retired {
		return errors.NewInternalError("write slot was reclaimed before commit", nil).WithOperation("commit")
	}
	if s.committed {
		return errors.NewInternalError("write slot already committed", nil).WithOperation("commit")
	}

	if cap(s.buf) < len(payload) {
		s.buf = make([]byte, p.roundUp(len(payload)))
	}
	s.buf = s.buf[:cap(s.buf)]
	copy(s.buf, payload)
	s.size = len(payload)
	s.hdr = hdr

	p.commitCount++
	s.commitOrder = p.commitCount
	s.committed = true
	p.stats.Commits++
	return nil
}

func (p *Pool) roundUp(n int) int {
	a := p.alignment
	if n == 0 {
		return a
	}
	return (n + a - 1) / a * a
}

// AcquireRead attaches a reader to the committed slot behind w. It fails if
// the slot was reclaimed, the writer already finished or the pool is closed.
func (p *Pool) AcquireRead(w *WriteRef) (*ReadRef, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := w.slot
	if p.closed || s.retired || s.gen != w.gen || !s.writing || !s.committed {
		return nil, false
	}
	s.readers++
	return &ReadRef{pool: p, slot: s, gen: s.gen, hdr: s.hdr}, true
}

// Finish unpins the write slot. With no readers attached the slot is free again.
func (p *Pool) Finish(w *WriteRef) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := w.slot
	if s.gen != w.gen || !s.writing {
		return
	}
	s.writing = false
	if !s.committed {
		s.reset(false)
		return
	}
	if s.readers == 0 {
		p.freeLocked(s)
	}
}

func (p *Pool) freeLocked(s *slot) {
	s.reset(p.closed || s.retired)
}

func (p *Pool) view(r *ReadRef) (Sample, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := r.slot
	if r.released || s.gen != r.gen || s.retired {
		return Sample{}, false
	}
	return Sample{Payload: s.buf[:s.size:s.size], Header: s.hdr}, true
}

// Release drops a read reference; the slot becomes free when the last reader
// leaves and the writer has finished.
func (p *Pool) Release(r *ReadRef) {
	if r == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if r.released {
		return
	}
	r.released = true

	s := r.slot
	if s.gen != r.gen {
		p.stats.StaleReleases++
		return
	}
	s.readers--
	if s.readers == 0 && !s.writing {
		p.freeLocked(s)
	}
}

// Resize changes the buffer count. Growing keeps every committed slot;
// shrinking drops free slots first, then the least recently committed ones.
func (p *Pool) Resize(n int) error {
	if n < 1 {
		return errors.NewInvalidConfigurationError("buffer_count", "must be at least 1", n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return errors.NewClosedError("buffer pool for " + p.topic)
	}

	if n >= len(p.slots) {
		for len(p.slots) < n {
			p.slots = append(p.slots, p.newSlot())
		}
		return nil
	}

	// Eviction order: free, then committed by age, the active writer last.
	order := make([]*slot, len(p.slots))
	copy(order, p.slots)
	sort.SliceStable(order, func(i, j int) bool {
		return evictRank(order[i]) < evictRank(order[j])
	})

	drop := make(map[*slot]bool, len(p.slots)-n)
	for _, s := range order[:len(p.slots)-n] {
		drop[s] = true
		if s.committed {
			p.stats.Evictions++
			p.logger.ComponentDebug(logging.ComponentSHM, "Evicted buffer on resize",
				zap.String("topic", p.topic),
				zap.Int("slot", s.id),
				zap.Uint64("sequence", s.hdr.Sequence),
			)
		}
		s.reset(true)
		s.retired = true
	}

	kept := p.slots[:0]
	for _, s := range p.slots {
		if !drop[s] {
			kept = append(kept, s)
		}
	}
	p.slots = kept
	return nil
}

func evictRank(s *slot) uint64 {
	switch {
	case s.state() == StateFree:
		return 0
	case s.writing:
		return ^uint64(0)
	default:
		return s.commitOrder
	}
}

// Readers returns the number of live read references across all slots.
func (p *Pool) Readers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readersLocked()
}

func (p *Pool) readersLocked() int {
	n := 0
	for _, s := range p.slots {
		n += s.readers
	}
	return n
}

// Close tears the pool down. When synchronous it fails with
// BuffersStillReferenced while any reader holds a slot and leaves the pool
// untouched. Otherwise free slots are released now and held slots on their
// last Release.
func (p *Pool) Close(synchronous bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	if readers := p.readersLocked(); synchronous && readers > 0 {
		return errors.NewBuffersStillReferencedError(p.topic, readers)
	}

	p.closed = true
	for _, s := range p.slots {
		if s.readers == 0 {
			s.reset(true)
		}
	}
	return nil
}

// Closed reports whether Close succeeded.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Snapshot returns the state of every slot ordered by slot id.
func (p *Pool) Snapshot() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SlotInfo, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns the event counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
