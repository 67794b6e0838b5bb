package shm

// SlotState is the lifecycle state of one buffer.
type SlotState int

const (
	StateFree SlotState = iota
	StateWriting
	StateCommitted
	StateReading
)

func (s SlotState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateWriting:
		return "writing"
	case StateCommitted:
		return "committed"
	case StateReading:
		return "reading"
	default:
		return "unknown"
	}
}

// Header is the framing written alongside every payload.
type Header struct {
	Sequence    uint64
	Timestamp   int64
	PublisherID int64
}

// Sample is a committed payload as seen by a reader. Payload aliases pool
// memory and is only valid until the owning ReadRef is released.
type Sample struct {
	Payload []byte
	Header  Header
}

// SlotInfo describes one slot for diagnostics and tests.
type SlotInfo struct {
	ID          int
	Generation  uint64
	State       SlotState
	Readers     int
	Size        int
	Capacity    int
	CommitOrder uint64
	Header      Header
}

type slot struct {
	id  int
	gen uint64

	// writing pins the slot as the active write target until Finish.
	writing   bool
	committed bool
	readers   int

	buf  []byte
	size int
	hdr  Header

	// commitOrder is the pool-wide commit counter at commit time; lower is older.
	commitOrder uint64
	retired     bool
}

func (s *slot) state() SlotState {
	switch {
	case s.writing && !s.committed:
		return StateWriting
	case s.readers > 0:
		return StateReading
	case s.committed:
		return StateCommitted
	default:
		return StateFree
	}
}

func (s *slot) info() SlotInfo {
	return SlotInfo{
		ID:          s.id,
		Generation:  s.gen,
		State:       s.state(),
		Readers:     s.readers,
		Size:        s.size,
		Capacity:    cap(s.buf),
		CommitOrder: s.commitOrder,
		Header:      s.hdr,
	}
}

// reset returns the slot to free. Readers, if any, are detached: their refs go
// stale and the backing array they may still alias is handed over to them.
func (s *slot) reset(detach bool) {
	s.gen++
	s.writing = false
	s.committed = false
	s.readers = 0
	s.size = 0
	s.hdr = Header{}
	s.commitOrder = 0
	if detach {
		s.buf = nil
	}
}

// WriteRef is the exclusive handle a writer holds between AcquireWrite and Finish.
type WriteRef struct {
	pool *Pool
	slot *slot
	gen  uint64
}

// Slot returns the id of the slot being written.
func (w *WriteRef) Slot() int { return w.slot.id }

// ReadRef is a counted reference to a committed slot.
type ReadRef struct {
	pool     *Pool
	slot     *slot
	gen      uint64
	hdr      Header
	released bool
}

// Slot returns the id of the referenced slot.
func (r *ReadRef) Slot() int { return r.slot.id }

// Header returns the framing the slot carried when the reference was taken.
// It stays available after the slot is reclaimed.
func (r *ReadRef) Header() Header { return r.hdr }

// View returns the referenced sample, or false if the slot has been reclaimed
// or evicted since the reference was taken.
func (r *ReadRef) View() (Sample, bool) {
	return r.pool.view(r)
}

// Release drops the reference. Releasing twice or releasing a stale ref is a no-op.
func (r *ReadRef) Release() {
	r.pool.Release(r)
}
