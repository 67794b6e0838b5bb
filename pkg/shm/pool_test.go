package shm

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DeBrosOfficial/shmbus/pkg/errors"
	"github.com/DeBrosOfficial/shmbus/pkg/metrics"
)

func write(t *testing.T, p *Pool, seq uint64, payload string) *WriteRef {
	t.Helper()
	w, err := p.AcquireWrite()
	require.NoError(t, err)
	require.NoError(t, p.Commit(w, []byte(payload), Header{Sequence: seq, Timestamp: int64(seq) * 100, PublisherID: 7}))
	return w
}

func states(p *Pool) []SlotState {
	var out []SlotState
	for _, s := range p.Snapshot() {
		out = append(out, s.State)
	}
	return out
}

func TestNewPoolRejectsZeroCount(t *testing.T) {
	_, err := NewPool("ping", 0)
	assert.True(t, errors.IsInvalidConfiguration(err))
}

func TestSlotStateMachine(t *testing.T) {
	p, err := NewPool("ping", 1)
	require.NoError(t, err)
	assert.Equal(t, []SlotState{StateFree}, states(p))

	w, err := p.AcquireWrite()
	require.NoError(t, err)
	assert.Equal(t, []SlotState{StateWriting}, states(p))

	require.NoError(t, p.Commit(w, []byte("Ping 1"), Header{Sequence: 1, Timestamp: 100, PublisherID: 7}))
	assert.Equal(t, []SlotState{StateCommitted}, states(p))

	r1, ok := p.AcquireRead(w)
	require.True(t, ok)
	r2, ok := p.AcquireRead(w)
	require.True(t, ok)
	p.Finish(w)

	snap := p.Snapshot()
	assert.Equal(t, StateReading, snap[0].State)
	assert.Equal(t, 2, snap[0].Readers)

	sample, ok := r1.View()
	require.True(t, ok)
	assert.Equal(t, "Ping 1", string(sample.Payload))
	assert.Equal(t, Header{Sequence: 1, Timestamp: 100, PublisherID: 7}, sample.Header)

	r1.Release()
	assert.Equal(t, []SlotState{StateReading}, states(p))
	r2.Release()
	assert.Equal(t, []SlotState{StateFree}, states(p))
}

func TestFinishWithoutReadersFreesSlot(t *testing.T) {
	p, err := NewPool("ping", 1)
	require.NoError(t, err)

	w := write(t, p, 1, "nobody listening")
	p.Finish(w)
	assert.Equal(t, []SlotState{StateFree}, states(p))

	_, ok := p.AcquireRead(w)
	assert.False(t, ok, "finished writer cannot attach readers")
}

func TestSlotNotFreedWhileWriterPinned(t *testing.T) {
	p, err := NewPool("ping", 1)
	require.NoError(t, err)

	w := write(t, p, 1, "a")
	r, ok := p.AcquireRead(w)
	require.True(t, ok)
	r.Release()

	assert.Equal(t, []SlotState{StateCommitted}, states(p))
	p.Finish(w)
	assert.Equal(t, []SlotState{StateFree}, states(p))
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	p, err := NewPool("ping", 1)
	require.NoError(t, err)

	w := write(t, p, 1, "a")
	r1, _ := p.AcquireRead(w)
	r2, _ := p.AcquireRead(w)
	p.Finish(w)

	r1.Release()
	r1.Release()
	assert.Equal(t, 1, p.Readers())
	r2.Release()
	assert.Equal(t, 0, p.Readers())
}

func TestReclaimOnOverflowNeverBlocks(t *testing.T) {
	const n = 3
	p, err := NewPool("ping", n)
	require.NoError(t, err)

	var refs []*ReadRef
	for i := 1; i <= n; i++ {
		w := write(t, p, uint64(i), fmt.Sprintf("msg %d", i))
		r, ok := p.AcquireRead(w)
		require.True(t, ok)
		p.Finish(w)
		refs = append(refs, r)
	}

	// Every slot is held by the slow reader; the next write still proceeds.
	w := write(t, p, n+1, "overflow")
	p.Finish(w)

	_, ok := refs[0].View()
	assert.False(t, ok, "oldest buffer should have been reclaimed")
	for i, r := range refs[1:] {
		sample, ok := r.View()
		require.True(t, ok)
		assert.Equal(t, uint64(i+2), sample.Header.Sequence)
		assert.Equal(t, fmt.Sprintf("msg %d", i+2), string(sample.Payload))
	}

	assert.Equal(t, uint64(1), p.Stats().Reclaims)

	refs[0].Release()
	assert.Equal(t, uint64(1), p.Stats().StaleReleases)
	assert.Equal(t, n-1, p.Readers())
}

func TestReclaimDoesNotCorruptDetachedReader(t *testing.T) {
	p, err := NewPool("ping", 1)
	require.NoError(t, err)

	w := write(t, p, 1, "original bytes")
	r, _ := p.AcquireRead(w)
	p.Finish(w)

	sample, ok := r.View()
	require.True(t, ok)
	held := sample.Payload

	w2 := write(t, p, 2, "OVERWRITTEN!!!")
	p.Finish(w2)

	assert.Equal(t, "original bytes", string(held))
	_, ok = r.View()
	assert.False(t, ok)
	assert.Equal(t, uint64(1), r.Header().Sequence, "stale refs keep their framing")
}

func TestReclaimRecordsMetric(t *testing.T) {
	m, err := metrics.New(nil)
	require.NoError(t, err)

	p, err := NewPool("ping", 1, WithMetrics(m))
	require.NoError(t, err)

	w := write(t, p, 1, "a")
	_, _ = p.AcquireRead(w)
	p.Finish(w)
	p.Finish(write(t, p, 2, "b"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reclaims.WithLabelValues("ping")))
}

func TestStaleWriterCannotCommit(t *testing.T) {
	p, err := NewPool("ping", 1)
	require.NoError(t, err)

	w1, err := p.AcquireWrite()
	require.NoError(t, err)
	w2, err := p.AcquireWrite()
	require.NoError(t, err)

	assert.Error(t, p.Commit(w1, []byte("late"), Header{Sequence: 1}))
	assert.NoError(t, p.Commit(w2, []byte("ok"), Header{Sequence: 2}))
	assert.Error(t, p.Commit(w2, []byte("twice"), Header{Sequence: 3}))
}

func TestCapacityGrowsAligned(t *testing.T) {
	p, err := NewPool("ping", 1, WithAlignment(32))
	require.NoError(t, err)

	p.Finish(write(t, p, 1, "short"))
	assert.Equal(t, 32, p.Snapshot()[0].Capacity)

	w := write(t, p, 2, string(make([]byte, 70)))
	snap := p.Snapshot()[0]
	assert.Equal(t, 96, snap.Capacity)
	assert.Equal(t, 70, snap.Size)
	p.Finish(w)
}

func TestResizeGrowKeepsCommitted(t *testing.T) {
	p, err := NewPool("ping", 1)
	require.NoError(t, err)

	w := write(t, p, 1, "kept")
	r, _ := p.AcquireRead(w)
	p.Finish(w)

	require.NoError(t, p.Resize(3))
	assert.Equal(t, 3, p.Len())

	sample, ok := r.View()
	require.True(t, ok)
	assert.Equal(t, "kept", string(sample.Payload))

	// Growing means the next two writes do not reclaim the held slot.
	p.Finish(write(t, p, 2, "b"))
	_, ok = r.View()
	assert.True(t, ok)
	assert.Zero(t, p.Stats().Reclaims)
}

func TestResizeShrinkEvictsLeastRecentlyCommitted(t *testing.T) {
	p, err := NewPool("ping", 4)
	require.NoError(t, err)

	var refs []*ReadRef
	for i := 1; i <= 3; i++ {
		w := write(t, p, uint64(i), fmt.Sprintf("m%d", i))
		r, _ := p.AcquireRead(w)
		p.Finish(w)
		refs = append(refs, r)
	}

	// One free slot and three held ones: shrinking to 2 drops the free slot
	// and the oldest committed one.
	require.NoError(t, p.Resize(2))
	assert.Equal(t, 2, p.Len())
	assert.Equal(t, uint64(1), p.Stats().Evictions)

	_, ok := refs[0].View()
	assert.False(t, ok)
	for _, r := range refs[1:] {
		_, ok := r.View()
		assert.True(t, ok)
	}

	refs[0].Release()
	assert.Equal(t, 2, p.Readers())
}

func TestResizeRejectsZero(t *testing.T) {
	p, err := NewPool("ping", 2)
	require.NoError(t, err)
	assert.True(t, errors.IsInvalidConfiguration(p.Resize(0)))
	assert.Equal(t, 2, p.Len())
}

func TestCloseSyncWithReaders(t *testing.T) {
	p, err := NewPool("ping", 1)
	require.NoError(t, err)

	w := write(t, p, 1, "held")
	r, _ := p.AcquireRead(w)
	p.Finish(w)

	err = p.Close(true)
	require.True(t, errors.IsBuffersStillReferenced(err), "got %v", err)
	assert.False(t, p.Closed())

	r.Release()
	require.NoError(t, p.Close(true))
	assert.True(t, p.Closed())

	_, err = p.AcquireWrite()
	assert.True(t, errors.IsClosed(err))
}

func TestCloseLazyReleasesOnLastReader(t *testing.T) {
	p, err := NewPool("ping", 2)
	require.NoError(t, err)

	w := write(t, p, 1, "held")
	r, _ := p.AcquireRead(w)
	p.Finish(w)

	require.NoError(t, p.Close(false))
	assert.True(t, p.Closed())

	sample, ok := r.View()
	require.True(t, ok, "readers keep their buffer after lazy close")
	assert.Equal(t, "held", string(sample.Payload))

	r.Release()
	for _, s := range p.Snapshot() {
		assert.Equal(t, StateFree, s.State)
		assert.Zero(t, s.Capacity)
	}
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	p, err := NewPool("ping", 4)
	require.NoError(t, err)

	refs := make(chan *ReadRef, 1024)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := range refs {
				if s, ok := r.View(); ok {
					// Payload always matches its own header.
					if string(s.Payload) != fmt.Sprintf("seq-%d", s.Header.Sequence) {
						t.Errorf("corrupted sample: %q for seq %d", s.Payload, s.Header.Sequence)
					}
				}
				r.Release()
			}
		}()
	}

	for seq := uint64(1); seq <= 500; seq++ {
		w, err := p.AcquireWrite()
		require.NoError(t, err)
		require.NoError(t, p.Commit(w, []byte(fmt.Sprintf("seq-%d", seq)), Header{Sequence: seq}))
		for i := 0; i < 2; i++ {
			if r, ok := p.AcquireRead(w); ok {
				refs <- r
			}
		}
		p.Finish(w)
	}
	close(refs)
	wg.Wait()

	assert.Equal(t, 0, p.Readers())
}
