package engine

import (
	"sync"

	"github.com/gatewaylabs/telembuf/internal/chain"
	"github.com/gatewaylabs/telembuf/internal/metrics"
	"github.com/gatewaylabs/telembuf/internal/sector"
	"go.uber.org/zap"
)

// sensorState is the control block for one sensor. Every field is
// guarded by mu, which is held for the full duration of a logical
// operation — one write, one bulk read including its pending-skip
// walk, one commit, one rollback — so no caller can observe a torn
// cursor.
//
// Record positions are tracked two ways: ordinals (monotonic logical
// indices, assigned at write) and chain positions (sector + slot).
// Ordinal arithmetic is only ever used for counts; mapping an ordinal
// to a position always walks the chain, because freed sector IDs are
// reused.
type sensorState struct {
	mu sync.Mutex

	id string

	head sector.ID
	tail sector.ID

	// writePos is the append point: the first unwritten slot of the
	// tail. Its slot index may equal the tail's capacity, in which
	// case the next write extends the chain.
	writePos chain.Pos

	// Live RAM records occupy ordinals [eraseOrdinal, writeOrdinal).
	// erasePos is the chain position of eraseOrdinal.
	writeOrdinal uint64
	eraseOrdinal uint64
	erasePos     chain.Pos

	// Sensor-level cursor for ReadNext. Independent of all leases.
	readOrdinal uint64
	readPos     chain.Pos

	// diskOpen diverts writes to the spill tier. Once open it stays
	// open until every consumer has committed its entire disk
	// backlog, so delivery order is never RAM-newer-before-disk-older.
	diskOpen   bool
	diskWrites uint64

	leases map[string]*lease
}

// lease tracks one consumer's unacknowledged span on this sensor.
type lease struct {
	consumer string

	// RAM span. startOrdinal/startPos are latched on the 0->N pending
	// transition and never overwritten while pending > 0. cursor is
	// the next ordinal to deliver; rollback rewinds it to startOrdinal
	// while pending keeps the span size as the baseline. acked is the
	// committed high-water ordinal.
	startOrdinal uint64
	startPos     chain.Pos
	pending      uint64
	cursor       uint64
	acked        uint64

	// Disk span, in frame indices of the consumer's current spill
	// segment. diskCount mirrors the store's frame count so the
	// no-backlog case never costs a storage round trip.
	diskCount   uint64
	diskCursor  uint64
	diskStart   uint64
	diskPending uint64
}

// pendingCount is the consumer's total unacknowledged span.
func (l *lease) pendingCount() uint64 {
	return l.pending + l.diskPending
}

func newSensorState(id string) *sensorState {
	return &sensorState{
		id:       id,
		head:     sector.None,
		tail:     sector.None,
		writePos: chain.NoPos,
		erasePos: chain.NoPos,
		readPos:  chain.NoPos,
		leases:   make(map[string]*lease),
	}
}

// lease returns the consumer's lease, registering the consumer on
// first use. A new consumer starts at the oldest live record and at
// its durable disk commit index. An unreadable spill store degrades
// registration to RAM-only rather than blocking it; the disk backlog
// is picked up once the counters are readable again.
func (e *Engine) leaseFor(s *sensorState, consumer string) *lease {
	if l, ok := s.leases[consumer]; ok {
		return l
	}
	l := &lease{
		consumer:     consumer,
		startPos:     chain.NoPos,
		startOrdinal: s.eraseOrdinal,
		cursor:       s.eraseOrdinal,
		acked:        s.eraseOrdinal,
	}
	if e.store.Enabled() {
		count, err := e.store.Count(s.id, consumer)
		if err == nil {
			var committed uint64
			committed, err = e.store.Committed(s.id, consumer)
			if err == nil {
				l.diskCount = count
				l.diskCursor = committed
				l.diskStart = committed
			}
		}
		if err != nil {
			metrics.SpillErrors.WithLabelValues(s.id).Inc()
			e.logger.Warn("spill counters unavailable, registering consumer without disk backlog",
				zap.Error(err),
				zap.String("sensor", s.id),
				zap.String("consumer", consumer),
			)
		}
	}
	s.leases[consumer] = l
	return l
}

// posOf maps a live ordinal to its chain position by walking. With an
// active lease the walk starts at the latched lease start and skips
// exactly the already-pending records; otherwise it starts at the
// erase boundary.
func (e *Engine) posOf(s *sensorState, l *lease, ordinal uint64) (chain.Pos, error) {
	if l != nil && l.pending > 0 && !l.startPos.IsNone() {
		return e.chains.Walk(l.startPos, int(ordinal-l.startOrdinal))
	}
	return e.chains.Walk(s.erasePos, int(ordinal-s.eraseOrdinal))
}
