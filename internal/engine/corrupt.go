package engine

import (
	"github.com/gatewaylabs/telembuf/internal/chain"
	"github.com/gatewaylabs/telembuf/internal/metrics"
	"github.com/gatewaylabs/telembuf/internal/record"
	"github.com/gatewaylabs/telembuf/internal/sector"
	"go.uber.org/zap"
)

// isolate unlinks a corrupt sector and rebuilds the sensor's cursors
// and accounting from what remains of the chain. The sector is not
// freed: its bytes stay untouched for post-mortem inspection and its
// ID stays out of circulation. Records the sector held are lost;
// consumer leases are rewound to their acknowledged positions so the
// survivors are redelivered rather than skipped.
//
// Called with the sensor lock held.
func (e *Engine) isolate(s *sensorState, bad sector.ID) {
	metrics.CorruptSectors.Inc()
	e.logger.Error("isolating corrupt sector",
		zap.Uint32("sector", uint32(bad)),
		zap.String("sensor", s.id),
	)

	newHead, err := e.chains.Unlink(s.head, bad)
	if err != nil {
		e.logger.Error("unlink failed", zap.Error(err), zap.String("sensor", s.id))
		return
	}
	s.head = newHead

	// Rebuild tail, write position, erase position and the live record
	// count by scanning the surviving chain. Slot states are
	// contiguous per sector: an erased prefix, then valid records,
	// then (in the tail only) empty slots.
	var live uint64
	tail := sector.None
	erasePos := chain.NoPos
	writePos := chain.NoPos

	for id := s.head; id != sector.None; {
		kind := e.pool.Kind(id)
		if !kind.Valid() {
			// A second corruption; cut the chain here.
			s.head, _ = e.chains.Unlink(s.head, id)
			break
		}
		tail = id
		payload := e.pool.Payload(id)
		slots := e.pool.Used(id)
		writePos = chain.Pos{Sector: id, Slot: slots}
		for slot := 0; slot < slots; slot++ {
			_, state := record.Decode(payload, kind, slot)
			if state == record.StateEmpty {
				writePos = chain.Pos{Sector: id, Slot: slot}
				break
			}
			if state == record.StateValid {
				if erasePos.IsNone() {
					erasePos = chain.Pos{Sector: id, Slot: slot}
				}
				live++
			}
		}
		next, err := e.chains.Next(id)
		if err != nil {
			break
		}
		id = next
	}

	if live == 0 {
		// Nothing valid survived; reclaim whatever sectors remain.
		for id := s.head; id != sector.None; {
			next, err := e.chains.Next(id)
			e.pool.Free(id)
			if err != nil {
				break
			}
			id = next
		}
		s.head = sector.None
		tail = sector.None
		erasePos = chain.NoPos
		writePos = chain.NoPos
	}

	s.tail = tail
	s.erasePos = erasePos
	s.writePos = writePos
	s.writeOrdinal = s.eraseOrdinal + live

	// Leases rewind to their acknowledged high water; the at-least-once
	// contract allows the redelivery this causes.
	for _, l := range s.leases {
		if l.acked < s.eraseOrdinal {
			l.acked = s.eraseOrdinal
		}
		if l.acked > s.writeOrdinal {
			l.acked = s.writeOrdinal
		}
		l.cursor = l.acked
		l.startOrdinal = l.acked
		l.startPos = chain.NoPos
		l.pending = 0
	}

	s.readOrdinal = s.eraseOrdinal
	s.readPos = chain.NoPos
}
