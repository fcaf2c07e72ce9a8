package engine

import (
	"context"
	"math"

	"github.com/gatewaylabs/telembuf/internal/chain"
	"github.com/gatewaylabs/telembuf/internal/metrics"
	"github.com/gatewaylabs/telembuf/internal/record"
	"github.com/gatewaylabs/telembuf/internal/sector"
	"go.uber.org/zap"
)

// CommitPending acknowledges the consumer's entire pending span. RAM
// records become eligible for erasure; erasure and sector reclamation
// advance only to the minimum acknowledged ordinal across all
// consumers, so committing one consumer never destroys records
// another still needs. A lease whose span lives only on disk is
// committed through the spill store — never silently skipped because
// the RAM pointers hold the none sentinel.
//
// A commit with no active lease is logged and ignored: duplicate
// acknowledgment delivery is routine, not corruption.
func (e *Engine) CommitPending(ctx context.Context, sensorID, consumer string) error {
	s := e.sensor(sensorID)
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[consumer]
	if !ok || l.pendingCount() == 0 {
		metrics.InvalidLeases.WithLabelValues(sensorID, consumer).Inc()
		e.logger.Info("commit with no active lease ignored",
			zap.Error(ErrInvalidLease),
			zap.String("sensor", sensorID),
			zap.String("consumer", consumer),
		)
		return nil
	}

	if l.pending > 0 {
		l.acked = l.startOrdinal + l.pending
		if l.cursor < l.acked {
			// Rolled back but never redelivered; the span was still
			// delivered once and the caller is acknowledging it.
			l.cursor = l.acked
		}
		l.pending = 0
		l.startOrdinal = l.acked
		l.startPos = chain.NoPos
		if err := e.advanceErasure(s); err != nil {
			return err
		}
	}

	if l.diskPending > 0 {
		upTo := l.diskStart + l.diskPending
		if err := e.store.Commit(ctx, s.id, consumer, upTo); err != nil {
			metrics.SpillErrors.WithLabelValues(s.id).Inc()
			e.logger.Warn("disk commit failed, lease retained for retry",
				zap.Error(err),
				zap.String("sensor", s.id),
				zap.String("consumer", consumer),
			)
			return err
		}
		count, err := e.store.Count(s.id, consumer)
		if err != nil {
			return err
		}
		l.diskCount = count
		if count == 0 {
			// Segment fully committed and retired; indices restart.
			l.diskCursor = 0
			l.diskStart = 0
		} else {
			l.diskCursor = upTo
			l.diskStart = upTo
		}
		l.diskPending = 0
		e.maybeCloseDisk(s)
	}

	metrics.CommitOps.WithLabelValues(s.id, consumer).Inc()
	e.updatePendingGauge(s, l)
	return nil
}

// RollbackPending is the cancellation primitive: a failed or timed-out
// upload rewinds the consumer's cursors to the lease start so the same
// span is redelivered by the next bulk read. The pending count is
// retained as the baseline; nothing is erased.
func (e *Engine) RollbackPending(ctx context.Context, sensorID, consumer string) error {
	_ = ctx
	s := e.sensor(sensorID)
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[consumer]
	if !ok || l.pendingCount() == 0 {
		metrics.InvalidLeases.WithLabelValues(sensorID, consumer).Inc()
		e.logger.Info("rollback with no active lease ignored",
			zap.Error(ErrInvalidLease),
			zap.String("sensor", sensorID),
			zap.String("consumer", consumer),
		)
		return nil
	}

	if l.pending > 0 {
		l.cursor = l.startOrdinal
	}
	if l.diskPending > 0 {
		l.diskCursor = l.diskStart
	}

	metrics.RollbackOps.WithLabelValues(s.id, consumer).Inc()
	return nil
}

// advanceErasure erases records up to the minimum acknowledged
// ordinal, freeing each sector once every record it held is erased.
// Sector capacity is its stored record count, so partially filled
// sectors sealed by a shape switch are reclaimed too. Called with the
// sensor lock held.
func (e *Engine) advanceErasure(s *sensorState) error {
	if len(s.leases) == 0 {
		return nil
	}
	target := uint64(math.MaxUint64)
	for _, l := range s.leases {
		if l.acked < target {
			target = l.acked
		}
	}
	if target <= s.eraseOrdinal || s.erasePos.IsNone() {
		return nil
	}

	pos := s.erasePos
	for s.eraseOrdinal < target {
		kind := e.pool.Kind(pos.Sector)
		if !kind.Valid() {
			err := &chain.CorruptError{Sector: pos.Sector, Reason: "type tag during erasure"}
			e.isolate(s, pos.Sector)
			return err
		}
		record.Erase(e.pool.Payload(pos.Sector), kind, pos.Slot)
		s.eraseOrdinal++
		pos.Slot++

		if pos.Slot >= e.pool.Used(pos.Sector) {
			next, err := e.chains.Next(pos.Sector)
			if err != nil {
				return e.handleWalkError(s, err)
			}
			e.pool.Free(pos.Sector)
			if next == sector.None {
				// The tail held nothing live; the chain is gone.
				s.head = sector.None
				s.tail = sector.None
				s.writePos = chain.NoPos
				pos = chain.NoPos
				break
			}
			s.head = next
			pos = chain.Pos{Sector: next, Slot: 0}
		}
	}

	s.erasePos = pos
	return nil
}

// maybeCloseDisk returns the sensor to RAM writes once every consumer
// has drained and committed its disk backlog.
func (e *Engine) maybeCloseDisk(s *sensorState) {
	if !s.diskOpen {
		return
	}
	for _, l := range s.leases {
		if l.diskCount > 0 {
			return
		}
	}
	s.diskOpen = false
	e.logger.Info("secondary-storage backlog drained, resuming RAM writes",
		zap.String("sensor", s.id),
	)
}
