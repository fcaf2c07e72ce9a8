// Package engine implements the storage core: write-append into
// per-sensor sector chains, multi-consumer bulk reads with a
// pending/acknowledge lease protocol, and transparent overflow to a
// secondary-storage tier under pool pressure.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gatewaylabs/telembuf/internal/chain"
	"github.com/gatewaylabs/telembuf/internal/metrics"
	"github.com/gatewaylabs/telembuf/internal/record"
	"github.com/gatewaylabs/telembuf/internal/sector"
	"github.com/gatewaylabs/telembuf/internal/spill"
	"go.uber.org/zap"
)

// Config sizes the engine.
type Config struct {
	SectorSize     int
	SectorCount    int
	SpillThreshold float64
}

// Engine is the storage core. All operations are synchronous and
// bounded by the pool size; only the spill tier can block on disk
// latency, so latency-sensitive callers route those sensors through a
// dedicated worker.
type Engine struct {
	mu      sync.RWMutex // guards the sensors map, never held with a sensor lock
	sensors map[string]*sensorState

	pool   *sector.Pool
	chains *chain.Manager
	store  spill.Store
	cfg    Config
	logger *zap.Logger

	warnMu        sync.Mutex
	overThreshold bool
}

// New builds an engine over a fresh sector pool. store is never nil:
// constrained targets pass spill.NewNopStore().
func New(cfg Config, store spill.Store, logger *zap.Logger) (*Engine, error) {
	pool, err := sector.NewPool(cfg.SectorCount, cfg.SectorSize, logger.Named("pool"))
	if err != nil {
		return nil, err
	}
	if cfg.SpillThreshold <= 0 || cfg.SpillThreshold > 1 {
		cfg.SpillThreshold = 0.85
	}
	metrics.SectorsTotal.Set(float64(cfg.SectorCount))
	return &Engine{
		sensors: make(map[string]*sensorState),
		pool:    pool,
		chains:  chain.NewManager(pool),
		store:   store,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Write appends a time-series sample stamped with the arrival time.
func (e *Engine) Write(ctx context.Context, sensorID string, value float64) error {
	return e.write(ctx, sensorID, record.Record{
		Kind:      record.KindTimeSeries,
		Value:     value,
		Timestamp: time.Now(),
	})
}

// WriteEvent appends an event sample with its own explicit timestamp.
func (e *Engine) WriteEvent(ctx context.Context, sensorID string, value float64, ts time.Time) error {
	return e.write(ctx, sensorID, record.Record{
		Kind:      record.KindEvent,
		Value:     value,
		Timestamp: ts,
	})
}

func (e *Engine) write(ctx context.Context, sensorID string, rec record.Record) error {
	s := e.sensor(sensorID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.diskOpen {
		if e.spillWrite(ctx, s, rec) {
			return nil
		}
		// Total spill failure: degrade to RAM with a warning.
	}

	if err := e.ramWrite(s, rec); err != nil {
		if errors.Is(err, ErrOutOfMemory) && !s.diskOpen && e.openDisk(s) {
			if e.spillWrite(ctx, s, rec) {
				return nil
			}
		}
		if errors.Is(err, ErrOutOfMemory) {
			metrics.WriteDrops.WithLabelValues(s.id).Inc()
		}
		return err
	}

	e.checkPressure(s)
	return nil
}

// ramWrite appends rec at the write cursor, extending the chain when
// the tail is full or holds the other record shape.
func (e *Engine) ramWrite(s *sensorState, rec record.Record) error {
	needSector := s.tail == sector.None ||
		e.pool.Kind(s.tail) != rec.Kind ||
		s.writePos.Slot >= e.pool.SlotCount(rec.Kind)

	if needSector {
		id, err := e.chains.Append(s.tail, rec.Kind)
		if err != nil {
			return err
		}
		if s.head == sector.None {
			s.head = id
			s.erasePos = chain.Pos{Sector: id, Slot: 0}
		}
		s.tail = id
		s.writePos = chain.Pos{Sector: id, Slot: 0}
		if rec.Kind == record.KindTimeSeries {
			record.WriteBase(e.pool.Payload(id), rec.Timestamp)
		}
	}

	payload := e.pool.Payload(s.writePos.Sector)
	if err := record.Encode(payload, rec.Kind, s.writePos.Slot, rec); err != nil {
		return err
	}
	s.writePos.Slot++
	s.writeOrdinal++
	e.pool.SetUsed(s.writePos.Sector, s.writePos.Slot)

	metrics.RecordsWritten.WithLabelValues(s.id, "ram").Inc()
	return nil
}

// spillWrite fans rec out to every registered consumer's segment.
// Returns false only if no consumer received it, in which case the
// caller falls back to RAM.
func (e *Engine) spillWrite(ctx context.Context, s *sensorState, rec record.Record) bool {
	_ = ctx
	if len(s.leases) == 0 {
		return false
	}
	delivered := 0
	for _, l := range s.leases {
		if err := e.store.Append(s.id, l.consumer, rec); err != nil {
			metrics.SpillErrors.WithLabelValues(s.id).Inc()
			e.logger.Warn("spill append failed",
				zap.Error(err),
				zap.String("sensor", s.id),
				zap.String("consumer", l.consumer),
			)
			continue
		}
		l.diskCount++
		delivered++
	}
	if delivered == 0 {
		return false
	}
	s.diskWrites++
	metrics.RecordsWritten.WithLabelValues(s.id, "disk").Inc()
	metrics.SpillWrites.WithLabelValues(s.id).Inc()
	return true
}

// openDisk switches the sensor to overflow mode. Requires at least
// one registered consumer to fan out to.
func (e *Engine) openDisk(s *sensorState) bool {
	if !e.store.Enabled() || len(s.leases) == 0 {
		return false
	}
	s.diskOpen = true
	e.logger.Warn("pool pressure: diverting writes to secondary storage",
		zap.String("sensor", s.id),
		zap.Float64("usage", e.pool.Usage()),
	)
	return true
}

// checkPressure fires the metered usage-threshold diagnostic and
// proactively opens overflow mode before a hard allocation failure.
func (e *Engine) checkPressure(s *sensorState) {
	usage := e.pool.Usage()
	metrics.PoolUsageRatio.Set(usage)

	over := usage >= e.cfg.SpillThreshold
	e.warnMu.Lock()
	crossed := over != e.overThreshold
	e.overThreshold = over
	e.warnMu.Unlock()

	if crossed {
		if over {
			e.logger.Warn("sector pool usage above threshold",
				zap.Float64("usage", usage),
				zap.Float64("threshold", e.cfg.SpillThreshold),
			)
		} else {
			e.logger.Info("sector pool usage back under threshold", zap.Float64("usage", usage))
		}
	}

	if over && !s.diskOpen {
		e.openDisk(s)
	}
}

// ReadNext returns the single record at the sensor-level read cursor
// and advances it. When nothing is available it reports ok == false
// and leaves the cursor untouched.
func (e *Engine) ReadNext(ctx context.Context, sensorID string) (record.Record, bool, error) {
	_ = ctx
	s := e.sensor(sensorID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readOrdinal < s.eraseOrdinal {
		s.readOrdinal = s.eraseOrdinal
		s.readPos = s.erasePos
	}
	if s.readOrdinal >= s.writeOrdinal {
		return record.Record{}, false, nil
	}

	pos := s.readPos
	if pos.IsNone() {
		var err error
		pos, err = e.chains.Walk(s.erasePos, int(s.readOrdinal-s.eraseOrdinal))
		if err != nil {
			return record.Record{}, false, e.handleWalkError(s, err)
		}
	}

	rec, state := record.Decode(e.pool.Payload(pos.Sector), e.pool.Kind(pos.Sector), pos.Slot)
	if state != record.StateValid {
		e.logger.Warn("read cursor hit a non-valid slot",
			zap.String("sensor", s.id),
			zap.String("state", state.String()),
		)
		return record.Record{}, false, nil
	}

	next, err := e.chains.Walk(pos, 1)
	if err != nil && !errors.Is(err, chain.ErrEndOfChain) {
		return record.Record{}, false, e.handleWalkError(s, err)
	}
	// Never cache the tail's append point: a later write may open a
	// fresh sector, leaving the cached slot permanently empty. The
	// next read re-walks from the erase boundary instead.
	if err == nil && next.Slot < e.pool.Used(next.Sector) {
		s.readPos = next
	} else {
		s.readPos = chain.NoPos
	}
	s.readOrdinal++
	return rec, true, nil
}

// ReadBulk delivers up to max new records for the consumer, skipping
// the consumer's own already-pending span, crossing sector boundaries,
// and consulting the spill tier only when the RAM chain has nothing
// new and the consumer has a disk backlog. Fewer records than
// requested is a normal partial result. The delivered span extends
// the consumer's lease.
func (e *Engine) ReadBulk(ctx context.Context, sensorID, consumer string, max int) ([]record.Record, error) {
	if max <= 0 {
		return nil, nil
	}

	start := time.Now()
	s := e.sensor(sensorID)
	s.mu.Lock()
	defer s.mu.Unlock()

	l := e.leaseFor(s, consumer)

	out, err := e.readRAM(s, l, max)
	if err != nil {
		// Partial progress is reported; the caller decides.
		e.updatePendingGauge(s, l)
		return out, err
	}
	if len(out) > 0 {
		metrics.RecordsDelivered.WithLabelValues(s.id, consumer, "ram").Add(float64(len(out)))
		metrics.ReadLatency.WithLabelValues(s.id, "ram").Observe(time.Since(start).Seconds())
	}

	if len(out) < max && l.diskCount > l.diskCursor {
		disk, err := e.readDisk(ctx, s, l, max-len(out))
		out = append(out, disk...)
		if err != nil {
			e.updatePendingGauge(s, l)
			return out, err
		}
		if len(disk) > 0 {
			metrics.RecordsDelivered.WithLabelValues(s.id, consumer, "disk").Add(float64(len(disk)))
			metrics.ReadLatency.WithLabelValues(s.id, "disk").Observe(time.Since(start).Seconds())
		}
	}

	e.updatePendingGauge(s, l)
	return out, nil
}

// readRAM delivers new RAM records from the consumer's cursor and
// extends the lease. Called with the sensor lock held.
func (e *Engine) readRAM(s *sensorState, l *lease, max int) ([]record.Record, error) {
	if l.cursor >= s.writeOrdinal {
		return nil, nil
	}

	pos, err := e.posOf(s, l, l.cursor)
	if err != nil {
		return nil, e.handleWalkError(s, err)
	}

	var out []record.Record
	firstPos := pos
	for len(out) < max && l.cursor+uint64(len(out)) < s.writeOrdinal {
		rec, state := record.Decode(e.pool.Payload(pos.Sector), e.pool.Kind(pos.Sector), pos.Slot)
		if state != record.StateValid {
			e.logger.Warn("bulk read hit a non-valid slot, stopping early",
				zap.String("sensor", s.id),
				zap.String("state", state.String()),
			)
			break
		}
		out = append(out, rec)

		next, err := e.chains.Walk(pos, 1)
		if err != nil {
			if errors.Is(err, chain.ErrEndOfChain) {
				break
			}
			e.extendLease(s, l, firstPos, len(out))
			return out, e.handleWalkError(s, err)
		}
		pos = next
	}

	e.extendLease(s, l, firstPos, len(out))
	return out, nil
}

// extendLease accounts delivered RAM records into the lease. The lease
// start is latched only on the 0 -> N transition; redelivery after a
// rollback advances the cursor without inflating the pending baseline.
func (e *Engine) extendLease(s *sensorState, l *lease, firstPos chain.Pos, delivered int) {
	if delivered == 0 {
		return
	}
	if l.pending == 0 {
		l.startOrdinal = l.cursor
		l.startPos = firstPos
	}
	l.cursor += uint64(delivered)
	if span := l.cursor - l.startOrdinal; span > l.pending {
		l.pending = span
	}
}

// readDisk delivers new records from the consumer's spill segment and
// extends the disk side of the lease.
func (e *Engine) readDisk(ctx context.Context, s *sensorState, l *lease, max int) ([]record.Record, error) {
	_ = ctx
	recs, err := e.store.Read(s.id, l.consumer, l.diskCursor, max)
	if len(recs) > 0 {
		if l.diskPending == 0 {
			l.diskStart = l.diskCursor
		}
		l.diskCursor += uint64(len(recs))
		if span := l.diskCursor - l.diskStart; span > l.diskPending {
			l.diskPending = span
		}
	}
	if err != nil {
		metrics.SpillErrors.WithLabelValues(s.id).Inc()
		e.logger.Warn("spill read failed",
			zap.Error(err),
			zap.String("sensor", s.id),
			zap.String("consumer", l.consumer),
		)
	}
	return recs, err
}

func (e *Engine) updatePendingGauge(s *sensorState, l *lease) {
	metrics.PendingRecords.WithLabelValues(s.id, l.consumer).Set(float64(l.pendingCount()))
}

// handleWalkError isolates the offending sector on corruption and
// passes every other error through.
func (e *Engine) handleWalkError(s *sensorState, err error) error {
	var ce *chain.CorruptError
	if errors.As(err, &ce) {
		e.isolate(s, ce.Sector)
		return err
	}
	return err
}

// sensor returns the control block, creating it on first use.
func (e *Engine) sensor(id string) *sensorState {
	e.mu.RLock()
	s, ok := e.sensors[id]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sensors[id]; ok {
		return s
	}
	s = newSensorState(id)
	e.sensors[id] = s
	return s
}

// Close releases the spill tier. Pool memory is owned by the process.
func (e *Engine) Close() error {
	return e.store.Close()
}
