package engine

import (
	"sort"

	"github.com/gatewaylabs/telembuf/internal/metrics"
	"go.uber.org/zap"
)

// ConsumerStats is the diagnostics view of one lease. A pending count
// that only ever grows flags an upload layer that stopped calling
// commit or rollback, not a storage fault.
type ConsumerStats struct {
	Consumer    string `json:"consumer"`
	Pending     uint64 `json:"pending"`
	DiskBacklog uint64 `json:"disk_backlog"`
	Available   uint64 `json:"available"`
}

type SensorStats struct {
	ID           string          `json:"id"`
	ChainSectors int             `json:"chain_sectors"`
	TotalRecords uint64          `json:"total_records"`
	DiskWrites   uint64          `json:"disk_writes"`
	DiskOpen     bool            `json:"disk_open"`
	Consumers    []ConsumerStats `json:"consumers"`
}

type UsageStats struct {
	SectorsUsed  int           `json:"sectors_used"`
	SectorsTotal int           `json:"sectors_total"`
	Sensors      []SensorStats `json:"sensors"`
}

// AvailableCount returns how many records the consumer could receive
// from its next bulk read: undelivered RAM records plus its own disk
// backlog. It derives only from the sensor's global count and the
// consumer's own lease; a consumer with no RAM chain and no disk
// backlog gets 0, never a stale global figure.
func (e *Engine) AvailableCount(sensorID, consumer string) uint64 {
	e.mu.RLock()
	s, ok := e.sensors[sensorID]
	e.mu.RUnlock()
	if !ok {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[consumer]
	if !ok {
		// An unregistered consumer would start at the oldest live
		// record and has no spill segment yet.
		return s.writeOrdinal - s.eraseOrdinal
	}
	return (s.writeOrdinal - l.cursor) + (l.diskCount - l.diskCursor)
}

// Stats reports pool usage and per-sensor accounting. Chain lengths
// are counted by walking; sector IDs are reused, so index arithmetic
// would lie. Sensors are locked one at a time.
func (e *Engine) Stats() UsageStats {
	used, total := e.pool.Stats()
	metrics.SectorsUsed.Set(float64(used))

	e.mu.RLock()
	ids := make([]string, 0, len(e.sensors))
	for id := range e.sensors {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)

	stats := UsageStats{
		SectorsUsed:  used,
		SectorsTotal: total,
		Sensors:      make([]SensorStats, 0, len(ids)),
	}

	for _, id := range ids {
		e.mu.RLock()
		s := e.sensors[id]
		e.mu.RUnlock()

		s.mu.Lock()
		n, err := e.chains.Count(s.head)
		if err != nil {
			e.logger.Warn("chain count failed", zap.Error(err), zap.String("sensor", id))
		}
		ss := SensorStats{
			ID:           id,
			ChainSectors: n,
			TotalRecords: s.writeOrdinal - s.eraseOrdinal,
			DiskWrites:   s.diskWrites,
			DiskOpen:     s.diskOpen,
		}
		for _, l := range s.leases {
			ss.Consumers = append(ss.Consumers, ConsumerStats{
				Consumer:    l.consumer,
				Pending:     l.pendingCount(),
				DiskBacklog: l.diskCount - l.diskCursor,
				Available:   (s.writeOrdinal - l.cursor) + (l.diskCount - l.diskCursor),
			})
		}
		s.mu.Unlock()

		sort.Slice(ss.Consumers, func(i, j int) bool {
			return ss.Consumers[i].Consumer < ss.Consumers[j].Consumer
		})
		metrics.ChainLength.WithLabelValues(id).Set(float64(ss.ChainSectors))
		stats.Sensors = append(stats.Sensors, ss)
	}
	return stats
}
