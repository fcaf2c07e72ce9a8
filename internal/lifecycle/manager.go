package lifecycle

import (
	"context"
	"time"

	"github.com/gatewaylabs/telembuf/internal/engine"
	"go.uber.org/zap"
)

// Sweeper retries deferred spill-segment maintenance: segments whose
// archive upload failed at commit time are re-attempted here.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// Manager runs periodic background maintenance: stats refresh for the
// diagnostics gauges and spill segment sweeping.
type Manager struct {
	eng     *engine.Engine
	sweeper Sweeper
	logger  *zap.Logger
}

// NewManager creates a new lifecycle manager. sweeper may be nil when
// the secondary-storage tier is disabled.
func NewManager(eng *engine.Engine, sweeper Sweeper, logger *zap.Logger) *Manager {
	return &Manager{
		eng:     eng,
		sweeper: sweeper,
		logger:  logger,
	}
}

// Run starts the periodic maintenance loop.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

func (m *Manager) cycle(ctx context.Context) {
	// Stats walks every chain and refreshes the prometheus gauges as a
	// side effect.
	stats := m.eng.Stats()
	m.logger.Debug("maintenance cycle",
		zap.Int("sectors_used", stats.SectorsUsed),
		zap.Int("sensors", len(stats.Sensors)),
	)

	if m.sweeper != nil {
		if err := m.sweeper.Sweep(ctx); err != nil {
			m.logger.Error("segment sweep error", zap.Error(err))
		}
	}
}
