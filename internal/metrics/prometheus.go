package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gatewaylabs/telembuf/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Write path
	RecordsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telembuf_records_written_total",
		Help: "Records accepted by the write engine",
	}, []string{"sensor", "tier"})

	WriteDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telembuf_write_drops_total",
		Help: "Writes rejected with out-of-memory",
	}, []string{"sensor"})

	// Pool
	SectorsUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telembuf_sectors_used",
		Help: "Sectors currently allocated from the pool",
	})

	SectorsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telembuf_sectors_total",
		Help: "Pool capacity in sectors",
	})

	PoolUsageRatio = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telembuf_pool_usage_ratio",
		Help: "Used fraction of the sector pool",
	})

	ChainLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telembuf_chain_sectors",
		Help: "Sectors in each sensor's chain, counted by walking",
	}, []string{"sensor"})

	// Read / acknowledge path
	RecordsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telembuf_records_delivered_total",
		Help: "Records handed to consumers by bulk reads",
	}, []string{"sensor", "consumer", "tier"})

	PendingRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "telembuf_pending_records",
		Help: "Delivered but unacknowledged records per consumer lease",
	}, []string{"sensor", "consumer"})

	CommitOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telembuf_commit_ops_total",
		Help: "Commit operations",
	}, []string{"sensor", "consumer"})

	RollbackOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telembuf_rollback_ops_total",
		Help: "Rollback operations",
	}, []string{"sensor", "consumer"})

	InvalidLeases = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telembuf_invalid_lease_total",
		Help: "Commits or rollbacks that arrived with no active lease",
	}, []string{"sensor", "consumer"})

	// Faults
	CorruptSectors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telembuf_corrupt_sectors_total",
		Help: "Sectors isolated after a decode invariant violation",
	})

	// Spill tier
	SpillWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telembuf_spill_writes_total",
		Help: "Records diverted to secondary storage",
	}, []string{"sensor"})

	SpillErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telembuf_spill_errors_total",
		Help: "Secondary-storage I/O failures",
	}, []string{"sensor"})

	SegmentsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telembuf_segments_archived_total",
		Help: "Spill segments uploaded to the archive before deletion",
	})

	ReadLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telembuf_read_latency_seconds",
		Help:    "Bulk read latency by serving tier",
		Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"sensor", "tier"})
)

// RunServer serves the Prometheus endpoint until ctx is canceled.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
