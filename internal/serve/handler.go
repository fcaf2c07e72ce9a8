package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gatewaylabs/telembuf/internal/config"
	"github.com/gatewaylabs/telembuf/internal/engine"
	"github.com/gatewaylabs/telembuf/internal/record"
	"go.uber.org/zap"
)

type handler struct {
	eng     *engine.Engine
	sensors []config.SensorConfig
	logger  *zap.Logger
}

// RunHTTP starts the local diagnostics and ingestion API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, eng *engine.Engine, sensors []config.SensorConfig, logger *zap.Logger) error {
	h := &handler{
		eng:     eng,
		sensors: sensors,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/sensors", h.handleSensors)
	mux.HandleFunc("GET /v1/sensors/{sensor}/stats", h.handleSensorStats)
	mux.HandleFunc("GET /v1/sensors/{sensor}/consumers/{consumer}/available", h.handleAvailable)
	mux.HandleFunc("POST /v1/sensors/{sensor}/records", h.handleWrite)
	mux.HandleFunc("POST /v1/sensors/{sensor}/consumers/{consumer}/read", h.handleRead)
	mux.HandleFunc("POST /v1/sensors/{sensor}/consumers/{consumer}/commit", h.handleCommit)
	mux.HandleFunc("POST /v1/sensors/{sensor}/consumers/{consumer}/rollback", h.handleRollback)

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := h.eng.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"sectors_used":  stats.SectorsUsed,
		"sectors_total": stats.SectorsTotal,
		"sensors":       len(stats.Sensors),
	})
}

func (h *handler) handleSensors(w http.ResponseWriter, r *http.Request) {
	declared := make(map[string]config.SensorConfig, len(h.sensors))
	for _, sc := range h.sensors {
		declared[sc.ID] = sc
	}

	stats := h.eng.Stats()
	result := make([]map[string]interface{}, 0, len(stats.Sensors))
	for _, ss := range stats.Sensors {
		entry := map[string]interface{}{
			"id":            ss.ID,
			"chain_sectors": ss.ChainSectors,
			"total_records": ss.TotalRecords,
			"disk_open":     ss.DiskOpen,
			"consumers":     len(ss.Consumers),
		}
		if sc, ok := declared[ss.ID]; ok && sc.Name != "" {
			entry["name"] = sc.Name
		}
		result = append(result, entry)
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handleSensorStats(w http.ResponseWriter, r *http.Request) {
	sensor := r.PathValue("sensor")
	stats := h.eng.Stats()
	for _, ss := range stats.Sensors {
		if ss.ID == sensor {
			writeJSON(w, http.StatusOK, ss)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "sensor not found"})
}

func (h *handler) handleAvailable(w http.ResponseWriter, r *http.Request) {
	sensor := r.PathValue("sensor")
	consumer := r.PathValue("consumer")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sensor":    sensor,
		"consumer":  consumer,
		"available": h.eng.AvailableCount(sensor, consumer),
	})
}

type writeRequest struct {
	Value     float64 `json:"value"`
	Timestamp *int64  `json:"timestamp,omitempty"` // unix nanoseconds; marks an event record
}

func (h *handler) handleWrite(w http.ResponseWriter, r *http.Request) {
	sensor := r.PathValue("sensor")

	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	var err error
	if req.Timestamp != nil {
		err = h.eng.WriteEvent(r.Context(), sensor, req.Value, time.Unix(0, *req.Timestamp))
	} else {
		err = h.eng.Write(r.Context(), sensor, req.Value)
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, engine.ErrOutOfMemory) {
			status = http.StatusInsufficientStorage
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "written"})
}

func (h *handler) handleRead(w http.ResponseWriter, r *http.Request) {
	sensor := r.PathValue("sensor")
	consumer := r.PathValue("consumer")

	max := 100
	if s := r.URL.Query().Get("max"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid max"})
			return
		}
		max = n
	}

	recs, err := h.eng.ReadBulk(r.Context(), sensor, consumer, max)
	if err != nil && len(recs) == 0 {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	result := make([]map[string]interface{}, 0, len(recs))
	for _, rec := range recs {
		entry := map[string]interface{}{
			"value":     rec.Value,
			"timestamp": rec.Timestamp.UnixNano(),
		}
		if rec.Kind == record.KindEvent {
			entry["kind"] = "event"
		} else {
			entry["kind"] = "timeseries"
		}
		result = append(result, entry)
	}

	resp := map[string]interface{}{"records": result, "count": len(result)}
	if err != nil {
		// Partial delivery across a corrupt sector; the survivors are
		// still handed out.
		resp["truncated"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleCommit(w http.ResponseWriter, r *http.Request) {
	sensor := r.PathValue("sensor")
	consumer := r.PathValue("consumer")
	if err := h.eng.CommitPending(r.Context(), sensor, consumer); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

func (h *handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	sensor := r.PathValue("sensor")
	consumer := r.PathValue("consumer")
	if err := h.eng.RollbackPending(r.Context(), sensor, consumer); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolled back"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
