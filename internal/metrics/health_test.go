package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gatewaylabs/telembuf/internal/config"
)

type fakePinger struct {
	err error
}

func (p *fakePinger) Ping() error { return p.err }

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker(nil)
	status := checker.Liveness()
	if !status.OK {
		t.Fatal("liveness should always return OK=true")
	}
}

func TestHealthChecker_Readiness_AllOK(t *testing.T) {
	checker := NewHealthChecker(map[string]Pinger{
		"meta": &fakePinger{},
		"s3":   &fakePinger{},
	})

	status := checker.Readiness()
	if !status.OK {
		t.Fatalf("expected readiness OK=true, got checks: %+v", status.Checks)
	}

	found := map[string]bool{}
	for _, c := range status.Checks {
		found[c.Name] = true
		if c.Status != "ok" {
			t.Fatalf("expected %s ok, got %s", c.Name, c.Status)
		}
	}
	if !found["meta"] || !found["s3"] {
		t.Errorf("missing checks: %v", found)
	}
}

func TestHealthChecker_Readiness_ProbeError(t *testing.T) {
	checker := NewHealthChecker(map[string]Pinger{
		"meta": &fakePinger{err: fmt.Errorf("database not open")},
	})

	status := checker.Readiness()
	if status.OK {
		t.Fatal("expected readiness OK=false when a probe fails")
	}
	for _, c := range status.Checks {
		if c.Name == "meta" {
			if c.Status != "error" {
				t.Fatalf("expected meta error, got %s", c.Status)
			}
			if c.Error == "" {
				t.Fatal("expected error message for meta check")
			}
		}
	}
}

func TestHealthChecker_Readiness_NoProbes(t *testing.T) {
	checker := NewHealthChecker(map[string]Pinger{"meta": nil})
	// Nil probes are skipped, not failed.
	status := checker.Readiness()
	if !status.OK {
		t.Fatal("expected readiness OK=true with only nil probes")
	}
	if len(status.Checks) != 0 {
		t.Errorf("nil probe produced a check: %+v", status.Checks)
	}
}

func TestHealthServer_Endpoints(t *testing.T) {
	checker := NewHealthChecker(map[string]Pinger{"meta": &fakePinger{}})

	cfg := config.HealthConfig{
		LivenessPath:  "/healthz",
		ReadinessPath: "/readyz",
	}

	// Build the same mux that RunHealthServer would build
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.LivenessPath, func(w http.ResponseWriter, r *http.Request) {
		status := checker.Liveness()
		code := http.StatusOK
		if !status.OK {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	})
	mux.HandleFunc(cfg.ReadinessPath, func(w http.ResponseWriter, r *http.Request) {
		status := checker.Readiness()
		code := http.StatusOK
		if !status.OK {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(status)
	})

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("liveness: expected 200, got %d", w.Code)
	}
	var liveResp HealthStatus
	json.Unmarshal(w.Body.Bytes(), &liveResp)
	if !liveResp.OK {
		t.Fatal("liveness response should have OK=true")
	}

	req = httptest.NewRequest("GET", "/readyz", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("readiness: expected 200, got %d", w.Code)
	}
	var readyResp HealthStatus
	json.Unmarshal(w.Body.Bytes(), &readyResp)
	if !readyResp.OK {
		t.Fatalf("readiness response should have OK=true, checks: %+v", readyResp.Checks)
	}
}
