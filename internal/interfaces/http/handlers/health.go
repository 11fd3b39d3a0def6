package handlers

import (
	"context"
	"net/http"
	"runtime"
	"sort"
	"time"
)

// healthCheckTimeout bounds each dependency probe.
const healthCheckTimeout = 2 * time.Second

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"` // "healthy", "degraded"
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version"`
	System    SystemInfo             `json:"system"`
	Pipeline  PipelineInfo           `json:"pipeline"`
	Checks    map[string]CheckResult `json:"checks"`
}

// SystemInfo provides system-level information
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	MemAlloc      uint64 `json:"mem_alloc_bytes"`
}

// PipelineInfo summarises in-memory state.
type PipelineInfo struct {
	Markets          int `json:"markets"`
	CorrelationPairs int `json:"correlation_pairs"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status   string `json:"status"` // "pass", "fail"
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration"`
}

// Health handles GET /health. A failing optional dependency degrades the
// service but still answers 200; the pipeline itself is in-process.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC(),
		Uptime:    h.now().Sub(h.startTime).Round(time.Second).String(),
		Version:   h.deps.Version,
		System: SystemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			MemAlloc:      mem.Alloc,
		},
		Pipeline: PipelineInfo{
			Markets:          len(h.deps.Pipeline.AllStats()),
			CorrelationPairs: h.deps.Pipeline.Matrix().Len(),
		},
		Checks: make(map[string]CheckResult, len(h.deps.Checks)),
	}

	names := make([]string, 0, len(h.deps.Checks))
	for name := range h.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		result := runCheck(r.Context(), h.deps.Checks[name])
		if result.Status != "pass" {
			resp.Status = "degraded"
		}
		resp.Checks[name] = result
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.writeJSON(w, http.StatusOK, resp)
}

func runCheck(ctx context.Context, check HealthCheck) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	result := CheckResult{Status: "pass", Duration: time.Since(start).String()}
	if err != nil {
		result.Status = "fail"
		result.Message = err.Error()
	}
	return result
}
