package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

var startedAt = time.Now()

// Probe statuses.
const (
	ProbeOK       = "ok"
	ProbeDegraded = "degraded"
	ProbeFailed   = "error"
)

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Commit        string `json:"commit"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ReadinessResponse is the body of /ready.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]ProbeResult `json:"checks"`
}

// ProbeResult is the outcome of one readiness probe.
type ProbeResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks lists what the monitor needs before it takes traffic.
type ReadinessChecks struct {
	// OpenAPILoaded reports whether the vendor API document is indexed.
	OpenAPILoaded func() bool
	// VendorBreaker returns the vendor circuit breaker state. An open
	// breaker degrades readiness but does not fail it: every replica
	// shares the same vendor.
	VendorBreaker func() string

	SessionStore     HealthChecker
	IdempotencyStore HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth serves the liveness probe.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, HealthResponse{
			Status:        ProbeOK,
			Version:       Version,
			Commit:        Commit,
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		})
	}
}

// HandleReady serves the readiness probe. Store probes run concurrently,
// each bounded by its own timeout.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := ReadinessResponse{Status: "ready", Checks: map[string]ProbeResult{
			"openapi_index": indexProbe(checks.OpenAPILoaded),
		}}
		if checks.VendorBreaker != nil {
			resp.Checks["vendor_breaker"] = breakerProbe(checks.VendorBreaker())
		}

		stores := []struct {
			name    string
			checker HealthChecker
		}{
			{"session_store", checks.SessionStore},
			{"idempotency_store", checks.IdempotencyStore},
		}
		results := make([]ProbeResult, len(stores))
		var g errgroup.Group
		for i, s := range stores {
			if s.checker == nil {
				continue
			}
			g.Go(func() error {
				results[i] = runCheck(r.Context(), s.checker)
				return nil
			})
		}
		_ = g.Wait()
		for i, s := range stores {
			if s.checker != nil {
				resp.Checks[s.name] = results[i]
			}
		}

		code := http.StatusOK
		for _, res := range resp.Checks {
			switch res.Status {
			case ProbeFailed:
				resp.Status = "not_ready"
				code = http.StatusServiceUnavailable
			case ProbeDegraded:
				if resp.Status == "ready" {
					resp.Status = "degraded"
				}
			}
		}
		writeProbe(w, code, resp)
	}
}

func indexProbe(loaded func() bool) ProbeResult {
	if loaded == nil || !loaded() {
		return ProbeResult{Status: ProbeFailed, Detail: "vendor API document not indexed"}
	}
	return ProbeResult{Status: ProbeOK}
}

func breakerProbe(state string) ProbeResult {
	if state == "closed" {
		return ProbeResult{Status: ProbeOK, Detail: state}
	}
	return ProbeResult{Status: ProbeDegraded, Detail: state}
}

func runCheck(parent context.Context, checker HealthChecker) ProbeResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	res := ProbeResult{Status: ProbeOK, LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = ProbeFailed
		res.Detail = err.Error()
	}
	return res
}

func writeProbe(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
