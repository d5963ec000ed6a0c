package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rl0ve/uipath-process-app-training/internal/config"
	"github.com/rl0ve/uipath-process-app-training/internal/observability"
	"github.com/rl0ve/uipath-process-app-training/model"
)

type errorBody struct {
	Error model.ErrorEnvelope `json:"error"`
}

// ==========================================================================
// Partial failure
// ==========================================================================

func TestResilience_DetailSurvivesFailedSubFetches(t *testing.T) {
	h := NewTestHarness(t)
	h.Vendor.ResetOperation("getInstanceVariables")
	h.Vendor.OnOperation("getInstanceVariables").RespondWithError(http.StatusInternalServerError, "variables unavailable")
	h.Vendor.ResetOperation("getExecutionHistory")
	h.Vendor.OnOperation("getExecutionHistory").RespondWithConnectionError()

	c := h.Login(Operator())
	resp := c.GET("/api/instances")
	resp.Body.Close()

	var d model.InstanceDetail
	h.AssertJSON(t, c.GET("/api/instances/i-1/detail"), http.StatusOK, &d)
	if d.Error != "" {
		t.Errorf("error = %q, want none", d.Error)
	}
	if d.Requestor != "ada@acme.example.com" {
		t.Errorf("requestor = %q", d.Requestor)
	}
	if len(d.Variables) != 0 || d.TaskLink != "" {
		t.Errorf("failed parts not empty: variables = %v, task link = %q", d.Variables, d.TaskLink)
	}
}

func TestResilience_DetailTimeout(t *testing.T) {
	h := NewTestHarness(t, WithDetailTimeout(200*time.Millisecond))
	h.Vendor.ResetOperation("getInstanceVariables")
	h.Vendor.OnOperation("getInstanceVariables").RespondWithDelay(3*time.Second, http.StatusOK, map[string]any{})

	c := h.Login(Operator())
	resp := c.GET("/api/instances")
	resp.Body.Close()

	start := time.Now()
	var d model.InstanceDetail
	h.AssertJSON(t, c.GET("/api/instances/i-1/detail"), http.StatusOK, &d)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("detail took %v despite the timeout", elapsed)
	}
	if d.Requestor == "" || len(d.Variables) != 0 {
		t.Errorf("detail = %+v", d)
	}
}

// ==========================================================================
// Listing errors
// ==========================================================================

func TestResilience_ListingRateLimited(t *testing.T) {
	h := NewTestHarness(t)
	h.Vendor.ResetOperation("listInstances")
	h.Vendor.OnOperation("listInstances").RespondWithError(http.StatusTooManyRequests, "slow down")

	c := h.Login(Operator())

	var env errorBody
	h.AssertJSON(t, c.GET("/api/instances"), http.StatusTooManyRequests, &env)
	if env.Error.Code != model.ErrRateLimited {
		t.Errorf("code = %q", env.Error.Code)
	}
}

func TestResilience_ListingRecoversOnRefresh(t *testing.T) {
	h := NewTestHarness(t)
	h.Vendor.ResetOperation("listInstances")
	h.Vendor.OnOperation("listInstances").
		RespondWithError(http.StatusBadGateway, "upstream").
		RespondWith(http.StatusOK, InstancePageFixture(nil, InstanceFixture("i-1", "Invoice.Approval", "Faulted")))

	c := h.Login(Operator())

	resp := c.GET("/api/instances")
	h.AssertStatus(t, resp, http.StatusBadGateway)
	resp.Body.Close()

	resp = c.POST("/api/refresh", nil)
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

// ==========================================================================
// Circuit breaker
// ==========================================================================

func TestResilience_CircuitBreakerTripsOnConsecutiveFailures(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}))
	h.Vendor.ResetOperation("listInstances")
	h.Vendor.OnOperation("listInstances").RespondWithError(http.StatusInternalServerError, "boom")

	c := h.Login(Operator())
	for range 3 {
		resp := c.POST("/api/instances/filter", map[string]string{"process": "all"})
		resp.Body.Close()
	}
	callsBefore := h.Vendor.CallCount("listInstances")

	var env errorBody
	h.AssertJSON(t, c.POST("/api/instances/filter", map[string]string{"process": "all"}), http.StatusBadGateway, &env)
	if env.Error.Code != model.ErrBackendUnavailable {
		t.Errorf("code = %q", env.Error.Code)
	}
	if callsAfter := h.Vendor.CallCount("listInstances"); callsAfter != callsBefore {
		t.Errorf("vendor received %d calls after the circuit opened, want 0", callsAfter-callsBefore)
	}

	body := string(h.ReadBody(h.Anonymous().GET("/metrics")))
	if !strings.Contains(body, `maestro_backend_circuit_breaker_state{service_id="maestro"} 2`) {
		t.Error("open circuit breaker not reported in metrics")
	}

	var ready observability.ReadinessResponse
	h.AssertJSON(t, h.Anonymous().GET("/ui/ready"), http.StatusOK, &ready)
	if ready.Status != "degraded" || ready.Checks["vendor_breaker"].Detail != "open" {
		t.Errorf("readiness = %+v", ready)
	}
}

func TestResilience_CircuitBreakerRecoveryAfterCooldown(t *testing.T) {
	h := NewTestHarness(t, WithCircuitBreaker(config.CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          500 * time.Millisecond,
	}))
	h.Vendor.ResetOperation("listInstances")
	h.Vendor.OnOperation("listInstances").RespondWithError(http.StatusInternalServerError, "boom")

	c := h.Login(Operator())
	for range 2 {
		resp := c.POST("/api/instances/filter", map[string]string{"process": "all"})
		resp.Body.Close()
	}

	time.Sleep(700 * time.Millisecond)
	h.Vendor.ResetOperation("listInstances")
	h.Vendor.OnOperation("listInstances").RespondWith(http.StatusOK,
		InstancePageFixture(nil, InstanceFixture("i-1", "Invoice.Approval", "Faulted")))

	resp := c.POST("/api/instances/filter", map[string]string{"process": "all"})
	h.AssertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	h.Vendor.AssertCalled(t, "listInstances", 1)
}

// ==========================================================================
// Selection ordering
// ==========================================================================

func TestResilience_LatestSelectionWins(t *testing.T) {
	h := NewTestHarness(t)
	h.Vendor.ResetOperation("getInstanceVariables")
	h.Vendor.OnOperation("getInstanceVariables").RespondWithFunc(func(req *RecordedRequest) (int, any) {
		if strings.Contains(req.Path, "/i-1/") {
			time.Sleep(500 * time.Millisecond)
		}
		return http.StatusOK, map[string]any{"elements": []any{}, "globalVariables": []any{}}
	})

	c := h.Login(Operator())
	resp := c.GET("/api/instances")
	resp.Body.Close()

	for _, id := range []string{"i-1", "i-2"} {
		resp := c.POST("/api/instances/"+id+"/select", nil)
		h.AssertStatus(t, resp, http.StatusAccepted)
		resp.Body.Close()
	}

	var d model.InstanceDetail
	h.AssertJSON(t, c.GET("/api/detail?wait=1"), http.StatusOK, &d)
	if d.InstanceID != "i-2" {
		t.Fatalf("detail for %q, want i-2", d.InstanceID)
	}

	time.Sleep(700 * time.Millisecond)
	h.AssertJSON(t, c.GET("/api/detail"), http.StatusOK, &d)
	if d.InstanceID != "i-2" || d.Loading {
		t.Errorf("superseded selection published: %+v", d)
	}
}
