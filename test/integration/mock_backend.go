package integration

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// MockVendor is a configurable HTTP test server that simulates the vendor
// cloud: the tenant-scoped process instance API and the identity endpoints.
// It allows configuring per-operation responses and records all received
// requests for later assertion.
type MockVendor struct {
	t      *testing.T
	server *httptest.Server
	prefix string
	idp    *identityProvider

	mu           sync.RWMutex
	operations   map[string]*operationConfig
	receivedByOp map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock vendor.
type RecordedRequest struct {
	Method      string
	Path        string
	QueryParams map[string]string
	Headers     http.Header
	Body        map[string]any
	RawBody     []byte
	ReceivedAt  time.Time
}

// operationConfig holds the configured responses for a single operation.
type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status      int
	body        any
	raw         []byte
	contentType string
	delay       time.Duration
	connError   bool
	fn          func(*RecordedRequest) (int, any)
}

// OperationMock is a builder for configuring mock responses for a specific operation.
type OperationMock struct {
	vendor *MockVendor
	opID   string
}

// operationRoute maps an operation ID to its HTTP method and path pattern.
type operationRoute struct {
	method      string
	pathPattern string
}

// MaestroRoutes returns the routes of the embedded vendor document,
// relative to the tenant root.
func MaestroRoutes() map[string]operationRoute {
	return map[string]operationRoute{
		"listProcesses":        {method: "GET", pathPattern: "/pims_/api/v1/processes/summary"},
		"listInstances":        {method: "GET", pathPattern: "/pims_/api/v1/instances"},
		"getInstanceVariables": {method: "GET", pathPattern: "/pims_/api/v1/instances/{instanceId}/variables"},
		"getInstanceBpmn":      {method: "GET", pathPattern: "/pims_/api/v1/instances/{instanceId}/bpmn"},
		"getExecutionHistory":  {method: "GET", pathPattern: "/pims_/api/v1/spans/{instanceId}"},
		"cancelInstance":       {method: "POST", pathPattern: "/pims_/api/v1/instances/{instanceId}/cancel"},
		"getEntityRecords":     {method: "GET", pathPattern: "/datafabric_/api/EntityService/entity/{entityId}/read"},
	}
}

// newMockVendor starts the mock vendor. API routes are served under
// /{org}/{tenant}; identity routes at the root.
func newMockVendor(t *testing.T, org, tenant string, idp *identityProvider) *MockVendor {
	t.Helper()

	mv := &MockVendor{
		t:            t,
		prefix:       "/" + org + "/" + tenant,
		idp:          idp,
		operations:   make(map[string]*operationConfig),
		receivedByOp: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	for opID, route := range MaestroRoutes() {
		mux.HandleFunc(route.method+" "+mv.prefix+route.pathPattern, mv.handleOperation(opID))
	}
	mux.HandleFunc("POST /identity_/connect/token", mv.handleToken)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{
			"message": fmt.Sprintf("mock: no operation registered for %s %s", r.Method, r.URL.Path),
		})
	})

	mv.server = httptest.NewServer(mux)
	t.Cleanup(mv.server.Close)

	return mv
}

// URL returns the base URL of the mock vendor server.
func (mv *MockVendor) URL() string {
	return mv.server.URL
}

// OnOperation returns a builder for configuring responses for the named operation.
func (mv *MockVendor) OnOperation(operationID string) *OperationMock {
	return &OperationMock{vendor: mv, opID: operationID}
}

// RespondWith configures the operation to respond with the given status and JSON body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.vendor.addResponse(om.opID, &mockResponse{status: status, body: body})
	return om
}

// RespondWithFunc configures a response computed from the received request.
func (om *OperationMock) RespondWithFunc(fn func(req *RecordedRequest) (int, any)) *OperationMock {
	om.vendor.addResponse(om.opID, &mockResponse{fn: fn})
	return om
}

// RespondWithXML configures a raw XML response.
func (om *OperationMock) RespondWithXML(status int, xml string) *OperationMock {
	om.vendor.addResponse(om.opID, &mockResponse{
		status:      status,
		raw:         []byte(xml),
		contentType: "application/xml",
	})
	return om
}

// RespondWithError configures the operation to respond with a vendor error body.
func (om *OperationMock) RespondWithError(status int, message string) *OperationMock {
	om.vendor.addResponse(om.opID, &mockResponse{
		status: status,
		body:   map[string]any{"message": message},
	})
	return om
}

// RespondWithDelay configures a delayed response to simulate a slow vendor.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.vendor.addResponse(om.opID, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError configures the operation to close the connection
// to simulate a network failure.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.vendor.addResponse(om.opID, &mockResponse{connError: true})
	return om
}

func (mv *MockVendor) addResponse(opID string, resp *mockResponse) {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	cfg, ok := mv.operations[opID]
	if !ok {
		cfg = &operationConfig{}
		mv.operations[opID] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mv *MockVendor) record(opID string, r *http.Request) *RecordedRequest {
	rec := &RecordedRequest{
		Method:      r.Method,
		Path:        r.URL.Path,
		QueryParams: make(map[string]string),
		Headers:     r.Header.Clone(),
		ReceivedAt:  time.Now(),
	}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			rec.QueryParams[key] = values[0]
		}
	}
	if r.Body != nil {
		body, _ := io.ReadAll(r.Body)
		rec.RawBody = body
		if len(body) > 0 {
			var parsed map[string]any
			if err := json.Unmarshal(body, &parsed); err == nil {
				rec.Body = parsed
			}
		}
	}

	mv.mu.Lock()
	mv.receivedByOp[opID] = append(mv.receivedByOp[opID], rec)
	mv.mu.Unlock()
	return rec
}

func (mv *MockVendor) handleOperation(opID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := mv.record(opID, r)

		resp := mv.getNextResponse(opID)
		if resp == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotImplemented)
			json.NewEncoder(w).Encode(map[string]string{"message": "mock: no response for " + opID})
			return
		}

		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				if conn != nil {
					conn.Close()
				}
			}
			return
		}

		if resp.delay > 0 {
			select {
			case <-time.After(resp.delay):
			case <-r.Context().Done():
				return
			}
		}

		status, body := resp.status, resp.body
		if resp.fn != nil {
			status, body = resp.fn(rec)
		}
		if resp.raw != nil {
			w.Header().Set("Content-Type", resp.contentType)
			w.WriteHeader(resp.status)
			w.Write(resp.raw)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			json.NewEncoder(w).Encode(body)
		}
	}
}

// handleToken is the authorization code grant of the identity provider.
// The code verifier must match the challenge the authorize request carried.
func (mv *MockVendor) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mv.record("token", r)

	writeOAuthError := func(code string) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": code})
	}

	if r.PostForm.Get("grant_type") != "authorization_code" {
		writeOAuthError("unsupported_grant_type")
		return
	}
	grant, ok := mv.idp.redeem(r.PostForm.Get("code"))
	if !ok {
		writeOAuthError("invalid_grant")
		return
	}
	sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != grant.challenge {
		writeOAuthError("invalid_grant")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  grant.accessToken,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "refresh-" + grant.accessToken,
		"id_token":      mv.idp.idToken(grant.user),
	})
}

func (mv *MockVendor) getNextResponse(opID string) *mockResponse {
	mv.mu.RLock()
	cfg, ok := mv.operations[opID]
	mv.mu.RUnlock()
	if !ok || cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}

	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the operation was called the expected number of times.
func (mv *MockVendor) AssertCalled(t *testing.T, operationID string, expectedCount int) {
	t.Helper()
	mv.mu.RLock()
	actual := len(mv.receivedByOp[operationID])
	mv.mu.RUnlock()
	if actual != expectedCount {
		t.Errorf("mock vendor: operation %q called %d times, want %d", operationID, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the operation was never called.
func (mv *MockVendor) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	mv.AssertCalled(t, operationID, 0)
}

// CallCount returns how often the operation was called.
func (mv *MockVendor) CallCount(operationID string) int {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	return len(mv.receivedByOp[operationID])
}

// LastRequest returns the last request received for the given operation.
// Returns nil if no requests were recorded.
func (mv *MockVendor) LastRequest(operationID string) *RecordedRequest {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	reqs := mv.receivedByOp[operationID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns all requests received for the given operation.
func (mv *MockVendor) AllRequests(operationID string) []*RecordedRequest {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	reqs := mv.receivedByOp[operationID]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// ResetOperation clears recorded requests and configured responses for one operation.
func (mv *MockVendor) ResetOperation(operationID string) {
	mv.mu.Lock()
	defer mv.mu.Unlock()
	delete(mv.operations, operationID)
	delete(mv.receivedByOp, operationID)
}
