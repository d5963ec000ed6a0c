// Package integration drives the monitor end to end: the real router,
// session handling and vendor client against a mock vendor cloud.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/rl0ve/uipath-process-app-training/internal/auth"
	"github.com/rl0ve/uipath-process-app-training/internal/config"
	"github.com/rl0ve/uipath-process-app-training/internal/dashboard"
	"github.com/rl0ve/uipath-process-app-training/internal/detail"
	"github.com/rl0ve/uipath-process-app-training/internal/invoker"
	"github.com/rl0ve/uipath-process-app-training/internal/maestro"
	"github.com/rl0ve/uipath-process-app-training/internal/observability"
	"github.com/rl0ve/uipath-process-app-training/internal/openapi"
	"github.com/rl0ve/uipath-process-app-training/internal/session"
	"github.com/rl0ve/uipath-process-app-training/internal/transport"
)

const (
	testOrg      = "acme"
	testTenant   = "default"
	testClientID = "monitor-test"
	testEntityID = "entity-42"
)

// TestHarness runs the monitor wired as in production against a mock vendor.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	Vendor     *MockVendor
	Config     *config.Config
	Workspaces *session.Workspaces
	Sessions   *session.MemoryStore
	Registry   *prometheus.Registry

	idp *identityProvider
}

type harnessConfig struct {
	entityID       string
	pageSize       int
	detailTimeout  time.Duration
	handlerTimeout time.Duration
	breaker        config.CircuitBreakerConfig
	idempotency    bool
	noFixtures     bool
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

// WithAttachments configures the attachment entity.
func WithAttachments() HarnessOption {
	return func(hc *harnessConfig) { hc.entityID = testEntityID }
}

// WithCircuitBreaker overrides the vendor circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(hc *harnessConfig) { hc.breaker = cb }
}

// WithDetailTimeout bounds detail resolution.
func WithDetailTimeout(d time.Duration) HarnessOption {
	return func(hc *harnessConfig) { hc.detailTimeout = d }
}

// WithIdempotency enables idempotency keys on cancel.
func WithIdempotency() HarnessOption {
	return func(hc *harnessConfig) { hc.idempotency = true }
}

// WithoutFixtures leaves every vendor operation unconfigured.
func WithoutFixtures() HarnessOption {
	return func(hc *harnessConfig) { hc.noFixtures = true }
}

// NewTestHarness builds the full dependency graph and starts the server.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		pageSize:       2,
		detailTimeout:  5 * time.Second,
		handlerTimeout: 10 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}
	logger := zaptest.NewLogger(t)

	// Step 1: Start the identity provider and the mock vendor.
	h.idp = newIdentityProvider(t, testClientID)
	h.Vendor = newMockVendor(t, testOrg, testTenant, h.idp)
	if !hc.noFixtures {
		h.installFixtures()
	}

	// Step 2: Start the server early; the redirect URI needs its address.
	var handler http.Handler = http.NotFoundHandler()
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(h.server.Close)

	// Step 3: Build config.
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Vendor.BaseURL = h.Vendor.URL()
	cfg.Vendor.OrgName = testOrg
	cfg.Vendor.TenantName = testTenant
	cfg.Vendor.ClientID = testClientID
	cfg.Vendor.RedirectURI = h.server.URL + "/auth/callback"
	cfg.Vendor.EntityID = hc.entityID
	cfg.Services = map[string]config.ServiceConfig{
		config.MaestroServiceID: {Timeout: 5 * time.Second, CircuitBreaker: hc.breaker},
	}
	cfg.Session.CookieSecure = false
	cfg.Session.TTL = time.Hour
	cfg.Idempotency.Enabled = hc.idempotency
	cfg.Dashboard.PageSize = hc.pageSize
	cfg.Dashboard.DetailTimeout = hc.detailTimeout
	h.Config = cfg

	// Step 4: Index the embedded vendor document against the mock vendor.
	h.Registry = prometheus.NewRegistry()
	metrics := observability.InitMetrics(h.Registry)

	oaIndex := openapi.NewIndex()
	if err := maestro.LoadSpec(oaIndex, cfg.Service(config.MaestroServiceID).BaseURL); err != nil {
		t.Fatalf("load vendor spec: %v", err)
	}

	// Step 5: Build the vendor client chain.
	services := map[string]config.ServiceConfig{maestro.ServiceID: cfg.Service(config.MaestroServiceID)}
	oaInvoker := invoker.NewOpenAPIOperationInvoker(oaIndex, services, metrics, logger)
	invokerReg := invoker.NewRegistry(oaInvoker)
	client := maestro.NewClient(invokerReg)
	instances := maestro.NewCachingInstances(client, cfg.Dashboard.BPMNCache.MaxEntries, cfg.Dashboard.BPMNCache.TTL, metrics, logger)
	resolver := detail.NewResolver(instances, client, detail.Options{
		EntityID: cfg.Vendor.EntityID,
		Timeout:  cfg.Dashboard.DetailTimeout,
		Metrics:  metrics,
		Logger:   logger,
	})

	// Step 6: Build in-memory stores and the per-session workspaces.
	h.Sessions = session.NewMemoryStore(cfg.Session.TTL)
	var idempotencyStore dashboard.IdempotencyStore
	if hc.idempotency {
		idempotencyStore = dashboard.NewMemoryIdempotencyStore()
	}
	h.Workspaces = session.NewWorkspaces(func() *session.Workspace {
		sel := detail.NewSelection(resolver, metrics, logger)
		browser := dashboard.NewBrowser(client, instances, sel, dashboard.Options{
			PageSize:       cfg.Dashboard.PageSize,
			CancelComment:  cfg.Dashboard.CancelComment,
			IdempotencyTTL: cfg.Idempotency.Store.DefaultTTL,
			Idempotency:    idempotencyStore,
			Metrics:        metrics,
			Logger:         logger,
		})
		return &session.Workspace{Browser: browser, Selection: sel}
	}, metrics)

	authService := auth.NewService(cfg.Vendor, cfg.Session.TTL, []byte(strings.Repeat("k", 32)), h.Sessions, logger)

	// Step 7: Build router with full middleware chain.
	readiness := observability.ReadinessChecks{
		OpenAPILoaded: func() bool { return len(oaIndex.AllOperationIDs(maestro.ServiceID)) > 0 },
		VendorBreaker: func() string {
			state, _ := oaInvoker.BreakerState(maestro.ServiceID)
			return state.String()
		},
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Auth:           authService,
		Workspaces:     h.Workspaces,
		Resolver:       resolver,
		HealthHandler:  observability.HandleHealth(),
		ReadyHandler:   observability.HandleReady(readiness),
		MetricsHandler: observability.Handler(h.Registry),
	})
	handler = metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Anonymous returns a client without a session.
func (h *TestHarness) Anonymous() *Client {
	h.t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		h.t.Fatalf("cookie jar: %v", err)
	}
	return &Client{
		h: h,
		http: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Login signs user in through the authorization code flow and returns a
// client carrying the session cookie.
func (h *TestHarness) Login(user TestUser) *Client {
	h.t.Helper()
	c := h.Anonymous()

	resp := c.GET("/auth/login")
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		h.t.Fatalf("login status = %d, want 302", resp.StatusCode)
	}
	authURL, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		h.t.Fatalf("parse authorize URL: %v", err)
	}
	q := authURL.Query()
	if q.Get("code_challenge_method") != "S256" {
		h.t.Fatalf("authorize URL without PKCE: %s", authURL)
	}
	code := h.idp.authorize(user, q.Get("code_challenge"))

	resp = c.GET("/auth/callback?" + url.Values{"code": {code}, "state": {q.Get("state")}}.Encode())
	body := h.ReadBody(resp)
	if resp.StatusCode != http.StatusFound {
		h.t.Fatalf("callback status = %d, want 302\nbody: %s", resp.StatusCode, body)
	}
	return c
}

// Client is a browser-like user agent with its own cookie jar.
type Client struct {
	h    *TestHarness
	http *http.Client
}

// GET performs a GET request.
func (c *Client) GET(path string) *http.Response {
	c.h.t.Helper()
	return c.do("GET", path, nil, nil)
}

// POST performs a POST request with a JSON body.
func (c *Client) POST(path string, body any) *http.Response {
	c.h.t.Helper()
	return c.do("POST", path, body, nil)
}

// POSTWithHeaders performs a POST request with additional headers.
func (c *Client) POSTWithHeaders(path string, body any, headers map[string]string) *http.Response {
	c.h.t.Helper()
	return c.do("POST", path, body, headers)
}

// PostForm submits an HTML form.
func (c *Client) PostForm(path string, form url.Values) *http.Response {
	c.h.t.Helper()
	return c.do("POST", path, form, map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
}

func (c *Client) do(method, path string, body any, headers map[string]string) *http.Response {
	c.h.t.Helper()

	var bodyReader io.Reader
	switch b := body.(type) {
	case nil:
	case url.Values:
		bodyReader = strings.NewReader(b.Encode())
	default:
		data, err := json.Marshal(b)
		if err != nil {
			c.h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, c.h.server.URL+path, bodyReader)
	if err != nil {
		c.h.t.Fatalf("create request: %v", err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	data := h.ReadBody(resp)
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Fixtures ---

// TaskLink is the action center link of the user task in the default fixtures.
func (h *TestHarness) TaskLink() string {
	return h.Vendor.URL() + "/" + testOrg + "/" + testTenant + "/actions_/tasks/42"
}

// installFixtures configures a tenant with two processes and three instances
// over two pages of two.
func (h *TestHarness) installFixtures() {
	v := h.Vendor
	v.OnOperation("listProcesses").RespondWith(http.StatusOK, []map[string]any{
		ProcessFixture("k-inv", "Invoice.Approval", 1, 1),
		ProcessFixture("k-ord", "Order.Intake", 0, 0),
	})
	v.OnOperation("listInstances").RespondWithFunc(func(req *RecordedRequest) (int, any) {
		if req.QueryParams["cursor"] == "c2" {
			return http.StatusOK, InstancePageFixture(nil,
				InstanceFixture("i-3", "Order.Intake", "Completed"))
		}
		return http.StatusOK, InstancePageFixture(map[string]any{"value": "c2"},
			InstanceFixture("i-1", "Invoice.Approval", "Faulted"),
			InstanceFixture("i-2", "Invoice.Approval", "Running"))
	})
	v.OnOperation("getInstanceVariables").RespondWith(http.StatusOK, map[string]any{
		"elements": []map[string]any{{"elementId": "Start"}, {"elementId": "Task_1"}},
		"globalVariables": []map[string]any{
			{"name": "amount", "type": "number", "value": 1200, "source": "Start"},
			{"name": "approver", "type": "string", "value": "ada", "source": "Task_1"},
			{"name": "payload", "type": "object", "value": map[string]any{"a": 1}, "source": "Start"},
		},
	})
	v.OnOperation("getInstanceBpmn").RespondWithXML(http.StatusOK,
		`<bpmn:definitions><bpmn:process id="p"><bpmn:userTask id="Task_1" name="Approve"/></bpmn:process></bpmn:definitions>`)
	v.OnOperation("getExecutionHistory").RespondWith(http.StatusOK, []map[string]any{
		{"id": "s1", "attributes": map[string]any{"elementId": "Start"}},
		{"id": "s2", "attributes": map[string]any{"elementId": "Task_1", "actionCenterTaskLink": h.TaskLink()}},
	})
	v.OnOperation("cancelInstance").RespondWithFunc(func(req *RecordedRequest) (int, any) {
		id := strings.TrimSuffix(strings.TrimPrefix(req.Path, "/"+testOrg+"/"+testTenant+"/pims_/api/v1/instances/"), "/cancel")
		return http.StatusOK, map[string]any{"success": true, "instanceId": id, "status": "Cancelled"}
	})
	v.OnOperation("getEntityRecords").RespondWith(http.StatusOK, map[string]any{
		"value": []map[string]any{
			{"Id": "r1"},
			{"Id": "r2", "attatchments": map[string]any{"name": "invoice.pdf", "path": "https://files.example.com/invoice.pdf"}},
		},
	})
}

// ProcessFixture returns a process summary.
func ProcessFixture(key, packageID string, running, faulted int) map[string]any {
	return map[string]any{
		"processKey":     key,
		"packageId":      packageID,
		"folderKey":      "folder-1",
		"versionCount":   1,
		"runningCount":   running,
		"completedCount": 4,
		"faultedCount":   faulted,
	}
}

// InstanceFixture returns a process instance started an hour ago.
func InstanceFixture(id, packageID, status string) map[string]any {
	inst := map[string]any{
		"instanceId":      id,
		"packageId":       packageID,
		"folderKey":       "folder-1",
		"latestRunStatus": status,
		"startedByUser":   "ada@acme.example.com",
		"startedTime":     time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
	}
	if status == "Completed" {
		inst["completedTime"] = time.Now().UTC().Format(time.RFC3339)
	}
	return inst
}

// InstancePageFixture returns one page of instances; nextCursor nil means last page.
func InstancePageFixture(nextCursor any, items ...map[string]any) map[string]any {
	page := map[string]any{
		"items":       items,
		"hasNextPage": nextCursor != nil,
	}
	if nextCursor != nil {
		page["nextCursor"] = nextCursor
	}
	return page
}
