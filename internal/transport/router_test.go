package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/rl0ve/uipath-process-app-training/internal/auth"
	"github.com/rl0ve/uipath-process-app-training/internal/config"
	"github.com/rl0ve/uipath-process-app-training/internal/dashboard"
	"github.com/rl0ve/uipath-process-app-training/internal/detail"
	"github.com/rl0ve/uipath-process-app-training/internal/observability"
	"github.com/rl0ve/uipath-process-app-training/internal/session"
	"github.com/rl0ve/uipath-process-app-training/model"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

// fakeVendor serves two pages of instances keyed by cursor.
type fakeVendor struct {
	mu      sync.Mutex
	listErr error
	cancels []string
}

func testInstance(id, status string) model.ProcessInstance {
	return model.ProcessInstance{
		InstanceID:      id,
		PackageID:       "Invoice.Approval",
		FolderKey:       "folder-" + id,
		LatestRunStatus: status,
		StartedByUser:   "ada@example.com",
		StartedTime:     time.Now().Add(-time.Hour),
	}
}

func (f *fakeVendor) ListProcesses(context.Context, *model.RequestContext) ([]model.ProcessDefinition, error) {
	return []model.ProcessDefinition{
		{PackageID: "Invoice.Approval", RunningCount: 1, FaultedCount: 1},
		{PackageID: "Onboarding", CompletedCount: 3},
	}, nil
}

func (f *fakeVendor) ListInstances(_ context.Context, _ *model.RequestContext, q model.InstanceQuery) (model.InstancePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return model.InstancePage{}, f.listErr
	}
	if q.Cursor == "c2" {
		return model.InstancePage{
			Items:          []model.ProcessInstance{testInstance("i3", "Completed")},
			PreviousCursor: "c1",
			TotalCount:     3,
			CurrentPage:    2,
		}, nil
	}
	return model.InstancePage{
		Items:       []model.ProcessInstance{testInstance("i1", "Faulted"), testInstance("i2", "Running")},
		HasNextPage: true,
		NextCursor:  "c2",
		TotalCount:  3,
		CurrentPage: 1,
	}, nil
}

func (f *fakeVendor) GetVariables(context.Context, *model.RequestContext, string, string) (model.VariablesResponse, error) {
	return model.VariablesResponse{}, nil
}

func (f *fakeVendor) GetBpmn(context.Context, *model.RequestContext, string, string) (string, error) {
	return "", nil
}

func (f *fakeVendor) GetExecutionHistory(context.Context, *model.RequestContext, string) ([]model.ExecutionHistoryEntry, error) {
	return nil, nil
}

func (f *fakeVendor) CancelInstance(_ context.Context, _ *model.RequestContext, id, _, comment string) (model.CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id+"|"+comment)
	return model.CancelResult{Success: true, InstanceID: id, Status: "Cancelled"}, nil
}

func (f *fakeVendor) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancels)
}

// echoResolver resolves an instance into a fixed detail.
type echoResolver struct{}

func (echoResolver) Resolve(_ context.Context, _ *model.RequestContext, inst model.ProcessInstance) model.InstanceDetail {
	return model.InstanceDetail{
		InstanceID:   inst.InstanceID,
		Requestor:    inst.StartedByUser,
		EndDate:      model.NotCompleted,
		ActivityType: "User Task",
	}
}

type testEnv struct {
	router     chi.Router
	vendor     *fakeVendor
	store      *session.MemoryStore
	workspaces *session.Workspaces
	auth       *auth.Service
	cookie     *http.Cookie
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://app.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	cfg.Vendor.OrgName = "acme"
	cfg.Vendor.TenantName = "default"
	cfg.Vendor.ClientID = "client"
	cfg.Vendor.RedirectURI = "https://monitor.example.com/auth/callback"
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig()
	vendor := &fakeVendor{}
	store := session.NewMemoryStore(time.Hour)
	svc := auth.NewService(cfg.Vendor, time.Hour, testKey, store, nil)

	workspaces := session.NewWorkspaces(func() *session.Workspace {
		sel := detail.NewSelection(echoResolver{}, nil, nil)
		return &session.Workspace{
			Browser: dashboard.NewBrowser(vendor, vendor, sel, dashboard.Options{
				Idempotency: dashboard.NewMemoryIdempotencyStore(),
			}),
			Selection: sel,
		}
	}, nil)

	sess := session.New(&oauth2.Token{AccessToken: "vendor-token"}, "user-1", "ada@example.com")
	if err := store.Put(context.Background(), sess); err != nil {
		t.Fatalf("Put: %v", err)
	}
	value, err := svc.SessionCookie(sess)
	if err != nil {
		t.Fatalf("SessionCookie: %v", err)
	}

	router := NewRouter(Dependencies{
		Config:         cfg,
		Auth:           svc,
		Workspaces:     workspaces,
		Resolver:       echoResolver{},
		HealthHandler:  observability.HandleHealth(),
		ReadyHandler:   observability.HandleReady(observability.ReadinessChecks{OpenAPILoaded: func() bool { return true }}),
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }),
	})
	return &testEnv{
		router:     router,
		vendor:     vendor,
		store:      store,
		workspaces: workspaces,
		auth:       svc,
		cookie:     &http.Cookie{Name: cfg.Session.CookieName, Value: value},
	}
}

// do sends a request with the session cookie.
func (e *testEnv) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	req.AddCookie(e.cookie)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeJSON[errorResponse](t, w).Error.Code
}

// --- Router tests ---

func TestNewRouter_publicRoutes(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/ui/health", "/ui/ready", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
			if w.Code != 200 {
				t.Errorf("status = %d, want 200", w.Code)
			}
		})
	}
}

func TestNewRouter_apiRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	routes := []struct {
		method string
		path   string
	}{
		{"GET", "/api/session"},
		{"GET", "/api/processes"},
		{"GET", "/api/instances"},
		{"POST", "/api/instances/filter"},
		{"POST", "/api/instances/next"},
		{"POST", "/api/instances/previous"},
		{"POST", "/api/refresh"},
		{"POST", "/api/instances/i1/select"},
		{"GET", "/api/instances/i1/detail"},
		{"POST", "/api/instances/i1/cancel"},
		{"GET", "/api/detail"},
	}
	for _, tc := range routes {
		t.Run(tc.method+" "+tc.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
			if w.Code != 401 {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestNewRouter_securityHeaders(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/ui/health", nil))

	csp := w.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "frame-src https://cloud.uipath.com;") {
		t.Errorf("CSP = %q, want vendor frame-src", csp)
	}
	if w.Header().Get("X-Correlation-Id") == "" {
		t.Error("X-Correlation-Id not set")
	}
}

func TestFrameOrigins(t *testing.T) {
	if got := frameOrigins(config.VendorConfig{BaseURL: "https://cloud.uipath.com/acme"}); len(got) != 1 || got[0] != "https://cloud.uipath.com" {
		t.Errorf("frameOrigins = %v", got)
	}
	if got := frameOrigins(config.VendorConfig{BaseURL: "not a url"}); got != nil {
		t.Errorf("frameOrigins(invalid) = %v, want nil", got)
	}
}

// --- Session and sign-in ---

func TestSession(t *testing.T) {
	env := newTestEnv(t)
	w := env.do("GET", "/api/session", nil)
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeJSON[map[string]any](t, w)
	if body["email"] != "ada@example.com" || body["authenticated"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestSession_expiredWithoutRefresh(t *testing.T) {
	env := newTestEnv(t)
	sess := session.New(&oauth2.Token{AccessToken: "old", Expiry: time.Now().Add(-time.Minute)}, "user-1", "")
	_ = env.store.Put(context.Background(), sess)
	value, _ := env.auth.SessionCookie(sess)
	env.cookie.Value = value

	w := env.do("GET", "/api/session", nil)
	if w.Code != 401 {
		t.Errorf("status = %d, want 401 when the token cannot be refreshed", w.Code)
	}
}

func TestLogin_redirects(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/auth/login", nil))

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if loc.Query().Get("code_challenge_method") != "S256" {
		t.Errorf("Location = %s, want PKCE challenge", loc)
	}

	var state *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "maestro_session_state" {
			state = c
		}
	}
	if state == nil || !state.HttpOnly || state.Path != "/auth" {
		t.Errorf("state cookie = %+v", state)
	}
}

func TestCallback_rejects(t *testing.T) {
	env := newTestEnv(t)
	for name, path := range map[string]string{
		"provider error": "/auth/callback?error=access_denied&error_description=denied",
		"missing state":  "/auth/callback?code=abc&state=xyz",
	} {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
			if w.Code != 401 {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	env.do("GET", "/api/instances", nil)
	if env.workspaces.Len() != 1 {
		t.Fatalf("workspaces = %d, want 1", env.workspaces.Len())
	}

	w := env.do("POST", "/auth/logout", nil, "Accept", "application/json")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
	if env.workspaces.Len() != 0 {
		t.Errorf("workspaces = %d, want 0 after logout", env.workspaces.Len())
	}
	if env.store.Len() != 0 {
		t.Errorf("sessions = %d, want 0 after logout", env.store.Len())
	}
	if w := env.do("GET", "/api/session", nil); w.Code != 401 {
		t.Errorf("session after logout: status = %d, want 401", w.Code)
	}
}

// --- Instance list ---

func TestInstances_pagination(t *testing.T) {
	env := newTestEnv(t)

	st := decodeJSON[dashboard.State](t, env.do("GET", "/api/instances", nil))
	if len(st.Items) != 2 || !st.HasNextPage || st.CurrentPage != 1 || st.TotalCount != 3 || st.TotalPages != 1 {
		t.Fatalf("first page = %+v", st)
	}

	st = decodeJSON[dashboard.State](t, env.do("POST", "/api/instances/next", nil))
	if len(st.Items) != 1 || st.Items[0].InstanceID != "i3" || st.CurrentPage != 2 || !st.HasPreviousPage {
		t.Fatalf("second page = %+v", st)
	}

	st = decodeJSON[dashboard.State](t, env.do("POST", "/api/instances/next", nil))
	if st.CurrentPage != 2 {
		t.Errorf("next on the last page moved to %d", st.CurrentPage)
	}
}

func TestInstances_filterValidation(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("POST", "/api/instances/filter", map[string]string{})
	if w.Code != 422 {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	resp := decodeJSON[errorResponse](t, w)
	if len(resp.Error.Details) != 1 || resp.Error.Details[0].Field != "process" || resp.Error.Details[0].Code != "REQUIRED" {
		t.Errorf("details = %+v", resp.Error.Details)
	}

	req := httptest.NewRequest("POST", "/api/instances/filter", strings.NewReader("{"))
	req.AddCookie(env.cookie)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != 400 {
		t.Errorf("malformed body: status = %d, want 400", w.Code)
	}

	w = env.do("POST", "/api/instances/filter", map[string]string{"process": "Onboarding"})
	st := decodeJSON[dashboard.State](t, w)
	if st.Filter != "Onboarding" || st.CurrentPage != 1 {
		t.Errorf("state = %+v", st)
	}
}

func TestInstances_listingError(t *testing.T) {
	env := newTestEnv(t)
	env.vendor.listErr = model.NewRateLimitedError()

	w := env.do("GET", "/api/instances", nil)
	if w.Code != 429 {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestProcessesAndRefresh(t *testing.T) {
	env := newTestEnv(t)

	ov := decodeJSON[dashboard.Overview](t, env.do("GET", "/api/processes", nil))
	if len(ov.Processes) != 2 || ov.Processes[0].PackageID != "Invoice.Approval" {
		t.Errorf("processes = %+v", ov.Processes)
	}
	if ov.Stats.TotalProcesses != 2 || ov.Stats.RunningInstances != 1 {
		t.Errorf("stats = %+v", ov.Stats)
	}

	w := env.do("POST", "/api/refresh", nil)
	if w.Code != 200 {
		t.Fatalf("refresh status = %d", w.Code)
	}
	body := decodeJSON[struct {
		Overview  dashboard.Overview `json:"overview"`
		Instances dashboard.State    `json:"instances"`
	}](t, w)
	if len(body.Instances.Items) != 2 || len(body.Overview.Processes) != 2 {
		t.Errorf("refresh body = %+v", body)
	}
}

// --- Detail ---

func TestSelectAndDetail(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do("GET", "/api/detail", nil); w.Code != 404 {
		t.Errorf("detail before selection: status = %d, want 404", w.Code)
	}
	if w := env.do("POST", "/api/instances/i1/select", nil); w.Code != 404 {
		t.Errorf("select before listing: status = %d, want 404", w.Code)
	}

	env.do("GET", "/api/instances", nil)
	w := env.do("POST", "/api/instances/i1/select", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("select status = %d, want 202", w.Code)
	}
	placeholder := decodeJSON[model.InstanceDetail](t, w)
	if !placeholder.Loading || placeholder.InstanceID != "i1" {
		t.Errorf("placeholder = %+v", placeholder)
	}

	d := decodeJSON[model.InstanceDetail](t, env.do("GET", "/api/detail?wait=1", nil))
	if d.Loading || d.InstanceID != "i1" || d.Requestor != "ada@example.com" {
		t.Errorf("detail = %+v", d)
	}
}

func TestResolveDetail(t *testing.T) {
	env := newTestEnv(t)
	env.do("GET", "/api/instances", nil)

	d := decodeJSON[model.InstanceDetail](t, env.do("GET", "/api/instances/i2/detail", nil))
	if d.InstanceID != "i2" || d.ActivityType != "User Task" {
		t.Errorf("detail = %+v", d)
	}
	if w := env.do("GET", "/api/instances/missing/detail", nil); w.Code != 404 {
		t.Errorf("unknown instance: status = %d, want 404", w.Code)
	}
}

// --- Cancel ---

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	env.do("GET", "/api/instances", nil)

	w := env.do("POST", "/api/instances/i2/cancel", nil)
	if w.Code != 409 || errorCode(t, w) != model.ErrCancelNotAllowed {
		t.Errorf("running instance: status = %d, want 409 CANCEL_NOT_ALLOWED", w.Code)
	}

	w = env.do("POST", "/api/instances/i1/cancel", map[string]string{"comment": "stuck"})
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
	}
	res := decodeJSON[model.CancelResult](t, w)
	if !res.Success || res.InstanceID != "i1" {
		t.Errorf("result = %+v", res)
	}
	if env.vendor.cancels[0] != "i1|stuck" {
		t.Errorf("cancels = %v", env.vendor.cancels)
	}
}

func TestCancel_idempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	env.do("GET", "/api/instances", nil)

	for i := 0; i < 2; i++ {
		w := env.do("POST", "/api/instances/i1/cancel", nil, "X-Idempotency-Key", "k1")
		if w.Code != 200 {
			t.Fatalf("attempt %d: status = %d", i, w.Code)
		}
	}
	if n := env.vendor.cancelCount(); n != 1 {
		t.Errorf("vendor cancels = %d, want 1", n)
	}
}

// --- Dashboard ---

func TestDashboard_signedOut(t *testing.T) {
	env := newTestEnv(t)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 200 {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `href="/auth/login"`) {
		t.Error("signed-out page has no sign-in link")
	}
}

func TestDashboard_selectInstance(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("GET", "/", nil)
	body := w.Body.String()
	if w.Code != 200 || !strings.Contains(body, "Invoice Approval") || !strings.Contains(body, "/?instance=i1") {
		t.Fatalf("dashboard = %d %s", w.Code, body)
	}

	w = env.do("GET", "/?instance=i1", nil)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("select status = %d, want 303", w.Code)
	}

	body = env.do("GET", "/", nil).Body.String()
	if !strings.Contains(body, "Instance i1") {
		t.Error("detail pane does not show the selection")
	}
	if !strings.Contains(body, "Configure MAESTRO_ENTITY_ID to enable attachments") {
		t.Error("detail pane does not explain missing attachments")
	}
}

func TestDashboard_cancelForm(t *testing.T) {
	env := newTestEnv(t)
	env.do("GET", "/", nil)

	w := env.do("POST", "/instances/i2/cancel", nil)
	if w.Code != http.StatusSeeOther || !strings.Contains(w.Header().Get("Location"), "notice=") {
		t.Errorf("cancel of running instance: %d %s", w.Code, w.Header().Get("Location"))
	}

	w = env.do("POST", "/instances/i1/cancel", nil)
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/" {
		t.Errorf("cancel: %d %s", w.Code, w.Header().Get("Location"))
	}
	if n := env.vendor.cancelCount(); n != 1 {
		t.Errorf("vendor cancels = %d, want 1", n)
	}
}

func TestNoticeFor(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{model.NewCancelNotAllowedError("Only faulted instances can be cancelled"), "Only faulted instances can be cancelled"},
		{model.NewBackendTimeoutError(), "Maestro did not respond in time. Refresh to try again."},
		{errors.New("template exploded"), "Something went wrong, try again"},
	}
	for _, tt := range tests {
		if got := noticeFor(tt.err); got != tt.want {
			t.Errorf("noticeFor(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
