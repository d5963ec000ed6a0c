package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl0ve/uipath-process-app-training/internal/config"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
	return sr
}

func attrs(s sdktrace.ReadOnlySpan) map[string]string {
	m := make(map[string]string)
	for _, a := range s.Attributes() {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}

func TestInitTracing(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.TracingConfig
		wantErr string
	}{
		{name: "disabled", cfg: config.TracingConfig{}},
		{name: "stdout", cfg: config.TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}},
		{name: "zipkin", cfg: config.TracingConfig{Enabled: true, Exporter: "zipkin"}, wantErr: `unsupported exporter "zipkin"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := InitTracing(context.Background(), tt.cfg, "maestro-monitor", "1.0.0")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("InitTracing() error = %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown() error = %v", err)
			}
		})
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{rate: 0, want: "TraceIDRatioBased{0.1}"},
		{rate: 0.5, want: "TraceIDRatioBased{0.5}"},
		{rate: 1, want: "AlwaysOnSampler"},
		{rate: 3, want: "AlwaysOnSampler"},
	}
	for _, tt := range tests {
		if d := sampler(tt.rate).Description(); !strings.Contains(d, tt.want) {
			t.Errorf("sampler(%v) = %s, want root %s", tt.rate, d, tt.want)
		}
	}
}

func TestStartSpan_nestsDetailFetches(t *testing.T) {
	sr := recordSpans(t)

	ctx, resolve := StartSpan(context.Background(), "detail.resolve", AttrInstanceID.String("i-1"))
	_, fetch := StartSpan(ctx, "detail.fetch.bpmn", AttrFetch.String("bpmn"))
	EndSpanWithError(fetch, errors.New("vendor unreachable"))
	EndSpanWithError(resolve, nil)

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	child, parent := spans[0], spans[1]
	if child.Parent().SpanID() != parent.SpanContext().SpanID() {
		t.Error("fetch span is not a child of the resolve span")
	}
	if attrs(parent)["maestro.instance_id"] != "i-1" || attrs(child)["maestro.fetch"] != "bpmn" {
		t.Errorf("attributes: parent %v, child %v", attrs(parent), attrs(child))
	}
	if child.Status().Code != codes.Error || len(child.Events()) == 0 {
		t.Errorf("failed fetch status = %+v, events = %d", child.Status(), len(child.Events()))
	}
	if parent.Status().Code == codes.Error {
		t.Error("resolve span marked failed")
	}
}

func TestTraceIDFromContext(t *testing.T) {
	recordSpans(t)

	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Errorf("without span = %q, want empty", got)
	}
	ctx, span := StartSpan(context.Background(), "dashboard.page.next")
	defer span.End()
	if got := TraceIDFromContext(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("TraceIDFromContext = %q", got)
	}
}

func TestTracingMiddleware_namesSpanAfterRoute(t *testing.T) {
	sr := recordSpans(t)

	router := chi.NewRouter()
	router.Route("/api", func(r chi.Router) {
		r.Post("/instances/{instanceId}/select", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		})
	})

	rec := httptest.NewRecorder()
	TracingMiddleware(router).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/instances/abc/select", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name() != "POST /api/instances/{instanceId}/select" {
		t.Errorf("span name = %q", s.Name())
	}
	if s.SpanKind() != trace.SpanKindServer {
		t.Errorf("span kind = %v", s.SpanKind())
	}
	a := attrs(s)
	if a["http.route"] != "/api/instances/{instanceId}/select" || a["http.response.status_code"] != "202" {
		t.Errorf("attributes = %v", a)
	}
	if rec.Header().Get("Traceparent") == "" {
		t.Error("response has no traceparent")
	}
}

func TestTracingMiddleware_unroutedRequest(t *testing.T) {
	sr := recordSpans(t)

	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/processes", nil))

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name() != "GET /api/processes" || spans[0].Status().Code != codes.Error {
		t.Errorf("span = %q, status %+v", spans[0].Name(), spans[0].Status())
	}
}

func TestTracingMiddleware_continuesInboundTrace(t *testing.T) {
	sr := recordSpans(t)

	var seen string
	handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := http.Header{}
		InjectTraceHeaders(r.Context(), headers)
		seen = headers.Get("Traceparent")
	}))

	const traceID = "0af7651916cd43dd8448eb211c80319c"
	req := httptest.NewRequest(http.MethodGet, "/api/detail", nil)
	req.Header.Set("Traceparent", "00-"+traceID+"-b7ad6b7169203331-01")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	spans := sr.Ended()
	if len(spans) != 1 || spans[0].SpanContext().TraceID().String() != traceID {
		t.Fatalf("inbound trace not continued: %v", spans)
	}
	if !strings.Contains(seen, traceID) {
		t.Errorf("vendor traceparent = %q, want trace %s", seen, traceID)
	}
}
