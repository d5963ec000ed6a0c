package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/rl0ve/uipath-process-app-training/internal/config"
	"github.com/rl0ve/uipath-process-app-training/internal/observability"
	"github.com/rl0ve/uipath-process-app-training/internal/openapi"
	"github.com/rl0ve/uipath-process-app-training/model"
)

// maxResponseBytes caps how much of a vendor response is read.
const maxResponseBytes = 10 << 20

// serviceClient is the resty client, breaker and retry policy of one service.
type serviceClient struct {
	id      string
	cfg     config.ServiceConfig
	client  *resty.Client
	breaker *CircuitBreaker
}

// OpenAPIOperationInvoker builds vendor requests from indexed OpenAPI
// operations and executes them with breaker protection and retries.
type OpenAPIOperationInvoker struct {
	index   *openapi.Index
	clients map[string]*serviceClient
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewOpenAPIOperationInvoker creates one client per configured service.
// metrics and logger may be nil.
func NewOpenAPIOperationInvoker(idx *openapi.Index, services map[string]config.ServiceConfig, metrics *observability.Metrics, logger *zap.Logger) *OpenAPIOperationInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	inv := &OpenAPIOperationInvoker{
		index:   idx,
		clients: make(map[string]*serviceClient, len(services)),
		metrics: metrics,
		logger:  logger.Named("invoker"),
	}
	for id, svcCfg := range services {
		inv.clients[id] = inv.newServiceClient(id, svcCfg)
	}
	return inv
}

func (inv *OpenAPIOperationInvoker) newServiceClient(id string, cfg config.ServiceConfig) *serviceClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetTransport(&http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}).
		SetTimeout(timeout).
		SetRetryCount(0)

	cb := cfg.CircuitBreaker
	metrics := inv.metrics
	logger := inv.logger
	breaker := NewCircuitBreakerWithSettings(BreakerSettings{
		FailureThreshold:   cb.FailureThreshold,
		SuccessThreshold:   cb.SuccessThreshold,
		Cooldown:           cb.Timeout,
		ErrorRateThreshold: cb.ErrorRateThreshold,
		ErrorRateWindow:    cb.ErrorRateWindow,
		OnStateChange: func(from, to BreakerState) {
			metrics.SetBackendCircuitBreakerState(id, to.GaugeValue())
			logger.Warn("circuit breaker state changed",
				zap.String("service_id", id),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
	metrics.SetBackendCircuitBreakerState(id, BreakerClosed.GaugeValue())

	return &serviceClient{id: id, cfg: cfg, client: client, breaker: breaker}
}

// Supports returns true for openapi bindings.
func (inv *OpenAPIOperationInvoker) Supports(binding model.OperationBinding) bool {
	return binding.Type == model.BindingOpenAPI
}

// BreakerState returns the breaker state of a configured service.
func (inv *OpenAPIOperationInvoker) BreakerState(serviceID string) (BreakerState, bool) {
	svc, ok := inv.clients[serviceID]
	if !ok {
		return BreakerClosed, false
	}
	return svc.breaker.State(), true
}

// Invoke resolves the operation in the index, builds the request and runs it.
// Non-2xx responses are returned as results, not errors; errors mean the
// vendor could not be reached or the call could not be built.
func (inv *OpenAPIOperationInvoker) Invoke(
	ctx context.Context,
	rctx *model.RequestContext,
	binding model.OperationBinding,
	input model.InvocationInput,
) (result model.InvocationResult, err error) {
	op, ok := inv.index.GetOperation(binding.ServiceID, binding.OperationID)
	if !ok {
		return model.InvocationResult{}, fmt.Errorf(
			"invoker: operation %s/%s not found in OpenAPI index",
			binding.ServiceID, binding.OperationID,
		)
	}
	svc, ok := inv.clients[binding.ServiceID]
	if !ok {
		return model.InvocationResult{}, fmt.Errorf("invoker: service %q not configured", binding.ServiceID)
	}

	ctx, span := observability.StartSpan(ctx, "invoker."+binding.OperationID,
		observability.AttrServiceID.String(binding.ServiceID),
		observability.AttrOperationID.String(binding.OperationID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	reqURL := buildRequestURL(op, input)
	headers := buildRequestHeaders(rctx, input, op.Method)
	observability.InjectTraceHeaders(ctx, headers)

	var body []byte
	if input.Body != nil {
		body, err = json.Marshal(input.Body)
		if err != nil {
			return model.InvocationResult{}, fmt.Errorf("invoker: marshal body: %w", err)
		}
		if ce := inv.logger.Check(zap.DebugLevel, "request body"); ce != nil {
			if m, isMap := input.Body.(map[string]any); isMap {
				ce.Write(zap.String("operation_id", binding.OperationID), zap.Any("body", observability.LogBody(m)))
			}
		}
	}

	start := time.Now()
	result, err = inv.executeWithRetry(ctx, svc, op.Method, reqURL, headers, body)
	inv.metrics.RecordBackendRequest(binding.ServiceID, binding.OperationID, result.StatusCode, time.Since(start))
	inv.logger.Debug("backend call",
		zap.String("service_id", binding.ServiceID),
		zap.String("operation_id", binding.OperationID),
		zap.Int("status", result.StatusCode),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)
	return result, err
}

func (inv *OpenAPIOperationInvoker) executeWithRetry(
	ctx context.Context,
	svc *serviceClient,
	method, reqURL string,
	headers http.Header,
	body []byte,
) (model.InvocationResult, error) {
	retryCfg := svc.cfg.Retry
	attempts := retryCfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	canRetry := isIdempotentMethod(method) || !retryCfg.IdempotentOnly

	var lastErr error
	var lastResult model.InvocationResult
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			inv.metrics.RecordBackendRetry(svc.id)
			select {
			case <-ctx.Done():
				return model.InvocationResult{}, model.NewBackendTimeoutError()
			case <-time.After(calculateBackoff(retryCfg, attempt)):
			}
		}

		result, err := inv.executeOnce(ctx, svc, method, reqURL, headers, body)
		if err != nil {
			lastErr = err
			if !canRetry || !isRetryableError(err) {
				return model.InvocationResult{}, err
			}
			continue
		}
		if canRetry && isRetryableStatus(result.StatusCode) && attempt < attempts-1 {
			lastResult = result
			continue
		}
		return result, nil
	}
	if lastErr != nil {
		return model.InvocationResult{}, lastErr
	}
	return lastResult, nil
}

func (inv *OpenAPIOperationInvoker) executeOnce(
	ctx context.Context,
	svc *serviceClient,
	method, reqURL string,
	headers http.Header,
	body []byte,
) (model.InvocationResult, error) {
	if err := svc.breaker.Allow(); err != nil {
		return model.InvocationResult{}, model.NewBackendUnavailableError().WithCause(err)
	}

	req := svc.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeaderMultiValues(headers)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, reqURL)
	if err != nil {
		svc.breaker.RecordFailure()
		return model.InvocationResult{}, classifyTransportError(ctx, err)
	}
	raw := resp.RawBody()
	defer raw.Close()

	data, err := io.ReadAll(io.LimitReader(raw, maxResponseBytes))
	if err != nil {
		svc.breaker.RecordFailure()
		return model.InvocationResult{}, fmt.Errorf("invoker: read response: %w", err)
	}

	status := resp.StatusCode()
	switch {
	case isServerError(status):
		svc.breaker.RecordFailure()
	case !isClientError(status):
		svc.breaker.RecordSuccess()
	}

	result := model.InvocationResult{
		StatusCode: status,
		RawBody:    data,
		Headers:    extractResponseHeaders(resp.Header()),
	}
	if len(data) > 0 {
		var parsed any
		if json.Unmarshal(data, &parsed) == nil {
			result.Body = parsed
		}
	}
	return result, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return model.NewBackendTimeoutError().WithCause(ctx.Err())
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return model.NewBackendTimeoutError().WithCause(err)
	}
	if isConnectionError(err) {
		return model.NewBackendUnavailableError().WithCause(err)
	}
	return fmt.Errorf("invoker: request failed: %w", err)
}

func buildRequestURL(op openapi.IndexedOperation, input model.InvocationInput) string {
	path := op.PathTemplate
	for name, value := range input.PathParams {
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(value))
	}
	u := strings.TrimRight(op.BaseURL, "/") + path

	if len(input.QueryParams) > 0 {
		params := url.Values{}
		for k, v := range input.QueryParams {
			if v == "" {
				continue
			}
			params.Set(k, v)
		}
		if enc := params.Encode(); enc != "" {
			u += "?" + enc
		}
	}
	return u
}

func buildRequestHeaders(rctx *model.RequestContext, input model.InvocationInput, method string) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		h.Set("Content-Type", "application/json")
	}

	if rctx != nil {
		if rctx.Token != "" {
			h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
		if rctx.TenantName != "" {
			h.Set("X-UIPATH-TenantName", sanitizeHeader(rctx.TenantName))
		}
		if rctx.CorrelationID != "" {
			h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
		}
	}

	// Input headers last so operations can override Accept.
	for k, v := range input.Headers {
		h.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	return h
}

// sanitizeHeader strips CR and LF to prevent header injection.
func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func extractResponseHeaders(h http.Header) map[string]string {
	out := make(map[string]string)
	for _, key := range []string{"Content-Type", "X-Correlation-Id", "X-Request-Id", "Retry-After"} {
		if v := h.Get(key); v != "" {
			out[key] = v
		}
	}
	return out
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isServerError(code int) bool { return code >= 500 }

func isClientError(code int) bool { return code >= 400 && code < 500 }

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// isRetryableError reports whether a transport error may be retried. Errors
// already classified into an envelope are final.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var env *model.ErrorEnvelope
	return !errors.As(err, &env)
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func calculateBackoff(cfg config.RetryConfig, attempt int) time.Duration {
	initial := cfg.BackoffInitial
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	maxDelay := cfg.BackoffMax
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return min(delay, maxDelay)
}
