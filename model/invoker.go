package model

import "context"

// BindingOpenAPI is the only binding type: an operation described by an
// indexed OpenAPI document.
const BindingOpenAPI = "openapi"

// OperationBinding names the backend operation to invoke.
type OperationBinding struct {
	Type        string `yaml:"type"         json:"type"`
	ServiceID   string `yaml:"service_id"   json:"service_id"`
	OperationID string `yaml:"operation_id" json:"operation_id"`
}

// OpenAPIBinding returns an openapi binding for the given service operation.
func OpenAPIBinding(serviceID, operationID string) OperationBinding {
	return OperationBinding{Type: BindingOpenAPI, ServiceID: serviceID, OperationID: operationID}
}

// OperationInvoker is the unified interface for backend invocation.
type OperationInvoker interface {
	// Invoke calls the backend operation described by the binding with the given input.
	Invoke(ctx context.Context, rctx *RequestContext, binding OperationBinding, input InvocationInput) (InvocationResult, error)

	// Supports returns true if this invoker can handle the given binding type.
	Supports(binding OperationBinding) bool
}

// InvocationInput is the constructed backend request.
type InvocationInput struct {
	PathParams  map[string]string `json:"path_params,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        any               `json:"body,omitempty"`
}

// InvocationResult is the backend response. Body is the parsed JSON payload
// when the response was JSON; RawBody always holds the bytes read.
type InvocationResult struct {
	StatusCode int               `json:"status_code"`
	Body       any               `json:"body,omitempty"`
	RawBody    []byte            `json:"-"`
	Headers    map[string]string `json:"headers,omitempty"`
}

// OK reports whether the backend answered with a 2xx status.
func (r InvocationResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}
