// Package openapi loads and indexes OpenAPI documents, providing operation
// lookup by operationId with request schema checks.
package openapi

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

// SpecSource describes an OpenAPI document file to load.
type SpecSource struct {
	ServiceID string
	BaseURL   string
	SpecPath  string
}

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	ServiceID    string
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	Responses    *openapi3.Responses
	BaseURL      string
}

// HeaderParameters returns the names of the operation's header parameters.
func (op IndexedOperation) HeaderParameters() []string {
	var names []string
	for _, p := range op.Parameters {
		if p.In == openapi3.ParameterInHeader {
			names = append(names, p.Name)
		}
	}
	return names
}

// ValidationError describes a schema validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Index is an in-memory index of OpenAPI operations keyed by (serviceID, operationID).
// It is safe for concurrent use.
type Index struct {
	mu         sync.RWMutex
	operations map[string]IndexedOperation // key: "serviceID:operationID"
	byService  map[string][]string         // serviceID → []operationID
}

// NewIndex creates an empty OpenAPI index.
func NewIndex() *Index {
	return &Index{
		operations: make(map[string]IndexedOperation),
		byService:  make(map[string][]string),
	}
}

func operationKey(serviceID, operationID string) string {
	return serviceID + ":" + operationID
}

func newLoader() *openapi3.Loader {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false
	return loader
}

// Load parses OpenAPI documents from the given files and indexes all operations.
func (idx *Index) Load(specs []SpecSource) error {
	loader := newLoader()
	for _, src := range specs {
		doc, err := loader.LoadFromFile(src.SpecPath)
		if err != nil {
			return fmt.Errorf("openapi: loading %s (%s): %w", src.ServiceID, src.SpecPath, err)
		}
		if err := idx.add(src.ServiceID, src.BaseURL, doc); err != nil {
			return err
		}
	}
	return nil
}

// LoadData parses an in-memory OpenAPI document (YAML or JSON) and indexes
// its operations under serviceID. An empty baseURL falls back to the first
// server declared by the document.
func (idx *Index) LoadData(serviceID, baseURL string, data []byte) error {
	doc, err := newLoader().LoadFromData(data)
	if err != nil {
		return fmt.Errorf("openapi: parsing %s: %w", serviceID, err)
	}
	return idx.add(serviceID, baseURL, doc)
}

func (idx *Index) add(serviceID, baseURL string, doc *openapi3.T) error {
	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("openapi: validating %s: %w", serviceID, err)
	}

	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	// Reloading a service replaces its operations.
	for _, id := range idx.byService[serviceID] {
		delete(idx.operations, operationKey(serviceID, id))
	}
	idx.byService[serviceID] = nil

	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}

			// Path-level parameters first, operation-level ones after.
			params := make([]*openapi3.Parameter, 0, len(pathItem.Parameters)+len(op.Parameters))
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			idx.operations[operationKey(serviceID, op.OperationID)] = IndexedOperation{
				ServiceID:    serviceID,
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  reqBody,
				Responses:    op.Responses,
				BaseURL:      baseURL,
			}
			idx.byService[serviceID] = append(idx.byService[serviceID], op.OperationID)
		}
	}
	return nil
}

// GetOperation returns the indexed operation for the given service and operation ID.
func (idx *Index) GetOperation(serviceID, operationID string) (IndexedOperation, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	op, ok := idx.operations[operationKey(serviceID, operationID)]
	return op, ok
}

// AllOperationIDs returns all operation IDs for the given service, sorted.
func (idx *Index) AllOperationIDs(serviceID string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ids := make([]string, len(idx.byService[serviceID]))
	copy(ids, idx.byService[serviceID])
	sort.Strings(ids)
	return ids
}

// HasService reports whether at least one operation is indexed for serviceID.
func (idx *Index) HasService(serviceID string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byService[serviceID]) > 0
}

// ValidateRequest checks a request body against the operation's required
// top-level fields. Returns nil when the body is acceptable.
func (idx *Index) ValidateRequest(serviceID, operationID string, body map[string]any) []ValidationError {
	op, ok := idx.GetOperation(serviceID, operationID)
	if !ok {
		return []ValidationError{{Message: fmt.Sprintf("operation %s/%s not found", serviceID, operationID)}}
	}

	if op.RequestBody == nil {
		return nil
	}

	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}

	var errs []ValidationError
	for _, req := range ct.Schema.Value.Required {
		if _, exists := body[req]; !exists {
			errs = append(errs, ValidationError{
				Field:   req,
				Message: fmt.Sprintf("%s is required", req),
			})
		}
	}
	return errs
}
