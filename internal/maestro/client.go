// Package maestro is the typed client for the vendor's process-instance and
// entity APIs. Operations are described by the embedded OpenAPI document and
// executed through an invoker.
package maestro

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rl0ve/uipath-process-app-training/internal/openapi"
	"github.com/rl0ve/uipath-process-app-training/model"
)

// ServiceID is the index key of the vendor API.
const ServiceID = "maestro"

// FolderKeyHeader scopes instance operations to a folder.
const FolderKeyHeader = "X-UIPATH-FolderKey"

// Operation IDs of the embedded document.
const (
	OpListProcesses        = "listProcesses"
	OpListInstances        = "listInstances"
	OpGetInstanceVariables = "getInstanceVariables"
	OpGetInstanceBpmn      = "getInstanceBpmn"
	OpGetExecutionHistory  = "getExecutionHistory"
	OpCancelInstance       = "cancelInstance"
	OpGetEntityRecords     = "getEntityRecords"
)

//go:embed maestro.openapi.yaml
var embeddedSpec []byte

// Spec returns the embedded OpenAPI document.
func Spec() []byte {
	return embeddedSpec
}

// LoadSpec indexes the embedded document under ServiceID with baseURL.
func LoadSpec(idx *openapi.Index, baseURL string) error {
	return idx.LoadData(ServiceID, baseURL, embeddedSpec)
}

// attachmentFields are the record fields that may hold the attachment, in
// lookup order. The first one is the field name the entity was published with.
var attachmentFields = []string{"attatchments", "attachments", "attachment"}

// Client implements the process catalog, instance and entity collaborators.
type Client struct {
	invoker model.OperationInvoker
}

var (
	_ model.ProcessCatalog  = (*Client)(nil)
	_ model.InstanceService = (*Client)(nil)
	_ model.EntityService   = (*Client)(nil)
)

// NewClient returns a client that executes operations through inv.
func NewClient(inv model.OperationInvoker) *Client {
	return &Client{invoker: inv}
}

func (c *Client) call(ctx context.Context, rctx *model.RequestContext, op string, input model.InvocationInput) (model.InvocationResult, error) {
	res, err := c.invoker.Invoke(ctx, rctx, model.OpenAPIBinding(ServiceID, op), input)
	if err != nil {
		return model.InvocationResult{}, err
	}
	if !res.OK() {
		return res, StatusError(op, res)
	}
	return res, nil
}

// ListProcesses returns every process with its instance counts.
func (c *Client) ListProcesses(ctx context.Context, rctx *model.RequestContext) ([]model.ProcessDefinition, error) {
	res, err := c.call(ctx, rctx, OpListProcesses, model.InvocationInput{})
	if err != nil {
		return nil, err
	}
	var defs []model.ProcessDefinition
	if err := decode(res.RawBody, &defs); err != nil {
		return nil, fmt.Errorf("maestro: %s: %w", OpListProcesses, err)
	}
	return defs, nil
}

// cursor decodes a page cursor sent either as a string or as {"value": "..."}.
type cursor string

func (c *cursor) UnmarshalJSON(data []byte) error {
	r := gjson.ParseBytes(data)
	switch {
	case r.Type == gjson.String:
		*c = cursor(r.String())
	case r.IsObject():
		*c = cursor(r.Get("value").String())
	default:
		*c = ""
	}
	return nil
}

type wirePage struct {
	Items          []model.ProcessInstance `json:"items"`
	HasNextPage    bool                    `json:"hasNextPage"`
	NextCursor     cursor                  `json:"nextCursor"`
	PreviousCursor cursor                  `json:"previousCursor"`
	TotalCount     int                     `json:"totalCount"`
	CurrentPage    int                     `json:"currentPage"`
}

// ListInstances returns one page of instances.
func (c *Client) ListInstances(ctx context.Context, rctx *model.RequestContext, q model.InstanceQuery) (model.InstancePage, error) {
	query := map[string]string{}
	if q.PageSize > 0 {
		query["pageSize"] = strconv.Itoa(q.PageSize)
	}
	if q.Cursor != "" {
		query["cursor"] = q.Cursor
	}
	if q.PackageID != "" {
		query["packageId"] = q.PackageID
	}

	res, err := c.call(ctx, rctx, OpListInstances, model.InvocationInput{QueryParams: query})
	if err != nil {
		return model.InstancePage{}, err
	}
	var wp wirePage
	if err := decode(res.RawBody, &wp); err != nil {
		return model.InstancePage{}, fmt.Errorf("maestro: %s: %w", OpListInstances, err)
	}
	return model.InstancePage{
		Items:          wp.Items,
		HasNextPage:    wp.HasNextPage,
		NextCursor:     string(wp.NextCursor),
		PreviousCursor: string(wp.PreviousCursor),
		TotalCount:     wp.TotalCount,
		CurrentPage:    wp.CurrentPage,
	}, nil
}

func instanceInput(instanceID, folderKey string) model.InvocationInput {
	return model.InvocationInput{
		PathParams: map[string]string{"instanceId": instanceID},
		Headers:    map[string]string{FolderKeyHeader: folderKey},
	}
}

// GetVariables returns the executed elements and global variables of an instance.
func (c *Client) GetVariables(ctx context.Context, rctx *model.RequestContext, instanceID, folderKey string) (model.VariablesResponse, error) {
	res, err := c.call(ctx, rctx, OpGetInstanceVariables, instanceInput(instanceID, folderKey))
	if err != nil {
		return model.VariablesResponse{}, err
	}
	var vars model.VariablesResponse
	if err := decode(res.RawBody, &vars); err != nil {
		return model.VariablesResponse{}, fmt.Errorf("maestro: %s: %w", OpGetInstanceVariables, err)
	}
	return vars, nil
}

// GetBpmn returns the BPMN XML of the process version an instance runs.
// The service answers with raw XML or with the XML as a JSON string.
func (c *Client) GetBpmn(ctx context.Context, rctx *model.RequestContext, instanceID, folderKey string) (string, error) {
	input := instanceInput(instanceID, folderKey)
	input.Headers["Accept"] = "application/xml, text/xml, application/json"
	res, err := c.call(ctx, rctx, OpGetInstanceBpmn, input)
	if err != nil {
		return "", err
	}
	if s, ok := res.Body.(string); ok {
		return s, nil
	}
	return string(res.RawBody), nil
}

// GetExecutionHistory returns the execution history of an instance in
// execution order.
func (c *Client) GetExecutionHistory(ctx context.Context, rctx *model.RequestContext, instanceID string) ([]model.ExecutionHistoryEntry, error) {
	res, err := c.call(ctx, rctx, OpGetExecutionHistory, model.InvocationInput{
		PathParams: map[string]string{"instanceId": instanceID},
	})
	if err != nil {
		return nil, err
	}
	var entries []model.ExecutionHistoryEntry
	if err := decode(res.RawBody, &entries); err != nil {
		return nil, fmt.Errorf("maestro: %s: %w", OpGetExecutionHistory, err)
	}
	return entries, nil
}

// CancelInstance asks the service to cancel an instance.
func (c *Client) CancelInstance(ctx context.Context, rctx *model.RequestContext, instanceID, folderKey, comment string) (model.CancelResult, error) {
	input := instanceInput(instanceID, folderKey)
	input.Body = map[string]any{"comment": comment}
	res, err := c.call(ctx, rctx, OpCancelInstance, input)
	if err != nil {
		return model.CancelResult{}, err
	}
	result := model.CancelResult{Success: true, InstanceID: instanceID}
	if len(bytes.TrimSpace(res.RawBody)) > 0 {
		if err := json.Unmarshal(res.RawBody, &result); err != nil {
			return model.CancelResult{}, fmt.Errorf("maestro: %s: %w", OpCancelInstance, err)
		}
	}
	return result, nil
}

// GetEntityRecords reads the records of an entity. Records are taken from
// the "value" array, or "items" when the service wraps them that way.
func (c *Client) GetEntityRecords(ctx context.Context, rctx *model.RequestContext, entityID string, expansionLevel int) ([]model.EntityRecord, error) {
	res, err := c.call(ctx, rctx, OpGetEntityRecords, model.InvocationInput{
		PathParams:  map[string]string{"entityId": entityID},
		QueryParams: map[string]string{"expansionLevel": strconv.Itoa(expansionLevel)},
	})
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(res.RawBody) {
		return nil, fmt.Errorf("maestro: %s: invalid JSON", OpGetEntityRecords)
	}

	doc := gjson.ParseBytes(res.RawBody)
	list := doc.Get("value")
	if !list.IsArray() {
		list = doc.Get("items")
	}
	if !list.IsArray() && doc.IsArray() {
		list = doc
	}

	var records []model.EntityRecord
	for _, r := range list.Array() {
		records = append(records, parseEntityRecord(r))
	}
	return records, nil
}

func parseEntityRecord(r gjson.Result) model.EntityRecord {
	rec := model.EntityRecord{ID: firstString(r, "Id", "id")}
	if fields, ok := r.Value().(map[string]any); ok {
		rec.Fields = fields
	}
	for _, f := range attachmentFields {
		a := r.Get(f)
		if !a.IsObject() {
			continue
		}
		rec.Attachment = &model.EntityAttachment{
			Name: firstString(a, "name", "Name"),
			Path: firstString(a, "path", "Path"),
		}
		break
	}
	return rec
}

func firstString(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() {
			return v.String()
		}
	}
	return ""
}

func decode(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(data, v)
}

// StatusError maps a non-2xx vendor response onto an error envelope.
func StatusError(op string, res model.InvocationResult) *model.ErrorEnvelope {
	msg := fmt.Sprintf("%s failed with status %d", op, res.StatusCode)
	if m := gjson.GetBytes(res.RawBody, "message"); m.Exists() && m.String() != "" {
		msg += ": " + m.String()
	}
	switch {
	case res.StatusCode == http.StatusUnauthorized:
		return model.NewUnauthorizedError(msg)
	case res.StatusCode == http.StatusForbidden:
		return model.NewForbiddenError(msg)
	case res.StatusCode == http.StatusNotFound:
		return model.NewNotFoundError(msg)
	case res.StatusCode == http.StatusTooManyRequests:
		env := model.NewRateLimitedError()
		if secs, err := strconv.Atoi(res.Headers["Retry-After"]); err == nil && secs > 0 {
			env.RetryAfter = time.Duration(secs) * time.Second
		}
		return env
	case res.StatusCode >= 500:
		env := model.NewBackendUnavailableError()
		env.Message = msg
		return env
	default:
		return model.NewBadRequestError(msg)
	}
}
