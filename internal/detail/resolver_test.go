package detail

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl0ve/uipath-process-app-training/internal/observability"
	"github.com/rl0ve/uipath-process-app-training/model"
)

var errVendor = errors.New("vendor exploded")

// fakeVendor implements the instance and entity collaborators with
// per-call hooks. A nil hook answers with the zero value.
type fakeVendor struct {
	variables func(id string) (model.VariablesResponse, error)
	bpmn      func(id string) (string, error)
	history   func(id string) ([]model.ExecutionHistoryEntry, error)
	records   func(entityID string, level int) ([]model.EntityRecord, error)
	calls     atomic.Int32
}

func (f *fakeVendor) ListInstances(context.Context, *model.RequestContext, model.InstanceQuery) (model.InstancePage, error) {
	return model.InstancePage{}, nil
}

func (f *fakeVendor) GetVariables(_ context.Context, _ *model.RequestContext, id, _ string) (model.VariablesResponse, error) {
	f.calls.Add(1)
	if f.variables == nil {
		return model.VariablesResponse{}, nil
	}
	return f.variables(id)
}

func (f *fakeVendor) GetBpmn(_ context.Context, _ *model.RequestContext, id, _ string) (string, error) {
	f.calls.Add(1)
	if f.bpmn == nil {
		return "", nil
	}
	return f.bpmn(id)
}

func (f *fakeVendor) GetExecutionHistory(_ context.Context, _ *model.RequestContext, id string) ([]model.ExecutionHistoryEntry, error) {
	f.calls.Add(1)
	if f.history == nil {
		return nil, nil
	}
	return f.history(id)
}

func (f *fakeVendor) CancelInstance(context.Context, *model.RequestContext, string, string, string) (model.CancelResult, error) {
	return model.CancelResult{}, nil
}

func (f *fakeVendor) GetEntityRecords(_ context.Context, _ *model.RequestContext, entityID string, level int) ([]model.EntityRecord, error) {
	f.calls.Add(1)
	if f.records == nil {
		return nil, nil
	}
	return f.records(entityID, level)
}

const (
	taskLink  = "https://host/org/tenant/actions/x/tasks/99"
	userTaskB = `<bpmn:definitions><bpmn:userTask id="elem1" name="Approve"/></bpmn:definitions>`
)

var rctx = &model.RequestContext{SessionID: "s-1", Token: "tok", OrgName: "org", TenantName: "tenant"}

func instance(id string) model.ProcessInstance {
	return model.ProcessInstance{
		InstanceID:      id,
		FolderKey:       "f-1",
		PackageID:       "Invoice.Approval",
		LatestRunStatus: "Running",
		StartedByUser:   "ada@example.com",
		StartedTime:     time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC),
	}
}

func variablesWith(elementID string, vars ...model.InstanceVariable) func(string) (model.VariablesResponse, error) {
	return func(string) (model.VariablesResponse, error) {
		return model.VariablesResponse{
			Elements:        []model.ElementState{{ElementID: "Start"}, {ElementID: elementID}},
			GlobalVariables: vars,
		}, nil
	}
}

func linkHistory(elementID, link string) func(string) ([]model.ExecutionHistoryEntry, error) {
	return func(string) ([]model.ExecutionHistoryEntry, error) {
		attrs, _ := json.Marshal(map[string]string{"elementId": elementID, "actionCenterTaskLink": link})
		return []model.ExecutionHistoryEntry{
			{ID: "h0", Attributes: json.RawMessage(`{"elementId":"Start"}`)},
			{ID: "h1", Attributes: attrs},
		}, nil
	}
}

func TestResolve_userTaskWithLink(t *testing.T) {
	vendor := &fakeVendor{
		variables: variablesWith("elem1", model.InstanceVariable{Name: "x", Value: model.StringValue("5"), Type: "int32", Source: "Input"}),
		bpmn:      func(string) (string, error) { return userTaskB, nil },
		history:   linkHistory("elem1", taskLink),
	}
	r := NewResolver(vendor, nil, Options{})

	d := r.Resolve(context.Background(), rctx, instance("i-1"))

	assert.Equal(t, "i-1", d.InstanceID)
	assert.Equal(t, "ada@example.com", d.Requestor)
	assert.Equal(t, model.NotCompleted, d.EndDate)
	assert.Equal(t, "user Task", d.ActivityType)
	assert.Equal(t, taskLink, d.TaskLink)
	assert.Equal(t, "https://host/embed_/org/tenant/actions_/current-task/tasks/99", d.EmbedTaskLink)
	assert.Equal(t, map[string][]model.DisplayVariable{"Input": {{Name: "x", Value: "5", Type: "int32"}}}, d.Variables)
	assert.False(t, d.Loading)
	assert.Empty(t, d.Error)
	assert.Nil(t, d.Attachment)
	assert.False(t, d.AttachmentsConfigured)
}

func TestResolve_bpmnFailureKeepsVariables(t *testing.T) {
	vendor := &fakeVendor{
		variables: variablesWith("elem1", model.InstanceVariable{Name: "x", Value: model.NumberValue(5), Type: "number", Source: "Input"}),
		bpmn:      func(string) (string, error) { return userTaskB, errVendor },
		history:   linkHistory("elem1", taskLink),
	}
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	r := NewResolver(vendor, nil, Options{Metrics: metrics})

	d := r.Resolve(context.Background(), rctx, instance("i-1"))

	assert.Equal(t, model.UnknownActivity, d.ActivityType)
	assert.Empty(t, d.TaskLink)
	assert.Empty(t, d.EmbedTaskLink)
	assert.Len(t, d.Variables["Input"], 1)
	assert.Empty(t, d.Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DetailSubfetchTotal.WithLabelValues(FetchBPMN, "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DetailResolutionsTotal.WithLabelValues(OutcomePartial)))
}

func TestResolve_everySubfetchFails(t *testing.T) {
	vendor := &fakeVendor{
		variables: func(string) (model.VariablesResponse, error) { return model.VariablesResponse{}, errVendor },
		bpmn:      func(string) (string, error) { return "", errVendor },
		history:   func(string) ([]model.ExecutionHistoryEntry, error) { return nil, errVendor },
		records:   func(string, int) ([]model.EntityRecord, error) { return nil, errVendor },
	}
	r := NewResolver(vendor, vendor, Options{EntityID: "e-1"})

	d := r.Resolve(context.Background(), rctx, instance("i-1"))

	assert.Nil(t, d.Variables)
	assert.Equal(t, model.UnknownActivity, d.ActivityType)
	assert.Nil(t, d.Attachment)
	assert.True(t, d.AttachmentsConfigured)
	assert.Empty(t, d.Error, "sub-fetch failures are never surfaced as an error")
	assert.Equal(t, "ada@example.com", d.Requestor)
}

func TestResolve_taskLinkOnlyForUserTasks(t *testing.T) {
	tests := []struct {
		name     string
		bpmn     string
		elemID   string
		history  func(string) ([]model.ExecutionHistoryEntry, error)
		wantType string
		wantLink string
	}{
		{
			name:     "service task with matching history",
			bpmn:     `<bpmn:serviceTask id="elem1"/>`,
			elemID:   "elem1",
			history:  linkHistory("elem1", taskLink),
			wantType: "service Task",
		},
		{
			name:     "user task without matching history",
			bpmn:     userTaskB,
			elemID:   "elem1",
			history:  linkHistory("other", taskLink),
			wantType: "user Task",
		},
		{
			name:     "user task with empty history",
			bpmn:     userTaskB,
			elemID:   "elem1",
			history:  func(string) ([]model.ExecutionHistoryEntry, error) { return nil, nil },
			wantType: "user Task",
		},
		{
			name:     "no element id",
			bpmn:     userTaskB,
			elemID:   "",
			history:  linkHistory("", taskLink),
			wantType: model.UnknownActivity,
		},
		{
			name:     "user task with matching history",
			bpmn:     `<bpmn:UserTask id="elem1"/>`,
			elemID:   "elem1",
			history:  linkHistory("elem1", taskLink),
			wantType: "User Task",
			wantLink: taskLink,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bpmn := tt.bpmn
			vendor := &fakeVendor{
				variables: variablesWith(tt.elemID),
				bpmn:      func(string) (string, error) { return bpmn, nil },
				history:   tt.history,
			}
			d := NewResolver(vendor, nil, Options{}).Resolve(context.Background(), rctx, instance("i-1"))
			assert.Equal(t, tt.wantType, d.ActivityType)
			assert.Equal(t, tt.wantLink, d.TaskLink)
		})
	}
}

func TestResolve_attachment(t *testing.T) {
	var gotEntity string
	var gotLevel int
	vendor := &fakeVendor{
		records: func(entityID string, level int) ([]model.EntityRecord, error) {
			gotEntity, gotLevel = entityID, level
			return []model.EntityRecord{
				{ID: "r1"},
				{ID: "r2", Attachment: &model.EntityAttachment{Name: "invoice.pdf", Path: "https://files/invoice.pdf"}},
			}, nil
		},
	}
	d := NewResolver(vendor, vendor, Options{EntityID: "e-1"}).Resolve(context.Background(), rctx, instance("i-1"))

	require.NotNil(t, d.Attachment)
	assert.Equal(t, model.Attachment{Name: "invoice.pdf", URL: "https://files/invoice.pdf"}, *d.Attachment)
	assert.Equal(t, "e-1", gotEntity)
	assert.Equal(t, EntityExpansionLevel, gotLevel)
}

func TestResolve_noEntityConfigured(t *testing.T) {
	vendor := &fakeVendor{
		records: func(string, int) ([]model.EntityRecord, error) {
			t.Error("entity records must not be read without an entity id")
			return nil, nil
		},
	}
	d := NewResolver(vendor, vendor, Options{}).Resolve(context.Background(), rctx, instance("i-1"))
	assert.Nil(t, d.Attachment)
	assert.False(t, d.AttachmentsConfigured)
}

func TestResolve_completedInstance(t *testing.T) {
	inst := instance("i-1")
	done := time.Date(2026, 10, 2, 9, 30, 0, 0, time.UTC)
	inst.CompletedTime = &done

	d := NewResolver(&fakeVendor{}, nil, Options{}).Resolve(context.Background(), rctx, inst)
	assert.Equal(t, "2026-10-02T09:30:00Z", d.EndDate)
}

func TestResolve_structuralErrors(t *testing.T) {
	noFolder := instance("i-1")
	noFolder.FolderKey = ""

	tests := []struct {
		name string
		rctx *model.RequestContext
		inst model.ProcessInstance
	}{
		{"missing instance id", rctx, instance("")},
		{"missing folder key", rctx, noFolder},
		{"missing session", nil, instance("i-1")},
		{"missing token", &model.RequestContext{SessionID: "s"}, instance("i-1")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vendor := &fakeVendor{}
			d := NewResolver(vendor, vendor, Options{EntityID: "e-1"}).Resolve(context.Background(), tt.rctx, tt.inst)
			assert.NotEmpty(t, d.Error)
			assert.False(t, d.Loading)
			assert.Equal(t, int32(0), vendor.calls.Load(), "no fetch may be issued")
		})
	}
}

func TestResolve_fetchesRunConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	gate := make(chan struct{})
	enter := func() {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		if n == 4 {
			close(gate)
		}
		select {
		case <-gate:
		case <-time.After(2 * time.Second):
		}
		inFlight.Add(-1)
	}
	vendor := &fakeVendor{
		variables: func(string) (model.VariablesResponse, error) { enter(); return model.VariablesResponse{}, nil },
		bpmn:      func(string) (string, error) { enter(); return "", nil },
		history:   func(string) ([]model.ExecutionHistoryEntry, error) { enter(); return nil, nil },
		records:   func(string, int) ([]model.EntityRecord, error) { enter(); return nil, nil },
	}

	NewResolver(vendor, vendor, Options{EntityID: "e-1"}).Resolve(context.Background(), rctx, instance("i-1"))
	assert.Equal(t, int32(4), peak.Load())
}
