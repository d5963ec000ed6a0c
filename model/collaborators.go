package model

import "context"

// ProcessCatalog lists the processes visible to the session.
type ProcessCatalog interface {
	ListProcesses(ctx context.Context, rctx *RequestContext) ([]ProcessDefinition, error)
}

// InstanceService reads and controls process instances.
type InstanceService interface {
	ListInstances(ctx context.Context, rctx *RequestContext, q InstanceQuery) (InstancePage, error)
	GetVariables(ctx context.Context, rctx *RequestContext, instanceID, folderKey string) (VariablesResponse, error)
	GetBpmn(ctx context.Context, rctx *RequestContext, instanceID, folderKey string) (string, error)
	GetExecutionHistory(ctx context.Context, rctx *RequestContext, instanceID string) ([]ExecutionHistoryEntry, error)
	CancelInstance(ctx context.Context, rctx *RequestContext, instanceID, folderKey, comment string) (CancelResult, error)
}

// EntityService reads entity records.
type EntityService interface {
	GetEntityRecords(ctx context.Context, rctx *RequestContext, entityID string, expansionLevel int) ([]EntityRecord, error)
}
