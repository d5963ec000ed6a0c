package maestro

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/rl0ve/uipath-process-app-training/internal/observability"
	"github.com/rl0ve/uipath-process-app-training/model"
)

// CachingInstances caches BPMN documents of an InstanceService. Entries are
// never invalidated, only expired. Every other call passes through.
type CachingInstances struct {
	model.InstanceService
	bpmn    *expirable.LRU[string, string]
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewCachingInstances wraps next with a BPMN cache of at most size entries
// living for ttl. metrics and logger may be nil.
func NewCachingInstances(next model.InstanceService, size int, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) *CachingInstances {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachingInstances{
		InstanceService: next,
		bpmn:            expirable.NewLRU[string, string](size, nil, ttl),
		metrics:         metrics,
		logger:          logger,
	}
}

// bpmnKey scopes entries to the user, so a document is only served to a
// caller the vendor already authorized for it.
func bpmnKey(rctx *model.RequestContext, instanceID string) string {
	var subject string
	if rctx != nil {
		subject = rctx.SubjectID
	}
	return rctx.TenantKey() + "/" + subject + "/" + instanceID
}

// GetBpmn returns the cached BPMN or fetches and caches it. Failures are
// not cached.
func (c *CachingInstances) GetBpmn(ctx context.Context, rctx *model.RequestContext, instanceID, folderKey string) (string, error) {
	key := bpmnKey(rctx, instanceID)
	if xml, ok := c.bpmn.Get(key); ok {
		c.metrics.RecordBPMNCacheHit()
		c.logger.Debug("bpmn cache hit", zap.String("instance_id", instanceID))
		return xml, nil
	}
	c.metrics.RecordBPMNCacheMiss()

	xml, err := c.InstanceService.GetBpmn(ctx, rctx, instanceID, folderKey)
	if err != nil {
		return "", err
	}
	c.bpmn.Add(key, xml)
	c.logger.Debug("bpmn cached", zap.String("instance_id", instanceID), zap.Int("bytes", len(xml)))
	return xml, nil
}

// Purge drops every cached document.
func (c *CachingInstances) Purge() {
	c.bpmn.Purge()
}

// Len returns the number of cached documents.
func (c *CachingInstances) Len() int {
	return c.bpmn.Len()
}
