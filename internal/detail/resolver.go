// Package detail resolves the detail pane of a process instance from
// several independent vendor fetches and tracks the active selection of a
// session.
package detail

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rl0ve/uipath-process-app-training/internal/format"
	"github.com/rl0ve/uipath-process-app-training/internal/observability"
	"github.com/rl0ve/uipath-process-app-training/model"
)

// EntityExpansionLevel is the expansion level used when reading attachment
// records.
const EntityExpansionLevel = 2

// Sub-fetch names used in logs, spans and metrics.
const (
	FetchVariables  = "variables"
	FetchBPMN       = "bpmn"
	FetchHistory    = "history"
	FetchAttachment = "attachment"
)

// Resolution outcomes.
const (
	OutcomeComplete = "complete"
	OutcomePartial  = "partial"
	OutcomeInvalid  = "invalid"
)

// Options configures a Resolver.
type Options struct {
	// EntityID names the entity holding attachments. Empty disables the
	// attachment fetch.
	EntityID string
	// Timeout bounds one resolution. Zero means no bound beyond ctx.
	Timeout time.Duration
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Resolver builds InstanceDetail values.
type Resolver struct {
	instances model.InstanceService
	entities  model.EntityService
	opts      Options
	logger    *zap.Logger
}

// NewResolver returns a resolver over the given collaborators. entities may
// be nil when no entity id is configured.
func NewResolver(instances model.InstanceService, entities model.EntityService, opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		instances: instances,
		entities:  entities,
		opts:      opts,
		logger:    logger.Named("detail"),
	}
}

// AttachmentsConfigured reports whether attachments are looked up.
func (r *Resolver) AttachmentsConfigured() bool {
	return r.opts.EntityID != "" && r.entities != nil
}

// fetched collects the raw sub-fetch results. Each field is written by
// exactly one goroutine of the group.
type fetched struct {
	vars       *model.VariablesResponse
	bpmn       string
	history    []model.ExecutionHistoryEntry
	attachment *model.Attachment
	failed     [4]bool
}

// Resolve builds the detail of inst. It never fails: sub-fetch errors are
// logged and leave their part of the detail empty, and a structural problem
// with the input is reported in the Error field without any fetch.
func (r *Resolver) Resolve(ctx context.Context, rctx *model.RequestContext, inst model.ProcessInstance) model.InstanceDetail {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "detail.resolve",
		observability.AttrInstanceID.String(inst.InstanceID),
		observability.AttrFolderKey.String(inst.FolderKey),
	)
	defer span.End()

	out := model.InstanceDetail{
		InstanceID:            inst.InstanceID,
		AttachmentsConfigured: r.AttachmentsConfigured(),
	}
	if err := validateInput(rctx, inst); err != nil {
		out.Error = err.Message
		span.SetStatus(codes.Error, err.Message)
		r.opts.Metrics.RecordDetailResolution(OutcomeInvalid, time.Since(start))
		return out
	}

	out.Requestor = inst.StartedByUser
	out.EndDate = model.NotCompleted
	if inst.CompletedTime != nil {
		out.EndDate = inst.CompletedTime.Format(time.RFC3339)
	}

	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}
	logger := observability.RequestLogger(ctx, r.logger).With(zap.String("instance_id", inst.InstanceID))

	f := r.fetchAll(ctx, rctx, inst, logger)

	if f.vars != nil {
		out.Variables = GroupVariables(f.vars.GlobalVariables)
	}
	elementID := ""
	if f.vars != nil {
		elementID = f.vars.CurrentElementID()
	}
	out.ActivityType = ResolveActivityType(f.bpmn, elementID)
	if IsUserTask(out.ActivityType) && len(f.history) > 0 {
		if link, ok := FindTaskLink(f.history, elementID); ok {
			out.TaskLink = link
		}
	}
	if out.TaskLink != "" {
		out.EmbedTaskLink = format.EmbedTaskURL(out.TaskLink)
	}
	out.Attachment = f.attachment

	outcome := OutcomeComplete
	for _, failed := range f.failed {
		if failed {
			outcome = OutcomePartial
			break
		}
	}
	r.opts.Metrics.RecordDetailResolution(outcome, time.Since(start))
	logger.Debug("detail resolved",
		zap.String("outcome", outcome),
		zap.String("activity_type", out.ActivityType),
		zap.Bool("task_link", out.TaskLink != ""),
		zap.Duration("duration", time.Since(start)),
	)
	return out
}

func validateInput(rctx *model.RequestContext, inst model.ProcessInstance) *model.ErrorEnvelope {
	switch {
	case inst.InstanceID == "":
		return model.NewInvalidInstanceError("instance id is required")
	case inst.FolderKey == "":
		return model.NewInvalidInstanceError("folder key is required")
	case !rctx.Authenticated():
		return model.NewInvalidInstanceError("an authenticated session is required")
	}
	return nil
}

// fetchAll runs every sub-fetch concurrently and waits for all of them.
// No task returns an error, so the group never cancels its siblings.
func (r *Resolver) fetchAll(ctx context.Context, rctx *model.RequestContext, inst model.ProcessInstance, logger *zap.Logger) *fetched {
	f := &fetched{}
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		f.failed[0] = !r.track(gCtx, logger, FetchVariables, func(ctx context.Context) error {
			vars, err := r.instances.GetVariables(ctx, rctx, inst.InstanceID, inst.FolderKey)
			if err == nil {
				f.vars = &vars
			}
			return err
		})
		return nil
	})
	g.Go(func() error {
		f.failed[1] = !r.track(gCtx, logger, FetchBPMN, func(ctx context.Context) error {
			bpmn, err := r.instances.GetBpmn(ctx, rctx, inst.InstanceID, inst.FolderKey)
			f.bpmn = bpmn
			return err
		})
		return nil
	})
	g.Go(func() error {
		f.failed[2] = !r.track(gCtx, logger, FetchHistory, func(ctx context.Context) error {
			history, err := r.instances.GetExecutionHistory(ctx, rctx, inst.InstanceID)
			f.history = history
			return err
		})
		return nil
	})
	if r.AttachmentsConfigured() {
		g.Go(func() error {
			f.failed[3] = !r.track(gCtx, logger, FetchAttachment, func(ctx context.Context) error {
				records, err := r.entities.GetEntityRecords(ctx, rctx, r.opts.EntityID, EntityExpansionLevel)
				f.attachment = FirstAttachment(records)
				return err
			})
			return nil
		})
	}

	_ = g.Wait()
	if f.failed[1] {
		f.bpmn = ""
	}
	if f.failed[2] {
		f.history = nil
	}
	if f.failed[3] {
		f.attachment = nil
	}
	return f
}

// track runs one sub-fetch in its own span, records its outcome and
// reports whether it succeeded. Failures are logged, never returned.
func (r *Resolver) track(ctx context.Context, logger *zap.Logger, fetch string, fn func(context.Context) error) bool {
	ctx, span := observability.StartSpan(ctx, "detail.fetch."+fetch, observability.AttrFetch.String(fetch))
	err := fn(ctx)
	observability.EndSpanWithError(span, err)

	if err == nil {
		r.opts.Metrics.RecordDetailSubfetch(fetch, "ok")
		return true
	}
	r.opts.Metrics.RecordDetailSubfetch(fetch, "error")
	logger.Warn("detail sub-fetch failed", zap.String("fetch", fetch), zap.Error(err))
	return false
}

// FirstAttachment returns the attachment of the first record that exposes
// a non-empty one.
func FirstAttachment(records []model.EntityRecord) *model.Attachment {
	for _, rec := range records {
		a := rec.Attachment
		if a == nil || (a.Name == "" && a.Path == "") {
			continue
		}
		return &model.Attachment{Name: a.Name, URL: a.Path}
	}
	return nil
}
