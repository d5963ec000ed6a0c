// Package dashboard holds the per-session list state of the monitor: the
// process filter, cursor pagination over instances, the process overview,
// and the cancel action.
package dashboard

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rl0ve/uipath-process-app-training/internal/detail"
	"github.com/rl0ve/uipath-process-app-training/internal/observability"
	"github.com/rl0ve/uipath-process-app-training/model"
)

// FilterAll selects instances of every process.
const FilterAll = "all"

// Page fetch directions used in metrics.
const (
	DirectionFirst    = "first"
	DirectionNext     = "next"
	DirectionPrevious = "previous"
	DirectionRefresh  = "refresh"
)

// Cancel outcomes used in metrics.
const (
	CancelOK         = "ok"
	CancelRejected   = "rejected"
	CancelNotAllowed = "not_allowed"
	CancelFailed     = "error"
	CancelReplayed   = "replayed"
)

// Options configures a Browser.
type Options struct {
	PageSize       int
	CancelComment  string
	IdempotencyTTL time.Duration
	Idempotency    IdempotencyStore
	Metrics        *observability.Metrics
	Logger         *zap.Logger
	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// State is a snapshot of the instance list of one session.
type State struct {
	Filter          string                  `json:"filter"`
	Items           []model.ProcessInstance `json:"items"`
	HasNextPage     bool                    `json:"hasNextPage"`
	HasPreviousPage bool                    `json:"hasPreviousPage"`
	CurrentPage     int                     `json:"currentPage"`
	TotalPages      int                     `json:"totalPages,omitempty"`
	TotalCount      int                     `json:"totalCount,omitempty"`
	PageSize        int                     `json:"pageSize"`
	Loaded          bool                    `json:"loaded"`
	Error           *model.ErrorEnvelope    `json:"error,omitempty"`
}

// Stats summarises the first unfiltered instance page.
type Stats struct {
	TotalProcesses   int `json:"totalProcesses"`
	RunningInstances int `json:"runningInstances"`
	CompletedToday   int `json:"completedToday"`
	FailedToday      int `json:"failedToday"`
}

// Overview is the process list with its summary counters.
type Overview struct {
	Processes []model.ProcessDefinition `json:"processes"`
	Stats     Stats                     `json:"stats"`
}

// Browser is the instance list of one session. Page fetches are tagged with
// a generation and only the most recent one writes the state.
type Browser struct {
	catalog   model.ProcessCatalog
	instances model.InstanceService
	selection *detail.Selection
	opts      Options
	logger    *zap.Logger

	mu         sync.Mutex
	gen        uint64
	filter     string
	cursor     string
	page       model.InstancePage
	pageNum    int
	totalCount int
	loaded     bool
	err        *model.ErrorEnvelope
}

// NewBrowser returns a browser showing every process. selection may be nil;
// when set, cancelling the selected instance clears it.
func NewBrowser(catalog model.ProcessCatalog, instances model.InstanceService, selection *detail.Selection, opts Options) *Browser {
	if opts.PageSize < 1 {
		opts.PageSize = 25
	}
	if opts.CancelComment == "" {
		opts.CancelComment = "Cancelled from UI"
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{
		catalog:   catalog,
		instances: instances,
		selection: selection,
		opts:      opts,
		logger:    logger.Named("dashboard"),
		filter:    FilterAll,
		pageNum:   1,
	}
}

// State returns a snapshot of the list.
func (b *Browser) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

func (b *Browser) stateLocked() State {
	s := State{
		Filter:          b.filter,
		Items:           slices.Clone(b.page.Items),
		HasNextPage:     b.page.HasNextPage && b.page.NextCursor != "",
		HasPreviousPage: b.page.HasPreviousPage(),
		CurrentPage:     b.pageNum,
		TotalCount:      b.totalCount,
		PageSize:        b.opts.PageSize,
		Loaded:          b.loaded,
		Error:           b.err,
	}
	if b.totalCount > 0 {
		s.TotalPages = (b.totalCount + b.opts.PageSize - 1) / b.opts.PageSize
	}
	return s
}

// Load fetches the first page unless a page has been loaded already.
func (b *Browser) Load(ctx context.Context, rctx *model.RequestContext) State {
	b.mu.Lock()
	loaded := b.loaded
	b.mu.Unlock()
	if loaded {
		return b.State()
	}
	return b.fetch(ctx, rctx, "", 1, DirectionFirst, nil)
}

// SetFilter selects a process by package id, or every process for "all" or
// "", and loads the first page.
func (b *Browser) SetFilter(ctx context.Context, rctx *model.RequestContext, packageID string) State {
	packageID = strings.TrimSpace(packageID)
	if packageID == "" {
		packageID = FilterAll
	}
	return b.fetch(ctx, rctx, "", 1, DirectionFirst, func() {
		b.filter = packageID
		b.cursor = ""
		b.page = model.InstancePage{}
		b.pageNum = 1
		b.totalCount = 0
	})
}

// Next loads the following page. It is a no-op without a next cursor.
func (b *Browser) Next(ctx context.Context, rctx *model.RequestContext) State {
	b.mu.Lock()
	if !b.page.HasNextPage || b.page.NextCursor == "" {
		defer b.mu.Unlock()
		return b.stateLocked()
	}
	cursor, pageNum := b.page.NextCursor, b.pageNum+1
	b.mu.Unlock()
	return b.fetch(ctx, rctx, cursor, pageNum, DirectionNext, nil)
}

// Previous loads the preceding page. It is a no-op without a previous cursor.
func (b *Browser) Previous(ctx context.Context, rctx *model.RequestContext) State {
	b.mu.Lock()
	if !b.page.HasPreviousPage() {
		defer b.mu.Unlock()
		return b.stateLocked()
	}
	cursor, pageNum := b.page.PreviousCursor, max(b.pageNum-1, 1)
	b.mu.Unlock()
	return b.fetch(ctx, rctx, cursor, pageNum, DirectionPrevious, nil)
}

// Refresh reloads the process overview and the current page.
func (b *Browser) Refresh(ctx context.Context, rctx *model.RequestContext) (Overview, State, error) {
	b.mu.Lock()
	cursor, pageNum := b.cursor, b.pageNum
	b.mu.Unlock()

	var (
		overview Overview
		state    State
	)
	g := new(errgroup.Group)
	g.Go(func() error {
		var err error
		overview, err = b.Overview(ctx, rctx)
		return err
	})
	g.Go(func() error {
		state = b.fetch(ctx, rctx, cursor, pageNum, DirectionRefresh, nil)
		return nil
	})
	err := g.Wait()
	return overview, state, err
}

// fetch loads one page. prepare runs under the lock before the generation is
// taken and may reset state. A result whose generation has been superseded
// is dropped and the current state returned.
func (b *Browser) fetch(ctx context.Context, rctx *model.RequestContext, cursor string, pageNum int, direction string, prepare func()) State {
	b.mu.Lock()
	if prepare != nil {
		prepare()
	}
	b.gen++
	gen := b.gen
	q := model.InstanceQuery{PageSize: b.opts.PageSize, Cursor: cursor}
	if b.filter != FilterAll {
		q.PackageID = b.filter
	}
	b.mu.Unlock()

	ctx, span := observability.StartSpan(ctx, "dashboard.page."+direction,
		observability.AttrGeneration.Int64(int64(gen)),
	)
	page, err := b.instances.ListInstances(ctx, rctx, q)
	observability.EndSpanWithError(span, err)

	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		b.opts.Metrics.RecordPageStaleDiscard()
		b.logger.Debug("discarded stale page",
			zap.String("direction", direction),
			zap.Uint64("generation", gen),
			zap.Uint64("current_generation", b.gen),
		)
		return b.stateLocked()
	}

	b.loaded = true
	if err != nil {
		b.opts.Metrics.RecordPageFetch(direction, "error")
		b.err = listingError(err)
		b.page.Items = nil
		observability.RequestLogger(ctx, b.logger).Warn("instance listing failed",
			zap.String("direction", direction),
			zap.String("filter", b.filter),
			zap.Error(err),
		)
		return b.stateLocked()
	}

	b.opts.Metrics.RecordPageFetch(direction, "ok")
	b.err = nil
	b.cursor = cursor
	b.page = page
	b.pageNum = pageNum
	if page.CurrentPage > 0 {
		b.pageNum = page.CurrentPage
	}
	if page.TotalCount > 0 {
		b.totalCount = page.TotalCount
	}
	return b.stateLocked()
}

func listingError(err error) *model.ErrorEnvelope {
	if env, ok := model.AsEnvelope(err); ok {
		return env
	}
	env := model.NewBackendUnavailableError().WithCause(err)
	env.Message = "Failed to load instances"
	return env
}

// Overview lists the processes, most faulted first, and computes the summary
// counters from the first unfiltered instance page.
func (b *Browser) Overview(ctx context.Context, rctx *model.RequestContext) (Overview, error) {
	var (
		processes []model.ProcessDefinition
		page      model.InstancePage
	)
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		processes, err = b.catalog.ListProcesses(gCtx, rctx)
		if err != nil {
			return fmt.Errorf("list processes: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		page, err = b.instances.ListInstances(gCtx, rctx, model.InstanceQuery{PageSize: b.opts.PageSize})
		if err != nil {
			return fmt.Errorf("list instances: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Overview{}, err
	}

	SortProcesses(processes)
	return Overview{
		Processes: processes,
		Stats:     ComputeStats(processes, page.Items, b.opts.Now()),
	}, nil
}

// SortProcesses orders definitions by faulted count, then total, both
// descending. Ties keep their order.
func SortProcesses(defs []model.ProcessDefinition) {
	slices.SortStableFunc(defs, func(a, b model.ProcessDefinition) int {
		if a.FaultedCount != b.FaultedCount {
			return b.FaultedCount - a.FaultedCount
		}
		return b.Total() - a.Total()
	})
}

// ComputeStats counts running instances and the instances started since
// local midnight of now that completed or failed.
func ComputeStats(defs []model.ProcessDefinition, items []model.ProcessInstance, now time.Time) Stats {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	s := Stats{TotalProcesses: len(defs)}
	for _, inst := range items {
		if model.StatusIs(inst.LatestRunStatus, model.StatusRunning, model.StatusInProgress) {
			s.RunningInstances++
		}
		if inst.StartedTime.Before(midnight) {
			continue
		}
		switch {
		case model.StatusIs(inst.LatestRunStatus, model.StatusCompleted, model.StatusSuccessful):
			s.CompletedToday++
		case model.StatusIs(inst.LatestRunStatus, model.StatusFailed, model.StatusFaulted):
			s.FailedToday++
		}
	}
	return s
}

// Cancel cancels a faulted instance that is on the current page or is the
// selected one. A successful cancel reloads the current page and clears the
// selection when it pointed at the instance. On error nothing is changed.
// A non-empty idempotency key replays the stored result of an earlier call.
func (b *Browser) Cancel(ctx context.Context, rctx *model.RequestContext, instanceID, comment, idempotencyKey string) (model.CancelResult, error) {
	ctx, span := observability.StartSpan(ctx, "dashboard.cancel", observability.AttrInstanceID.String(instanceID))
	res, outcome, err := b.cancel(ctx, rctx, instanceID, comment, idempotencyKey)
	observability.EndSpanWithError(span, err)
	b.opts.Metrics.RecordCancel(outcome)

	logger := observability.RequestLogger(ctx, b.logger).With(zap.String("instance_id", instanceID))
	if err != nil {
		logger.Warn("cancel failed", zap.String("outcome", outcome), zap.Error(err))
	} else {
		logger.Info("cancel processed", zap.String("outcome", outcome), zap.Bool("success", res.Success))
	}
	return res, err
}

func (b *Browser) cancel(ctx context.Context, rctx *model.RequestContext, instanceID, comment, idempotencyKey string) (model.CancelResult, string, error) {
	// A replay is answered before the listing checks: after a successful
	// cancel the refreshed page no longer shows the instance as faulted.
	var storeKey string
	if idempotencyKey != "" && b.opts.Idempotency != nil && rctx != nil {
		storeKey = FormatIdempotencyKey(rctx.SessionID, idempotencyKey)
		prev, found, err := b.opts.Idempotency.Check(ctx, storeKey, instanceID)
		if err != nil {
			return model.CancelResult{}, CancelFailed, err
		}
		if found {
			return *prev, CancelReplayed, nil
		}
	}

	inst, ok := b.lookup(instanceID)
	if !ok {
		return model.CancelResult{}, CancelNotAllowed, model.NewNotFoundError(fmt.Sprintf("instance %q is not listed", instanceID))
	}
	if !inst.IsFaulted() {
		return model.CancelResult{}, CancelNotAllowed, model.NewCancelNotAllowedError(
			fmt.Sprintf("only faulted instances can be cancelled, %q is %s", instanceID, inst.LatestRunStatus))
	}

	if strings.TrimSpace(comment) == "" {
		comment = b.opts.CancelComment
	}
	res, err := b.instances.CancelInstance(ctx, rctx, inst.InstanceID, inst.FolderKey, comment)
	if err != nil {
		return model.CancelResult{}, CancelFailed, err
	}
	if res.InstanceID == "" {
		res.InstanceID = instanceID
	}

	if storeKey != "" {
		if err := b.opts.Idempotency.Store(ctx, storeKey, instanceID, res, b.opts.IdempotencyTTL); err != nil {
			b.logger.Error("storing idempotency key failed", zap.String("key", storeKey), zap.Error(err))
		}
	}
	if !res.Success {
		return res, CancelRejected, nil
	}

	if b.selection != nil {
		if sel, ok := b.selection.Instance(); ok && sel.InstanceID == instanceID {
			b.selection.Clear()
		}
	}
	b.mu.Lock()
	cursor, pageNum := b.cursor, b.pageNum
	b.mu.Unlock()
	b.fetch(ctx, rctx, cursor, pageNum, DirectionRefresh, nil)
	return res, CancelOK, nil
}

// Lookup finds an instance on the current page or in the selection.
func (b *Browser) Lookup(instanceID string) (model.ProcessInstance, bool) {
	return b.lookup(instanceID)
}

func (b *Browser) lookup(instanceID string) (model.ProcessInstance, bool) {
	b.mu.Lock()
	for _, inst := range b.page.Items {
		if inst.InstanceID == instanceID {
			b.mu.Unlock()
			return inst, true
		}
	}
	b.mu.Unlock()

	if b.selection != nil {
		if sel, ok := b.selection.Instance(); ok && sel.InstanceID == instanceID {
			return sel, true
		}
	}
	return model.ProcessInstance{}, false
}
