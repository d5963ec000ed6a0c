package detail

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/rl0ve/uipath-process-app-training/internal/observability"
	"github.com/rl0ve/uipath-process-app-training/model"
)

// DetailResolver resolves the detail of one instance.
type DetailResolver interface {
	Resolve(ctx context.Context, rctx *model.RequestContext, inst model.ProcessInstance) model.InstanceDetail
}

// Selection holds the single active detail of a session. Every Select starts
// a new generation; a resolution publishes only while its generation is
// still current, so a late result for an earlier selection is dropped.
type Selection struct {
	resolver DetailResolver
	metrics  *observability.Metrics
	logger   *zap.Logger

	mu       sync.Mutex
	gen      uint64
	selected bool
	settled  bool
	instance model.ProcessInstance
	current  model.InstanceDetail
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSelection returns an empty selection. metrics and logger may be nil.
func NewSelection(resolver DetailResolver, metrics *observability.Metrics, logger *zap.Logger) *Selection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selection{resolver: resolver, metrics: metrics, logger: logger.Named("selection")}
}

// Select makes inst the active selection and starts resolving it in the
// background. The returned detail is the loading placeholder. Resolution is
// detached from ctx's cancellation but keeps its values.
func (s *Selection) Select(ctx context.Context, rctx *model.RequestContext, inst model.ProcessInstance) model.InstanceDetail {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.supersedeLocked()
	s.gen++
	gen := s.gen
	s.selected = true
	s.settled = false
	s.instance = inst
	s.current = model.InstanceDetail{InstanceID: inst.InstanceID, Loading: true}
	s.cancel = cancel
	s.done = make(chan struct{})
	placeholder := s.current.Clone()
	s.mu.Unlock()

	runCtx, span := observability.StartSpan(runCtx, "detail.select",
		observability.AttrInstanceID.String(inst.InstanceID),
		observability.AttrGeneration.Int64(int64(gen)),
	)
	go func() {
		defer span.End()
		d := s.resolver.Resolve(runCtx, rctx, inst)
		d.Loading = false
		s.publish(gen, d)
	}()
	return placeholder
}

func (s *Selection) publish(gen uint64, d model.InstanceDetail) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || !s.selected {
		s.metrics.RecordDetailStaleDiscard()
		s.logger.Debug("discarded stale detail",
			zap.String("instance_id", d.InstanceID),
			zap.Uint64("generation", gen),
			zap.Uint64("current_generation", s.gen),
		)
		return
	}
	s.current = d
	s.settled = true
	s.cancel()
	close(s.done)
}

// supersedeLocked cancels the running resolution and wakes its waiters.
// Cancellation is advisory: the generation check decides what is published.
func (s *Selection) supersedeLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil && !s.settled {
		close(s.done)
	}
	s.done = nil
}

// Current returns a copy of the active detail and whether anything is selected.
func (s *Selection) Current() (model.InstanceDetail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.selected {
		return model.InstanceDetail{}, false
	}
	return s.current.Clone(), true
}

// Instance returns the selected instance.
func (s *Selection) Instance() (model.ProcessInstance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instance, s.selected
}

// Generation returns the current selection generation.
func (s *Selection) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Wait blocks until the active selection has settled or ctx is done, then
// returns the active detail. A selection replaced while waiting is followed.
func (s *Selection) Wait(ctx context.Context) (model.InstanceDetail, bool) {
	for {
		s.mu.Lock()
		if !s.selected {
			s.mu.Unlock()
			return model.InstanceDetail{}, false
		}
		if s.settled {
			d := s.current.Clone()
			s.mu.Unlock()
			return d, true
		}
		done := s.done
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return s.Current()
		}
	}
}

// Clear drops the selection. A resolution still running is discarded when
// it completes.
func (s *Selection) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.supersedeLocked()
	s.gen++
	s.selected = false
	s.settled = false
	s.instance = model.ProcessInstance{}
	s.current = model.InstanceDetail{}
	s.cancel = nil
}
