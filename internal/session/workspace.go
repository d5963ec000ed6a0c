package session

import (
	"sync"
	"time"

	"github.com/rl0ve/uipath-process-app-training/internal/dashboard"
	"github.com/rl0ve/uipath-process-app-training/internal/detail"
	"github.com/rl0ve/uipath-process-app-training/internal/observability"
)

// Workspace is the dashboard state of one session.
type Workspace struct {
	Browser   *dashboard.Browser
	Selection *detail.Selection

	lastUsed time.Time
}

// WorkspaceFactory builds the workspace of a new session.
type WorkspaceFactory func() *Workspace

// Workspaces holds the live workspaces keyed by session id. They are created
// on first use and are never persisted.
type Workspaces struct {
	factory WorkspaceFactory
	metrics *observability.Metrics
	now     func() time.Time

	mu    sync.Mutex
	items map[string]*Workspace
}

// NewWorkspaces returns an empty set. metrics may be nil.
func NewWorkspaces(factory WorkspaceFactory, metrics *observability.Metrics) *Workspaces {
	return &Workspaces{
		factory: factory,
		metrics: metrics,
		now:     time.Now,
		items:   make(map[string]*Workspace),
	}
}

// Get returns the workspace of sessionID, creating it when missing.
func (w *Workspaces) Get(sessionID string) *Workspace {
	w.mu.Lock()
	defer w.mu.Unlock()

	ws, ok := w.items[sessionID]
	if !ok {
		ws = w.factory()
		w.items[sessionID] = ws
		w.metrics.SetActiveSessions(float64(len(w.items)))
	}
	ws.lastUsed = w.now()
	return ws
}

// Drop discards the workspace of sessionID and clears its selection.
func (w *Workspaces) Drop(sessionID string) {
	w.mu.Lock()
	ws, ok := w.items[sessionID]
	delete(w.items, sessionID)
	w.metrics.SetActiveSessions(float64(len(w.items)))
	w.mu.Unlock()

	if ok && ws.Selection != nil {
		ws.Selection.Clear()
	}
}

// EvictIdle drops workspaces unused for longer than idle and returns how
// many were dropped.
func (w *Workspaces) EvictIdle(idle time.Duration) int {
	cutoff := w.now().Add(-idle)

	w.mu.Lock()
	var stale []*Workspace
	for id, ws := range w.items {
		if ws.lastUsed.Before(cutoff) {
			stale = append(stale, ws)
			delete(w.items, id)
		}
	}
	w.metrics.SetActiveSessions(float64(len(w.items)))
	w.mu.Unlock()

	for _, ws := range stale {
		if ws.Selection != nil {
			ws.Selection.Clear()
		}
	}
	return len(stale)
}

// Len returns the number of live workspaces.
func (w *Workspaces) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}
