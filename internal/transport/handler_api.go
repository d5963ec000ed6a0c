package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/rl0ve/uipath-process-app-training/internal/dashboard"
	"github.com/rl0ve/uipath-process-app-training/internal/detail"
	"github.com/rl0ve/uipath-process-app-training/internal/session"
	"github.com/rl0ve/uipath-process-app-training/model"
)

// filterRequest selects the process whose instances are listed.
type filterRequest struct {
	Process string `json:"process" validate:"required,max=256"`
}

// cancelRequest carries the optional cancel comment.
type cancelRequest struct {
	Comment string `json:"comment" validate:"max=1024"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeBody decodes a JSON body into dst and validates it. An empty body
// leaves dst at its zero value before validation.
func decodeBody(r *http.Request, dst any) error {
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
			return model.NewBadRequestError("invalid JSON body")
		}
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return model.NewBadRequestError(err.Error())
		}
		details := make([]model.FieldError, 0, len(verrs))
		for _, fe := range verrs {
			field := strings.ToLower(fe.Field())
			details = append(details, model.FieldError{
				Field:   field,
				Code:    strings.ToUpper(fe.Tag()),
				Message: field + " failed " + fe.Tag() + " validation",
			})
		}
		return model.NewValidationError(details)
	}
	return nil
}

// api serves the JSON routes. Every handler runs behind RequireSession.
type api struct {
	workspaces *session.Workspaces
	resolver   detail.DetailResolver
}

func (a *api) workspace(w http.ResponseWriter, r *http.Request) (*session.Workspace, *model.RequestContext, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, r, model.NewUnauthorizedError("missing request context"))
		return nil, nil, false
	}
	return a.workspaces.Get(rctx.SessionID), rctx, true
}

// writeState writes the list state, or its listing error.
func writeState(w http.ResponseWriter, r *http.Request, st dashboard.State) {
	if st.Error != nil {
		WriteError(w, r, st.Error)
		return
	}
	WriteJSON(w, http.StatusOK, st)
}

func (a *api) handleProcesses(w http.ResponseWriter, r *http.Request) {
	ws, rctx, ok := a.workspace(w, r)
	if !ok {
		return
	}
	ov, err := ws.Browser.Overview(r.Context(), rctx)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, ov)
}

func (a *api) handleInstances(w http.ResponseWriter, r *http.Request) {
	ws, rctx, ok := a.workspace(w, r)
	if !ok {
		return
	}
	writeState(w, r, ws.Browser.Load(r.Context(), rctx))
}

func (a *api) handleFilter(w http.ResponseWriter, r *http.Request) {
	ws, rctx, ok := a.workspace(w, r)
	if !ok {
		return
	}
	var req filterRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	writeState(w, r, ws.Browser.SetFilter(r.Context(), rctx, req.Process))
}

func (a *api) handleNext(w http.ResponseWriter, r *http.Request) {
	ws, rctx, ok := a.workspace(w, r)
	if !ok {
		return
	}
	writeState(w, r, ws.Browser.Next(r.Context(), rctx))
}

func (a *api) handlePrevious(w http.ResponseWriter, r *http.Request) {
	ws, rctx, ok := a.workspace(w, r)
	if !ok {
		return
	}
	writeState(w, r, ws.Browser.Previous(r.Context(), rctx))
}

func (a *api) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ws, rctx, ok := a.workspace(w, r)
	if !ok {
		return
	}
	ov, st, err := ws.Browser.Refresh(r.Context(), rctx)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if st.Error != nil {
		WriteError(w, r, st.Error)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"overview":  ov,
		"instances": st,
	})
}

func (a *api) handleSelect(w http.ResponseWriter, r *http.Request) {
	ws, rctx, ok := a.workspace(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "instanceId")
	inst, found := ws.Browser.Lookup(id)
	if !found {
		WriteNotFound(w, r, "instance "+id+" is not listed")
		return
	}
	WriteJSON(w, http.StatusAccepted, ws.Selection.Select(r.Context(), rctx, inst))
}

func (a *api) handleDetail(w http.ResponseWriter, r *http.Request) {
	ws, _, ok := a.workspace(w, r)
	if !ok {
		return
	}
	var (
		d        model.InstanceDetail
		selected bool
	)
	if r.URL.Query().Get("wait") != "" {
		d, selected = ws.Selection.Wait(r.Context())
	} else {
		d, selected = ws.Selection.Current()
	}
	if !selected {
		WriteNotFound(w, r, "no instance selected")
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

func (a *api) handleResolve(w http.ResponseWriter, r *http.Request) {
	ws, rctx, ok := a.workspace(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "instanceId")
	inst, found := ws.Browser.Lookup(id)
	if !found {
		WriteNotFound(w, r, "instance "+id+" is not listed")
		return
	}
	WriteJSON(w, http.StatusOK, a.resolver.Resolve(r.Context(), rctx, inst))
}

func (a *api) handleCancel(w http.ResponseWriter, r *http.Request) {
	ws, rctx, ok := a.workspace(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := decodeBody(r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	id := chi.URLParam(r, "instanceId")
	res, err := ws.Browser.Cancel(r.Context(), rctx, id, req.Comment, r.Header.Get("X-Idempotency-Key"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}
