package transport

import (
	"bytes"
	"context"
	"embed"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rl0ve/uipath-process-app-training/internal/auth"
	"github.com/rl0ve/uipath-process-app-training/internal/config"
	"github.com/rl0ve/uipath-process-app-training/internal/dashboard"
	"github.com/rl0ve/uipath-process-app-training/internal/format"
	"github.com/rl0ve/uipath-process-app-training/internal/observability"
	"github.com/rl0ve/uipath-process-app-training/internal/session"
	"github.com/rl0ve/uipath-process-app-training/model"
)

//go:embed templates/dashboard.html
var templateFS embed.FS

var dashboardTemplate = template.Must(template.New("dashboard.html").Funcs(template.FuncMap{
	"statusClass": format.StatusClass,
	"borderClass": format.ProcessBorderClass,
	"processName": format.FormatProcessName,
	"duration": func(start time.Time, end *time.Time) string {
		return format.FormatDuration(start, end, time.Now())
	},
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.Local().Format("2006-01-02 15:04")
	},
}).ParseFS(templateFS, "templates/dashboard.html"))

type dashboardView struct {
	Authenticated bool
	Email         string
	Notice        string
	Overview      dashboard.Overview
	State         dashboard.State
	Detail        *model.InstanceDetail
	SelectedID    string
}

// pages serves the server-rendered dashboard. Unlike the JSON API it resolves
// the session itself so that a signed-out visitor gets the sign-in link.
type pages struct {
	auth       *auth.Service
	cookies    cookies
	vendor     config.VendorConfig
	workspaces *session.Workspaces
	logger     *zap.Logger
}

// handleDashboard renders the dashboard. The process, page and instance
// query parameters act on the session's workspace and redirect back to "/".
func (p *pages) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx, err := resolveSession(r, p.auth, p.cookies, p.vendor)
	if err != nil {
		p.render(w, r, dashboardView{})
		return
	}
	rctx := model.RequestContextFrom(ctx)
	sess := SessionFrom(ctx)
	ws := p.workspaces.Get(rctx.SessionID)
	q := r.URL.Query()

	if p.act(ctx, ws, rctx, q) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	view := dashboardView{
		Authenticated: true,
		Email:         sess.Email,
		Notice:        q.Get("notice"),
		State:         ws.Browser.Load(ctx, rctx),
	}
	ov, err := ws.Browser.Overview(ctx, rctx)
	if err != nil {
		view.Notice = noticeFor(err)
	} else {
		view.Overview = ov
	}
	if view.State.Error != nil && view.Notice == "" {
		view.Notice = view.State.Error.Message
	}
	if d, ok := ws.Selection.Current(); ok {
		view.Detail = &d
		view.SelectedID = d.InstanceID
	}
	p.render(w, r, view)
}

// act applies a navigation query and reports whether one was present.
func (p *pages) act(ctx context.Context, ws *session.Workspace, rctx *model.RequestContext, q url.Values) bool {
	switch {
	case q.Has("process"):
		ws.Browser.SetFilter(ctx, rctx, q.Get("process"))
	case q.Get("page") == "next":
		ws.Browser.Next(ctx, rctx)
	case q.Get("page") == "previous":
		ws.Browser.Previous(ctx, rctx)
	case q.Has("instance"):
		inst, ok := ws.Browser.Lookup(q.Get("instance"))
		if !ok {
			return false
		}
		ws.Selection.Select(ctx, rctx, inst)
		ws.Selection.Wait(ctx)
	default:
		return false
	}
	return true
}

func (p *pages) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx, err := resolveSession(r, p.auth, p.cookies, p.vendor)
	if err != nil {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	rctx := model.RequestContextFrom(ctx)
	ws := p.workspaces.Get(rctx.SessionID)

	res, err := ws.Browser.Cancel(ctx, rctx, chi.URLParam(r, "instanceId"), r.PostFormValue("comment"), "")
	target := "/"
	switch {
	case err != nil:
		target = "/?notice=" + url.QueryEscape(noticeFor(err))
	case !res.Success:
		target = "/?notice=" + url.QueryEscape("The instance could not be cancelled")
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (p *pages) render(w http.ResponseWriter, r *http.Request, view dashboardView) {
	var buf bytes.Buffer
	if err := dashboardTemplate.Execute(&buf, view); err != nil {
		observability.LoggerFrom(r.Context(), p.logger).Error("rendering dashboard failed", zap.Error(err))
		WriteError(w, r, model.NewInternalError())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func noticeFor(err error) string {
	if ee, ok := model.AsEnvelope(err); ok {
		if ee.Temporary() {
			return ee.Message + ". Refresh to try again."
		}
		return ee.Message
	}
	return "Something went wrong, try again"
}
