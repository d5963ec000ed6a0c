package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/rl0ve/uipath-process-app-training/internal/auth"
	"github.com/rl0ve/uipath-process-app-training/internal/config"
	"github.com/rl0ve/uipath-process-app-training/internal/observability"
	"github.com/rl0ve/uipath-process-app-training/internal/session"
	"github.com/rl0ve/uipath-process-app-training/model"
)

type sessionKey struct{}

// SessionFrom returns the session stored by RequireSession, or nil.
func SessionFrom(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionKey{}).(*session.Session)
	return s
}

// cookies names and scopes the session and login-state cookies.
type cookies struct {
	name   string
	secure bool
}

func newCookies(cfg config.SessionConfig) cookies {
	name := cfg.CookieName
	if name == "" {
		name = "maestro_session"
	}
	return cookies{name: name, secure: cfg.CookieSecure}
}

func (c cookies) stateName() string { return c.name + "_state" }

func (c cookies) set(w http.ResponseWriter, name, value, path string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c cookies) clear(w http.ResponseWriter, name, path string) {
	c.set(w, name, "", path, -1)
}

func cookieValue(r *http.Request, name string) string {
	ck, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return ck.Value
}

// resolveSession loads the session of the request and returns a context
// carrying it and its RequestContext.
func resolveSession(r *http.Request, svc *auth.Service, ck cookies, vendor config.VendorConfig) (context.Context, error) {
	ctx := r.Context()
	sess, err := svc.Resolve(ctx, cookieValue(r, ck.name))
	if err != nil {
		return ctx, err
	}
	rctx := &model.RequestContext{
		SessionID:     sess.ID,
		SubjectID:     sess.SubjectID,
		Email:         sess.Email,
		OrgName:       vendor.OrgName,
		TenantName:    vendor.TenantName,
		Token:         sess.AccessToken(),
		CorrelationID: CorrelationIDFrom(ctx),
		TraceID:       observability.TraceIDFromContext(ctx),
	}
	ctx = context.WithValue(ctx, sessionKey{}, sess)
	return model.WithRequestContext(ctx, rctx), nil
}

// RequireSession rejects requests without a valid session cookie with 401
// and otherwise stores the session and its RequestContext in the context.
// An expired vendor token is refreshed on the way.
func RequireSession(svc *auth.Service, cfg *config.Config, logger *zap.Logger) func(http.Handler) http.Handler {
	ck := newCookies(cfg.Session)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, err := resolveSession(r, svc, ck, cfg.Vendor)
			if err != nil {
				writeSessionError(w, r, err, logger)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeSessionError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	switch {
	case errors.Is(err, auth.ErrInvalidSession):
		WriteError(w, r, model.NewUnauthorizedError("Sign in required"))
	case errors.Is(err, auth.ErrTokenRefresh):
		WriteError(w, r, model.NewUnauthorizedError("Session expired, sign in again"))
	default:
		logger.Error("session lookup failed", zap.String("path", r.URL.Path), zap.Error(err))
		WriteError(w, r, model.NewBackendUnavailableError())
	}
}

func handleLogin(svc *auth.Service, ck cookies, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authURL, state, err := svc.BeginLogin()
		if err != nil {
			logger.Error("begin login failed", zap.Error(err))
			WriteError(w, r, model.NewInternalError())
			return
		}
		ck.set(w, ck.stateName(), state, "/auth", int(auth.StateTTL.Seconds()))
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

func handleCallback(svc *auth.Service, ck cookies, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		ck.clear(w, ck.stateName(), "/auth")

		if e := q.Get("error"); e != "" {
			msg := q.Get("error_description")
			if msg == "" {
				msg = e
			}
			WriteError(w, r, model.NewUnauthorizedError("Sign-in failed: "+msg))
			return
		}

		sess, cookie, err := svc.CompleteLogin(r.Context(), cookieValue(r, ck.stateName()), q.Get("state"), q.Get("code"))
		if err != nil {
			if errors.Is(err, auth.ErrInvalidState) {
				WriteError(w, r, model.NewUnauthorizedError("Sign-in state is invalid or expired"))
				return
			}
			logger.Warn("sign-in failed", zap.Error(err))
			WriteError(w, r, model.NewUnauthorizedError("Sign-in failed"))
			return
		}

		ck.set(w, ck.name, cookie, "/", int(svc.SessionTTL().Seconds()))
		logger.Info("session created", zap.String("session_id", sess.ID))
		http.Redirect(w, r, "/", http.StatusFound)
	}
}

func handleLogout(svc *auth.Service, ck cookies, workspaces *session.Workspaces, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := svc.Logout(r.Context(), cookieValue(r, ck.name))
		if err != nil {
			logger.Error("sign-out failed", zap.Error(err))
		}
		if id != "" && workspaces != nil {
			workspaces.Drop(id)
		}
		ck.clear(w, ck.name, "/")

		if strings.Contains(r.Header.Get("Accept"), "application/json") {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
	}
}

func handleSession(w http.ResponseWriter, r *http.Request) {
	sess := SessionFrom(r.Context())
	if sess == nil {
		WriteError(w, r, model.NewUnauthorizedError("Sign in required"))
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"subject":       sess.SubjectID,
		"email":         sess.Email,
	})
}
