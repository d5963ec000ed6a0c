// Package auth signs browser sessions in against the vendor's OAuth server
// and maps session cookies back to vendor tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/rl0ve/uipath-process-app-training/internal/config"
	"github.com/rl0ve/uipath-process-app-training/internal/session"
)

// StateTTL bounds how long a login may take between redirect and callback.
const StateTTL = 10 * time.Minute

// Errors returned by the service. Callers map them to UNAUTHORIZED.
var (
	ErrInvalidState   = errors.New("auth: invalid login state")
	ErrInvalidSession = errors.New("auth: invalid session cookie")
	ErrTokenRefresh   = errors.New("auth: token refresh failed")
)

// Service runs the authorization code flow with PKCE and resolves
// sessions. Cookies are HS256 JWTs signed with the configured key.
type Service struct {
	oauth      *oauth2.Config
	store      session.Store
	signingKey []byte
	sessionTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewService builds the OAuth client from the vendor settings.
func NewService(vendor config.VendorConfig, sessionTTL time.Duration, signingKey []byte, store session.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sessionTTL <= 0 {
		sessionTTL = 12 * time.Hour
	}
	return &Service{
		oauth: &oauth2.Config{
			ClientID:     vendor.ClientID,
			ClientSecret: vendor.ClientSecret(),
			RedirectURL:  vendor.RedirectURI,
			Scopes:       vendor.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  vendor.AuthorizeURL(),
				TokenURL: vendor.TokenEndpoint(),
			},
		},
		store:      store,
		signingKey: signingKey,
		sessionTTL: sessionTTL,
		logger:     logger.Named("auth"),
		now:        time.Now,
	}
}

// SessionTTL is the lifetime of a session cookie.
func (s *Service) SessionTTL() time.Duration {
	return s.sessionTTL
}

type stateClaims struct {
	State    string `json:"state"`
	Verifier string `json:"verifier"`
	jwt.RegisteredClaims
}

type sessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// BeginLogin returns the authorization URL to redirect to and the signed
// state cookie value that must come back with the callback.
func (s *Service) BeginLogin() (authURL, stateCookie string, err error) {
	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()

	stateCookie, err = s.sign(stateClaims{
		State:    state,
		Verifier: verifier,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(s.now().Add(StateTTL)),
		},
	})
	if err != nil {
		return "", "", err
	}
	authURL = s.oauth.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	return authURL, stateCookie, nil
}

// CompleteLogin checks the returned state against the state cookie,
// exchanges the code, stores a new session and returns it with its signed
// session cookie value.
func (s *Service) CompleteLogin(ctx context.Context, stateCookie, state, code string) (*session.Session, string, error) {
	var claims stateClaims
	if err := s.parse(stateCookie, &claims); err != nil || claims.State == "" || claims.State != state {
		return nil, "", ErrInvalidState
	}
	if code == "" {
		return nil, "", fmt.Errorf("%w: missing authorization code", ErrInvalidState)
	}

	token, err := s.oauth.Exchange(ctx, code, oauth2.VerifierOption(claims.Verifier))
	if err != nil {
		return nil, "", fmt.Errorf("auth: exchange code: %w", err)
	}

	subject, email := identity(token)
	sess := session.New(token, subject, email)
	if err := s.store.Put(ctx, sess); err != nil {
		return nil, "", fmt.Errorf("auth: store session: %w", err)
	}

	cookie, err := s.SessionCookie(sess)
	if err != nil {
		return nil, "", err
	}
	s.logger.Info("signed in", zap.String("session_id", sess.ID), zap.String("subject_id", subject))
	return sess, cookie, nil
}

// SessionCookie signs the cookie value of sess.
func (s *Service) SessionCookie(sess *session.Session) (string, error) {
	now := s.now()
	return s.sign(sessionClaims{
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sess.SubjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.sessionTTL)),
		},
	})
}

// Resolve validates a session cookie and loads its session. An expired
// vendor token is refreshed and the refreshed token persisted.
func (s *Service) Resolve(ctx context.Context, cookie string) (*session.Session, error) {
	var claims sessionClaims
	if err := s.parse(cookie, &claims); err != nil || claims.SessionID == "" {
		return nil, ErrInvalidSession
	}

	sess, err := s.store.Get(ctx, claims.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("auth: load session: %w", err)
	}
	if sess.Token == nil {
		return nil, ErrInvalidSession
	}
	if sess.Token.Valid() {
		return sess, nil
	}

	token, err := s.oauth.TokenSource(ctx, sess.Token).Token()
	if err != nil {
		s.logger.Warn("token refresh failed", zap.String("session_id", sess.ID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}
	sess.Token = token
	if err := s.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("auth: store refreshed session: %w", err)
	}
	s.logger.Debug("token refreshed", zap.String("session_id", sess.ID))
	return sess, nil
}

// Logout deletes the session named by cookie and returns its id. An
// invalid cookie is not an error; there is nothing to delete.
func (s *Service) Logout(ctx context.Context, cookie string) (string, error) {
	var claims sessionClaims
	if err := s.parse(cookie, &claims); err != nil || claims.SessionID == "" {
		return "", nil
	}
	if err := s.store.Delete(ctx, claims.SessionID); err != nil {
		return claims.SessionID, fmt.Errorf("auth: delete session: %w", err)
	}
	s.logger.Info("signed out", zap.String("session_id", claims.SessionID))
	return claims.SessionID, nil
}

func (s *Service) sign(claims jwt.Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("auth: sign cookie: %w", err)
	}
	return signed, nil
}

func (s *Service) parse(value string, claims jwt.Claims) error {
	if value == "" {
		return ErrInvalidSession
	}
	_, err := jwt.ParseWithClaims(value, claims,
		func(*jwt.Token) (any, error) { return s.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	return err
}

// identity reads the subject and email from the id_token of the token
// response. The token is not verified; the values are for display only.
func identity(token *oauth2.Token) (subject, email string) {
	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		return "", ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", ""
	}
	subject, _ = claims["sub"].(string)
	email, _ = claims["email"].(string)
	return subject, email
}
