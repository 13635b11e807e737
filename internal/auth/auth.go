// Package auth keeps the gateway's single upstream session alive.
//
// One Manager owns one credential pair. Callers ask for a usable access
// token with EnsureValid; when the credential has gone stale the Manager
// refreshes it, falling back to a full login, and makes sure only one such
// exchange is on the wire no matter how many requests are waiting on it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/bskylink/bskylink/internal/client"
	"github.com/bskylink/bskylink/internal/logger"
	"github.com/bskylink/bskylink/internal/model"
)

var (
	// ErrSessionUnavailable is returned when neither refresh nor login
	// produced a credential.
	ErrSessionUnavailable = errors.New("upstream session unavailable")
	ErrNoRefreshToken     = errors.New("no refresh token")
	ErrNoCredentials      = errors.New("no login credentials configured")
)

// expirySkew is shaved off a token's own exp claim.
const expirySkew = time.Minute

type State int

const (
	StateUnset State = iota
	StateValid
	StateStale
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateUnset:
		return "unset"
	case StateValid:
		return "valid"
	case StateStale:
		return "stale"
	case StateRefreshing:
		return "refreshing"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SessionAPI is the slice of the upstream the Manager talks to.
type SessionAPI interface {
	CreateSession(ctx context.Context, identifier, password string) (client.Session, error)
	RefreshSession(ctx context.Context, refreshJwt string) (client.Session, error)
}

type Options struct {
	// Lease is how long a new credential is trusted. Required.
	Lease time.Duration
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
	// OnRenew is told about every refresh or login attempt: method is
	// "refresh" or "login", outcome is "ok" or "error".
	OnRenew func(method, outcome string)
}

type Manager struct {
	api        SessionAPI
	identifier string
	password   string
	lease      time.Duration
	now        func() time.Time
	log        *slog.Logger
	onRenew    func(method, outcome string)

	mu         sync.RWMutex
	cred       model.Credential
	refreshing atomic.Bool
	flight     singleflight.Group
}

func NewManager(api SessionAPI, identifier, password string, opts Options) *Manager {
	m := &Manager{
		api:        api,
		identifier: identifier,
		password:   password,
		lease:      opts.Lease,
		now:        opts.Now,
		log:        opts.Logger,
		onRenew:    opts.OnRenew,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.log == nil {
		m.log = logger.Discard()
	}
	return m
}

// State reports where the credential is in its lifecycle.
func (m *Manager) State() State {
	if m.refreshing.Load() {
		return StateRefreshing
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked()
}

func (m *Manager) stateLocked() State {
	if m.cred.AccessToken == "" {
		return StateUnset
	}
	if m.now().Before(m.cred.ExpiresAt) {
		return StateValid
	}
	return StateStale
}

// Credential returns a copy of the current credential.
func (m *Manager) Credential() model.Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred
}

// EnsureValid returns an access token that is within its lease, renewing
// the session first if needed. Concurrent callers share one renewal; each
// stops waiting when its own ctx is done.
func (m *Manager) EnsureValid(ctx context.Context) (string, error) {
	if tok, ok := m.validToken(); ok {
		return tok, nil
	}
	return m.renew(ctx, false)
}

// Authenticate performs a full login regardless of the current state.
func (m *Manager) Authenticate(ctx context.Context) error {
	_, err := m.renew(ctx, true)
	return err
}

// Invalidate marks the credential stale after the upstream rejected token,
// so the next EnsureValid renews eagerly. An empty token invalidates
// whatever is current; a token that has already been replaced is ignored.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred.AccessToken == "" {
		return
	}
	if token != "" && token != m.cred.AccessToken {
		return
	}
	m.cred.ExpiresAt = time.Time{}
	m.log.Info("session invalidated", "access", logger.Mask(m.cred.AccessToken))
}

func (m *Manager) validToken() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stateLocked() == StateValid {
		return m.cred.AccessToken, true
	}
	return "", false
}

func (m *Manager) renew(ctx context.Context, forceLogin bool) (string, error) {
	ch := m.flight.DoChan("session", func() (any, error) {
		m.refreshing.Store(true)
		defer m.refreshing.Store(false)

		if !forceLogin {
			if tok, ok := m.validToken(); ok {
				return tok, nil
			}
		}
		// The exchange outlives any single caller; the HTTP client's
		// timeout bounds it.
		return m.exchange(context.WithoutCancel(ctx), forceLogin)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) exchange(ctx context.Context, forceLogin bool) (string, error) {
	var refreshErr error
	if !forceLogin {
		m.mu.RLock()
		refreshToken := m.cred.RefreshToken
		m.mu.RUnlock()

		if refreshToken == "" {
			refreshErr = ErrNoRefreshToken
		} else {
			sess, err := m.api.RefreshSession(ctx, refreshToken)
			if err == nil {
				m.report("refresh", "ok")
				return m.store(sess), nil
			}
			refreshErr = err
			m.report("refresh", "error")
			m.log.Warn("session refresh failed, logging in again", "err", err)
		}
	}

	if m.identifier == "" || m.password == "" {
		return "", fmt.Errorf("%w: %w", ErrSessionUnavailable, errors.Join(refreshErr, ErrNoCredentials))
	}
	sess, err := m.api.CreateSession(ctx, m.identifier, m.password)
	if err != nil {
		m.report("login", "error")
		m.log.Error("session login failed", "identifier", m.identifier, "err", err)
		return "", fmt.Errorf("%w: %w", ErrSessionUnavailable, errors.Join(refreshErr, err))
	}
	m.report("login", "ok")
	return m.store(sess), nil
}

func (m *Manager) store(sess client.Session) string {
	now := m.now()
	expiresAt := now.Add(m.lease)
	if exp, ok := tokenExpiry(sess.AccessJwt); ok {
		exp = exp.Add(-expirySkew)
		if exp.After(now) && exp.Before(expiresAt) {
			expiresAt = exp
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cred := model.Credential{
		AccessToken:  sess.AccessJwt,
		RefreshToken: sess.RefreshJwt,
		DID:          sess.DID,
		Handle:       sess.Handle,
		ExpiresAt:    expiresAt,
	}
	if cred.DID == "" {
		cred.DID = m.cred.DID
	}
	if cred.Handle == "" {
		cred.Handle = m.cred.Handle
	}
	m.cred = cred
	m.log.Info("session renewed", "access", logger.Mask(cred.AccessToken), "expires_at", expiresAt.Format(time.RFC3339))
	return cred.AccessToken
}

func (m *Manager) report(method, outcome string) {
	if m.onRenew != nil {
		m.onRenew(method, outcome)
	}
}

// tokenExpiry reads the exp claim of a JWT without verifying it. The
// gateway never trusts the token's contents, it only uses exp to avoid
// presenting a token the upstream has already retired.
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
