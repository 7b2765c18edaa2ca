// Package session reconciles three independently-lived pieces of state into
// one answer to "who is logged in": the per-client State, the client-held
// CookieJar and the durable user store.
//
// A client is Anonymous until Login succeeds or Restore finds a valid
// remember-me token in its jar. Every Manager method takes the client's
// State explicitly; there is no process-wide session. A nil *State reads as
// Anonymous everywhere; Login refuses it with ErrNilState.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmcleod/warden/storage"
	"github.com/jmcleod/warden/users"
)

// Verifier checks a password against a stored digest.
type Verifier interface {
	Verify(password, hash string) bool
}

// Manager orchestrates login, logout, cookie-backed restoration and
// preference updates. It is safe for concurrent use by many clients.
type Manager struct {
	users    *users.Store
	verifier Verifier
	tokens   *tokenStore
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRememberTTL bounds the lifetime of remember-me tokens. Zero, the
// default, keeps them valid until logout.
func WithRememberTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.tokens.ttl = ttl
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
		m.tokens.now = now
	}
}

// NewManager returns a Manager over the given user store. Remember-me tokens
// are kept in repo, which is normally the repository backing store.
func NewManager(store *users.Store, verifier Verifier, repo storage.Repository, opts ...Option) *Manager {
	m := &Manager{
		users:    store,
		verifier: verifier,
		tokens:   &tokenStore{repo: repo, now: time.Now},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "session")
	return m
}

// EnsureReady prepares durable storage for users and remember-me tokens.
// A failure wraps users.ErrStorageUnavailable and should abort startup.
func (m *Manager) EnsureReady(ctx context.Context) error {
	if err := m.users.EnsureReady(ctx); err != nil {
		return err
	}
	if err := m.tokens.ensureReady(ctx); err != nil {
		return fmt.Errorf("%w: %w", users.ErrStorageUnavailable, err)
	}
	return nil
}

// Login authenticates username with password and populates st. When
// remember is set, an opaque token is written to jar and flushed before
// Login returns; a failed flush is logged and only costs the remember-me
// effect.
func (m *Manager) Login(ctx context.Context, st *State, username, password string, remember bool, jar CookieJar) error {
	if st == nil {
		return ErrNilState
	}
	username = users.NormalizeUsername(username)
	if username == "" || strings.TrimSpace(password) == "" {
		return ErrMissingCredentials
	}

	rec, err := m.users.Get(ctx, username)
	if err != nil {
		return err
	}
	if !m.verifier.Verify(password, rec.PasswordHash) {
		return fmt.Errorf("%s: %w", rec.Username, ErrInvalidPassword)
	}

	// A previous remember-me token for this client is superseded.
	previous := ""
	if jar != nil && jar.Ready() {
		previous = jar.Get(CookieSession, "")
	}

	st.set(rec.Username, remember, m.now().UTC())

	if jar == nil || !jar.Ready() {
		if remember {
			m.logger.WarnContext(ctx, "cookie jar not ready; remember-me not persisted",
				slog.String("username", rec.Username))
		}
		return nil
	}

	if previous != "" {
		if err := m.tokens.revoke(ctx, previous); err != nil {
			m.logger.WarnContext(ctx, "revoking superseded remember token failed", slog.Any("error", err))
		}
	}
	if remember {
		token, _, err := m.tokens.issue(ctx, rec.Username)
		if err != nil {
			m.logger.ErrorContext(ctx, "issuing remember token failed",
				slog.String("username", rec.Username), slog.Any("error", err))
			token = ""
		}
		jar.Set(CookieSession, token)
	} else if previous != "" {
		jar.Set(CookieSession, "")
	}
	jar.Set(CookieLang, rec.PreferredLang)
	jar.Set(CookieTheme, rec.PreferredTheme)
	if err := jar.Save(); err != nil {
		m.logger.WarnContext(ctx, "saving cookie jar failed; remember-me not persisted",
			slog.String("username", rec.Username), slog.Any("error", err))
	}
	return nil
}

// IsAuthenticated reports whether st references a user. It performs no I/O;
// Restore must have run for st first.
func (m *Manager) IsAuthenticated(st *State) bool {
	return st.Authenticated()
}

// Restore populates an Anonymous st from the remember-me token in jar. It is
// a no-op when st is nil or already populated, or jar is not ready. A token that is
// unknown, expired or refers to a user that no longer exists is removed from
// jar and from storage, leaving st Anonymous. Restore never fails; problems
// are logged.
func (m *Manager) Restore(ctx context.Context, st *State, jar CookieJar) {
	if st == nil || st.Authenticated() || jar == nil || !jar.Ready() {
		return
	}
	token := jar.Get(CookieSession, "")
	if token == "" {
		return
	}

	tok, err := m.tokens.resolve(ctx, token)
	if err != nil {
		if !errors.Is(err, ErrTokenNotFound) {
			// Storage trouble: keep the cookie so a later request can retry.
			m.logger.ErrorContext(ctx, "resolving remember token failed", slog.Any("error", err))
			return
		}
		m.logger.InfoContext(ctx, "discarding unknown remember token")
		m.clearCookie(ctx, jar)
		return
	}

	rec, err := m.users.Get(ctx, tok.Username)
	if err != nil {
		if !errors.Is(err, users.ErrUserNotFound) {
			m.logger.ErrorContext(ctx, "loading remembered user failed",
				slog.String("username", tok.Username), slog.Any("error", err))
			return
		}
		m.logger.InfoContext(ctx, "remembered user no longer exists",
			slog.String("username", tok.Username))
		if err := m.tokens.revoke(ctx, token); err != nil {
			m.logger.WarnContext(ctx, "revoking stale remember token failed", slog.Any("error", err))
		}
		m.clearCookie(ctx, jar)
		return
	}

	if st.setIfEmpty(rec.Username, true, tok.IssuedAt) {
		m.logger.DebugContext(ctx, "session restored", slog.String("username", rec.Username))
	}
}

// CurrentUser re-reads the record for st from the store, so preference
// updates are visible immediately. It returns nil, nil when st is
// Anonymous. If the record has disappeared the state is cleared and nil is
// returned.
func (m *Manager) CurrentUser(ctx context.Context, st *State) (*users.Record, error) {
	username := st.Username()
	if username == "" {
		return nil, nil
	}
	rec, err := m.users.Get(ctx, username)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			st.clearIf(username)
			m.logger.InfoContext(ctx, "session cleared for missing user", slog.String("username", username))
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// Logout clears st, revokes the remember-me token held in jar and flushes
// jar. Logging out an Anonymous client is a no-op apart from the flush.
func (m *Manager) Logout(ctx context.Context, st *State, jar CookieJar) {
	username := st.Username()
	st.clear()
	if jar == nil || !jar.Ready() {
		return
	}
	if token := jar.Get(CookieSession, ""); token != "" {
		if err := m.tokens.revoke(ctx, token); err != nil {
			m.logger.WarnContext(ctx, "revoking remember token failed", slog.Any("error", err))
		}
	}
	m.clearCookie(ctx, jar)
	if username != "" {
		m.logger.DebugContext(ctx, "logged out", slog.String("username", username))
	}
}

// CreateUser registers a new user. It does not change any client state.
func (m *Manager) CreateUser(ctx context.Context, username, password string, role users.Role) error {
	_, err := m.users.Create(ctx, username, password, role)
	return err
}

// UpdateUserPrefs stores lang and theme for username and mirrors them into
// jar. When st is authenticated as a different user the update is refused.
func (m *Manager) UpdateUserPrefs(ctx context.Context, st *State, username, lang, theme string, jar CookieJar) (*users.Record, error) {
	username = users.NormalizeUsername(username)
	if current := st.Username(); current != "" && current != username {
		return nil, fmt.Errorf("updating preferences of %s as %s: %w", username, current, ErrNotAuthenticated)
	}
	rec, err := m.users.UpdatePrefs(ctx, username, lang, theme)
	if err != nil {
		return nil, err
	}
	if jar != nil && jar.Ready() {
		jar.Set(CookieLang, rec.PreferredLang)
		jar.Set(CookieTheme, rec.PreferredTheme)
		if err := jar.Save(); err != nil {
			m.logger.WarnContext(ctx, "saving cookie jar failed", slog.Any("error", err))
		}
	}
	return rec, nil
}

// SweepExpiredTokens deletes expired remember-me tokens from storage.
func (m *Manager) SweepExpiredTokens(ctx context.Context) (int, error) {
	return m.tokens.sweep(ctx)
}

func (m *Manager) clearCookie(ctx context.Context, jar CookieJar) {
	jar.Set(CookieSession, "")
	if err := jar.Save(); err != nil {
		m.logger.WarnContext(ctx, "saving cookie jar failed", slog.Any("error", err))
	}
}
