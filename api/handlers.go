package api

import (
	"log/slog"
	"net/http"

	"github.com/jmcleod/warden/authz"
	"github.com/jmcleod/warden/session"
	"github.com/jmcleod/warden/users"
)

// Login handles POST /auth/login.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	st := session.StateFrom(ctx)
	username := users.NormalizeUsername(req.Username)
	clientIP := a.extractClientIP(r)

	// Check rate limits before any expensive work: global, IP, account.
	if blocked, retryAfter := a.globalLimiter.check(); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "global rate limited")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return
	}
	if username != "" {
		if blocked, retryAfter := a.accountLimiter.check(username); blocked {
			a.audit.logFailure(AuditLoginRateLimited, r, "rate limited",
				slog.String("username", username))
			writeRateLimited(w, retryAfter)
			return
		}
	}

	err := a.sessions.Login(ctx, st, req.Username, req.Password, req.Remember, jarFromContext(ctx))
	if err != nil {
		kind := session.KindOf(err)
		switch kind {
		case session.KindUserNotFound, session.KindInvalidPassword:
			a.globalLimiter.recordFailure()
			a.ipLimiter.recordFailure(clientIP)
			a.accountLimiter.recordFailure(username)
			a.audit.logFailure(AuditLoginFailure, r, kind.String(),
				slog.String("username", username))
		case session.KindMissingCredentials:
		default:
			a.logger.ErrorContext(ctx, "login failed", slog.Any("error", err))
		}
		writeKindError(w, kind)
		return
	}
	a.accountLimiter.recordSuccess(username)
	if clientIDFromContext(ctx) == "" {
		a.registerClient(w, r, st)
	}
	a.audit.logEvent(AuditLoginSuccess, r, username,
		slog.Bool("remember", req.Remember))

	rec, err := a.sessions.CurrentUser(ctx, st)
	if err != nil || rec == nil {
		writeKindError(w, session.KindOf(err))
		return
	}
	writeJSON(w, http.StatusOK, newUserResponse(rec))
}

// Logout handles POST /auth/logout. The client registration is discarded so
// the next request starts from a fresh client id.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st := session.StateFrom(ctx)
	username := st.Username()

	a.sessions.Logout(ctx, st, jarFromContext(ctx))
	a.clients.Delete(clientIDFromContext(ctx))
	clearClientCookie(w, r)

	if username != "" {
		a.audit.logEvent(AuditLogout, r, username)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /auth/me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newUserResponse(userFromContext(r.Context())))
}

// UpdatePreferences handles PUT /me/preferences.
func (a *API) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[PreferencesRequest](w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	current := userFromContext(ctx)
	rec, err := a.sessions.UpdateUserPrefs(ctx, session.StateFrom(ctx), current.Username,
		req.Lang, req.Theme, jarFromContext(ctx))
	if err != nil {
		if kind := session.KindOf(err); kind == session.KindUnknown {
			a.logger.ErrorContext(ctx, "updating preferences failed", slog.Any("error", err))
		}
		writeKindError(w, session.KindOf(err))
		return
	}
	a.audit.logEvent(AuditPreferencesUpdated, r, rec.Username,
		slog.String("lang", rec.PreferredLang), slog.String("theme", rec.PreferredTheme))
	writeJSON(w, http.StatusOK, newUserResponse(rec))
}

// Dashboard handles GET /dashboard.
func (a *API) Dashboard(w http.ResponseWriter, r *http.Request) {
	rec := userFromContext(r.Context())
	v := authz.Select(rec)
	writeJSON(w, http.StatusOK, DashboardResponse{
		Username:   rec.Username,
		Variant:    v,
		TitleKey:   v.TitleKey(),
		WelcomeKey: v.WelcomeKey(),
	})
}

// CreateUser handles POST /users. Only Admins reach it.
func (a *API) CreateUser(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreateUserRequest](w, r)
	if !ok {
		return
	}
	role, err := users.ParseRole(req.Role)
	if err != nil {
		writeKindError(w, session.KindValidation)
		return
	}
	ctx := r.Context()
	if err := a.sessions.CreateUser(ctx, req.Username, req.Password, role); err != nil {
		kind := session.KindOf(err)
		if kind == session.KindUnknown {
			a.logger.ErrorContext(ctx, "creating user failed", slog.Any("error", err))
		}
		writeKindError(w, kind)
		return
	}
	username := users.NormalizeUsername(req.Username)
	a.audit.logEvent(AuditUserCreated, r, userFromContext(ctx).Username,
		slog.String("created_username", username), slog.String("role", role.String()))
	writeJSON(w, http.StatusCreated, CreateUserResponse{Username: username, Role: role})
}
