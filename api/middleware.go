package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/warden/authz"
	"github.com/jmcleod/warden/session"
	"github.com/jmcleod/warden/users"
)

type contextKey int

const (
	jarKey contextKey = iota
	userKey
	clientIDKey
)

const clientCookieName = "warden_client"

// ClientMiddleware resolves the caller's session.State from the client
// cookie, restores it from the remember-me cookie and places both the state
// and the cookie jar on the request context. Unknown clients get a
// throwaway state; it is registered only once it becomes authenticated,
// here after Restore or in Login.
func (a *API) ClientMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w}

		var id string
		if c, err := r.Cookie(clientCookieName); err == nil {
			id = c.Value
		}
		st, ok := a.clients.Get(id)
		if !ok {
			id, st = "", session.NewState()
		}

		jar := newHTTPJar(rw, r, a.cookieLifetime)
		a.sessions.Restore(r.Context(), st, jar)
		if id == "" && st.Authenticated() {
			id = a.registerClient(rw, r, st)
		}

		ctx := session.WithState(r.Context(), st)
		ctx = context.WithValue(ctx, jarKey, jar)
		ctx = context.WithValue(ctx, clientIDKey, id)
		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// RequireUser rejects Anonymous clients and places the current user record
// on the request context.
func (a *API) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := session.StateFrom(r.Context())
		if !a.sessions.IsAuthenticated(st) {
			writeKindError(w, session.KindNotAuthenticated)
			return
		}
		rec, err := a.sessions.CurrentUser(r.Context(), st)
		if err != nil {
			a.logger.ErrorContext(r.Context(), "loading current user failed", "error", err)
			writeKindError(w, session.KindOf(err))
			return
		}
		if rec == nil {
			writeKindError(w, session.KindNotAuthenticated)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, rec)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireVariant rejects users whose role grants less than min. It must run
// after RequireUser.
func (a *API) RequireVariant(min authz.Variant) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := userFromContext(r.Context())
			if !authz.Select(rec).AtLeast(min) {
				writeError(w, http.StatusForbidden, "forbidden", "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// registerClient stores an authenticated state and hands its id to the
// browser.
func (a *API) registerClient(w http.ResponseWriter, r *http.Request, st *session.State) string {
	id := a.clients.Register(st)
	writeClientCookie(w, r, id)
	return id
}

func writeClientCookie(w http.ResponseWriter, r *http.Request, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     clientCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func clearClientCookie(w http.ResponseWriter, r *http.Request) {
	dropSetCookie(w.Header(), clientCookieName)
	http.SetCookie(w, &http.Cookie{
		Name:     clientCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

func jarFromContext(ctx context.Context) session.CookieJar {
	jar, _ := ctx.Value(jarKey).(*httpJar)
	if jar == nil {
		return nil
	}
	return jar
}

func clientIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(clientIDKey).(string)
	return id
}

func userFromContext(ctx context.Context) *users.Record {
	rec, _ := ctx.Value(userKey).(*users.Record)
	return rec
}
