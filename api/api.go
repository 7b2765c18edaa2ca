// Package api exposes the session core over a JSON HTTP API. Each browser is
// identified by a client cookie that keys its session.State; remember-me and
// preference cookies are written through an HTTP-backed session.CookieJar.
package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/warden/authz"
	"github.com/jmcleod/warden/session"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	sessions       *session.Manager
	clients        *ClientStore
	audit          *auditLogger
	logger         *slog.Logger
	accountLimiter *backoffLimiter
	ipLimiter      *backoffLimiter
	globalLimiter  *globalRateLimiter
	trustedProxies []netip.Prefix
	cookieLifetime time.Duration
	registerer     prometheus.Registerer
}

//go:embed openapi.yaml
var openapiYAML []byte

// defaultCookieLifetime is the longest lifetime browsers honour for a
// persistent cookie.
const defaultCookieLifetime = 400 * 24 * time.Hour

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for request and audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithAlertFunc registers a callback for anomaly alerts such as a spike in
// failed logins.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.audit.metrics = newMetricsCollector(fn)
	}
}

// WithClientStore replaces the default client registry.
func WithClientStore(cs *ClientStore) Option {
	return func(a *API) {
		a.clients = cs
	}
}

// WithTrustedProxies lists the CIDR ranges whose forwarding headers are
// trusted when determining the client IP for rate limiting.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithCookieLifetime sets the Max-Age of persistent cookies. It should match
// the remember-me TTL when one is configured.
func WithCookieLifetime(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.cookieLifetime = d
		}
	}
}

// WithMetricsRegisterer exports auth event counters to reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(a *API) {
		a.registerer = reg
	}
}

// New creates a new API instance. It fails only when metrics cannot be
// registered.
func New(sessions *session.Manager, opts ...Option) (*API, error) {
	a := &API{
		sessions:       sessions,
		audit:          &auditLogger{},
		accountLimiter: newBackoffLimiter(accountLimits),
		ipLimiter:      newBackoffLimiter(ipLimits),
		globalLimiter:  newGlobalRateLimiter(),
		cookieLifetime: defaultCookieLifetime,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit.logger = a.logger.With("component", "audit")
	if a.clients == nil {
		a.clients = NewClientStore(0)
	}
	if a.registerer != nil {
		pm, err := newPromMetrics(a.registerer, a.clients.Len)
		if err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
		a.audit.prom = pm
	}
	return a, nil
}

// Clients returns the registry of per-client session states.
func (a *API) Clients() *ClientStore {
	return a.clients
}

// SweepLimiters drops expired rate limiter records. Call periodically.
func (a *API) SweepLimiters() {
	a.accountLimiter.sweep()
	a.ipLimiter.sweep()
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiYAML)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(a.ClientMiddleware)

		r.Post("/auth/login", a.Login)
		r.Post("/auth/logout", a.Logout)

		r.Group(func(r chi.Router) {
			r.Use(a.RequireUser)
			r.Get("/auth/me", a.Me)
			r.Put("/me/preferences", a.UpdatePreferences)
			r.Get("/dashboard", a.Dashboard)
			r.With(a.RequireVariant(authz.Admin)).Post("/users", a.CreateUser)
		})
	})

	return r
}
