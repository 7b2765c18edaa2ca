package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jmcleod/warden/api"
)

var (
	flagPort           int
	flagTLSCert        string
	flagTLSKey         string
	flagRememberTTL    time.Duration
	flagTrustedProxies string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c, err := openCore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("storage not ready: %w", err)
		}
		defer c.close()

		proxies, err := api.ParseTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			return fmt.Errorf("invalid trusted proxies: %w", err)
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		a, err := api.New(c.sessions,
			api.WithLogger(logger),
			api.WithMetricsRegisterer(reg),
			api.WithClientStore(api.NewClientStore(cfg.ClientIdleTimeout)),
			api.WithTrustedProxies(proxies),
			api.WithCookieLifetime(cfg.RememberTTL),
			api.WithAlertFunc(func(e api.AlertEvent) {
				logger.Warn("security alert",
					slog.String("type", string(e.Type)),
					slog.String("message", e.Message),
					slog.Int("count", e.Count),
					slog.Int("threshold", e.Threshold))
			}),
		)
		if err != nil {
			return err
		}

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(accessLog(logger))
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go sweep(ctx, c, a, cfg.SweepInterval)

		done := make(chan error, 1)
		go func() {
			var err error
			if cfg.TLSCert != "" {
				err = server.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		logger.Info("server started",
			slog.Int("port", cfg.Port),
			slog.String("storage", cfg.Storage),
			slog.Bool("tls", cfg.TLSCert != ""))

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// sweep periodically drops expired remember-me tokens, idle clients and
// stale rate limiter records until ctx is done.
func sweep(ctx context.Context, c *core, a *api.API, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tokens, err := c.sessions.SweepExpiredTokens(ctx)
			if err != nil {
				logger.Warn("sweeping remember tokens failed", slog.Any("error", err))
			}
			clients := a.Clients().Sweep()
			a.SweepLimiters()
			if tokens > 0 || clients > 0 {
				logger.Debug("sweep finished",
					slog.Int("expired_tokens", tokens),
					slog.Int("idle_clients", clients))
			}
		}
	}
}

// accessLog logs one structured line per request.
func accessLog(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.LogAttrs(r.Context(), slog.LevelInfo, "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

func applyServerFlags(fs *pflag.FlagSet) {
	if fs.Lookup("port") == nil {
		return
	}
	if fs.Changed("port") {
		cfg.Port = flagPort
	}
	if fs.Changed("tls-cert") {
		cfg.TLSCert = flagTLSCert
	}
	if fs.Changed("tls-key") {
		cfg.TLSKey = flagTLSKey
	}
	if fs.Changed("remember-ttl") {
		cfg.RememberTTL = flagRememberTTL
	}
	if fs.Changed("trusted-proxies") {
		cfg.TrustedProxies = flagTrustedProxies
	}
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&flagPort, "port", "p", 8080, "Port to listen on")
	serverCmd.Flags().StringVar(&flagTLSCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&flagTLSKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().DurationVar(&flagRememberTTL, "remember-ttl", 0, "Lifetime of remember-me logins (0 keeps them until logout)")
	serverCmd.Flags().StringVar(&flagTrustedProxies, "trusted-proxies", "", "Comma-separated CIDRs whose forwarding headers are trusted")
}
