package app

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes is implemented by the feature handlers mounted on the root router.
type Routes interface {
	Routes(r chi.Router)
}

type routerDeps struct {
	log    Logger
	cfg    Config
	dbPool *pgxpool.Pool
	auth   Routes
	totp   Routes
}

// newRouter builds the root handler. Outer wrappers run for every request,
// including unmatched ones; WithMetrics sits inside chi to see route patterns.
func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()
	if d.cfg.MetricsEnabled {
		r.Use(WithMetrics)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.cfg.ReadinessRequireDB && d.dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if d.dbPool != nil {
			if err := PingDB(r.Context(), d.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				d.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if d.cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	if d.auth != nil {
		d.auth.Routes(r)
	}
	if d.totp != nil {
		d.totp.Routes(r)
	}

	var h http.Handler = r
	h = WithCORS(h, d.cfg, d.log)
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, d.log)
	return h
}

// runtimeBaseURL turns a listen address into a URL a local client can reach.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + strings.TrimSpace(addr)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to ws(s).
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
