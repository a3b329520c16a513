package app

import (
	"net/http"
	"time"

	"canon/cmd/internal/realtime"
	"canon/cmd/internal/timeline"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func registerHTTP(
	mux *http.ServeMux,
	log Logger,
	cfg Config,
	dbPool *pgxpool.Pool,
	dbEnabled bool,
	ws *realtime.WSGateway,
	api *realtime.API,
	reg *prometheus.Registry,
) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if cfg.ReadinessRequireDB && !dbEnabled {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if dbEnabled && dbPool != nil {
			if err := PingDB(r.Context(), dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	if reg != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	if api != nil {
		limiter := realtime.NewRateLimiter(cfg.APIRateEvents, cfg.APIRateWindow)
		apiMux := http.NewServeMux()
		api.Register(apiMux)
		mux.Handle("/v1/", WithCORS(limiter.Middleware(apiMux), cfg, log))
	}

	mux.Handle("GET /ws", ws)
}

// newMetricsRegistry registers the process, timeline, realtime and HTTP
// collectors on a private registry, plus the hub's subscription gauge.
func newMetricsRegistry(hub *realtime.Hub) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.MustRegister(timeline.Collectors()...)
	reg.MustRegister(realtime.Collectors()...)
	reg.MustRegister(httpCollectors()...)
	if hub != nil {
		reg.MustRegister(hub.SubscriptionsCollector())
	}
	return reg
}
