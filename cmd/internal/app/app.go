// Package app wires the Canon server runtime: config, logging, HTTP routes,
// the room hub and its journal, and the realtime gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"canon/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// App is the Canon server runtime: it owns HTTP server wiring, the hub and
// the journal lifecycle.
type App struct {
	cfg Config
	log Logger

	journal realtime.EventJournal

	dbPool    *pgxpool.Pool
	dbEnabled bool

	hub *realtime.Hub
	ws  *realtime.WSGateway
	api *realtime.API

	metrics *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	journal, dbPool, err := newJournal(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	hub := realtime.NewHub(log, journal, cfg.RoomOptions())

	return &App{
		cfg:       cfg,
		log:       log,
		journal:   journal,
		dbPool:    dbPool,
		dbEnabled: dbPool != nil,
		hub:       hub,
		ws:        realtime.NewWSGateway(log, hub, cfg.WSConfig()),
		api:       realtime.NewAPI(log, hub),
		metrics:   newMetricsRegistry(hub),
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.api, a.metrics)
	return WithRequestLogging(WithSecurityHeaders(mux), a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbEnabled,
		"replay_pending_edits", a.cfg.ReplayPendingEdits,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.close()
		return err
	}

	a.close()
	a.log.Info("server.stopped", "rooms", a.hub.Len())
	return nil
}

// close releases the journal, then the pool it borrows.
func (a *App) close() {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.log.Error("journal.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newJournal picks Postgres when a database URL is set, then SQLite when a
// journal path is set, else the in-memory journal.
// The app owns the pool; PostgresJournal.Close leaves it open.
func newJournal(ctx context.Context, cfg Config, log Logger) (realtime.EventJournal, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		if path := strings.TrimSpace(cfg.JournalPath); path != "" {
			j, err := realtime.OpenSQLiteJournal(ctx, path)
			if err != nil {
				return nil, nil, err
			}
			log.Info("db.disabled.sqlite_journal", "path", path)
			return j, nil, nil
		}
		log.Info("db.disabled.inmemory_journal", "max_events_per_room", cfg.JournalMaxEvents)
		return realtime.NewInMemoryJournal(cfg.JournalMaxEvents), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}

	j, err := realtime.NewPostgresJournal(pool, realtime.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_journal", "schema", cfg.DBSchema)
	return j, pool, nil
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
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

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart.
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
