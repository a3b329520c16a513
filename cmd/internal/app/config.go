package app

import (
	"strings"
	"time"

	"canon/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// JournalPath selects the SQLite journal when no DatabaseURL is set.
	JournalPath string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Timeline and room behavior.
	SubscriberBuffer   int
	ReplayPendingEdits bool
	JournalMaxEvents   int
	HydratePageSize    int

	// HTTP API rate limit, per remote IP.
	APIRateEvents int
	APIRateWindow time.Duration

	// WebSocket gateway.
	WSDevInsecure       bool
	WSOriginRequired    bool
	WSAllowedOrigins    []string
	WSSendQueueSize     int
	WSWriteTimeout      time.Duration
	WSReadIdleTimeout   time.Duration
	WSHeartbeatInterval time.Duration
	WSRateEvents        int
	WSRateWindow        time.Duration

	// Browser access to the HTTP API.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Tracing is exported over OTLP/HTTP only when an endpoint is set.
	OTelEndpoint    string
	OTelServiceName string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CANON_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CANON_LOG_LEVEL", "info"),
		LogFormat: EnvString("CANON_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CANON_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CANON_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CANON_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CANON_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("CANON_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("CANON_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("CANON_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CANON_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("CANON_DB_SCHEMA", "canon"),

		JournalPath: EnvString("CANON_JOURNAL_PATH", ""),

		ReadinessRequireDB: EnvBool("CANON_READINESS_REQUIRE_DB", false),

		SubscriberBuffer:   EnvInt("CANON_SUBSCRIBER_BUFFER", 256),
		ReplayPendingEdits: EnvBool("CANON_REPLAY_PENDING_EDITS", false),
		JournalMaxEvents:   EnvInt("CANON_JOURNAL_MAX_EVENTS", 10_000),
		HydratePageSize:    EnvInt("CANON_HYDRATE_PAGE_SIZE", 500),

		APIRateEvents: EnvInt("CANON_API_RATE_EVENTS", 60),
		APIRateWindow: EnvDuration("CANON_API_RATE_WINDOW", 10*time.Second),

		WSDevInsecure:       EnvBool("CANON_WS_DEV_INSECURE", false),
		WSOriginRequired:    EnvBool("CANON_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:    EnvList("CANON_WS_ALLOWED_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		WSSendQueueSize:     EnvInt("CANON_WS_SEND_QUEUE", 256),
		WSWriteTimeout:      EnvDuration("CANON_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:   EnvDuration("CANON_WS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSHeartbeatInterval: EnvDuration("CANON_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSRateEvents:        EnvInt("CANON_WS_RATE_EVENTS", 120),
		WSRateWindow:        EnvDuration("CANON_WS_RATE_WINDOW", 10*time.Second),

		CORSAllowedOrigins:   EnvList("CANON_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("CANON_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("CANON_CORS_MAX_AGE_SECONDS", 600),

		OTelEndpoint:    EnvString("CANON_OTEL_ENDPOINT", ""),
		OTelServiceName: EnvString("CANON_OTEL_SERVICE_NAME", "canon"),
	}
}

// RoomOptions maps the timeline settings onto realtime.RoomOptions.
func (c Config) RoomOptions() realtime.RoomOptions {
	return realtime.RoomOptions{
		SubscriberBuffer:   c.SubscriberBuffer,
		ReplayPendingEdits: c.ReplayPendingEdits,
		HydratePageSize:    c.HydratePageSize,
	}
}

// WSConfig maps the gateway settings onto realtime.WSConfig.
func (c Config) WSConfig() realtime.WSConfig {
	return realtime.WSConfig{
		DevInsecure:       c.WSDevInsecure,
		OriginRequired:    c.WSOriginRequired,
		AllowedOrigins:    c.WSAllowedOrigins,
		WriteTimeout:      c.WSWriteTimeout,
		ReadIdleTimeout:   c.WSReadIdleTimeout,
		SendQueueSize:     c.WSSendQueueSize,
		HeartbeatInterval: c.WSHeartbeatInterval,
		RateEvents:        c.WSRateEvents,
		RateWindow:        c.WSRateWindow,
	}
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
