package app

import (
	"time"

	"quorum/cmd/internal/coord"
	"quorum/cmd/internal/gateway"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisURL switches the record store from in-process memory to
	// Redis; with Redis every server process shares leader, state and
	// recovery records.
	RedisURL string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// SessionAccessTTL bounds access tokens minted on refresh.
	SessionAccessTTL time.Duration

	// Coord carries the coordination timing and weighting knobs.
	Coord coord.Config

	// WS carries the websocket gateway transport and security knobs.
	WS gateway.Options
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("QUORUM_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("QUORUM_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("QUORUM_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("QUORUM_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("QUORUM_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("QUORUM_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("QUORUM_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("QUORUM_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("QUORUM_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("QUORUM_DB_MIN_CONNS", 0),

		RedisURL: EnvString("QUORUM_REDIS_URL", ""),

		ReadinessRequireDB: EnvBool("QUORUM_READINESS_REQUIRE_DB", false),

		SessionAccessTTL: EnvDuration("QUORUM_SESSION_ACCESS_TTL", 15*time.Minute),

		Coord: loadCoordConfig(),
		WS:    loadWSOptions(),
	}
}

func loadWSOptions() gateway.Options {
	def := gateway.DefaultOptions()
	return gateway.Options{
		DevInsecure:    EnvBool("QUORUM_WS_DEV_INSECURE", false),
		OriginRequired: EnvBool("QUORUM_WS_ORIGIN_REQUIRED", def.OriginRequired),
		AllowedOrigins: EnvCSV("QUORUM_WS_ALLOWED_ORIGINS", def.AllowedOrigins),

		WriteTimeout:    EnvDuration("QUORUM_WS_WRITE_TIMEOUT", def.WriteTimeout),
		ReadIdleTimeout: EnvDuration("QUORUM_WS_READ_IDLE_TIMEOUT", def.ReadIdleTimeout),
		HelloTimeout:    EnvDuration("QUORUM_WS_HELLO_TIMEOUT", def.HelloTimeout),

		HeartbeatInterval: EnvDuration("QUORUM_WS_HEARTBEAT_INTERVAL", def.HeartbeatInterval),
		HeartbeatTimeout:  EnvDuration("QUORUM_WS_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),

		RateEvents: EnvInt("QUORUM_WS_RATE_EVENTS", def.RateEvents),
		RateWindow: EnvDuration("QUORUM_WS_RATE_WINDOW", def.RateWindow),
	}
}

func loadCoordConfig() coord.Config {
	def := coord.DefaultConfig()
	return coord.Config{
		CandidateDelay:      EnvDuration("QUORUM_ELECTION_CANDIDATE_DELAY", def.CandidateDelay),
		TransferGrace:       EnvDuration("QUORUM_ELECTION_TRANSFER_GRACE", def.TransferGrace),
		RecoveryTTL:         EnvDuration("QUORUM_RECOVERY_TTL", def.RecoveryTTL),
		RecoveryMaxAttempts: EnvInt("QUORUM_RECOVERY_MAX_ATTEMPTS", def.RecoveryMaxAttempts),
		VisibleWeight:       EnvInt("QUORUM_ELECTION_VISIBLE_WEIGHT", def.VisibleWeight),
		HiddenWeight:        EnvInt("QUORUM_ELECTION_HIDDEN_WEIGHT", def.HiddenWeight),
		RoomTTL:             EnvDuration("QUORUM_ROOM_TTL", def.RoomTTL),
		LeaderTTL:           EnvDuration("QUORUM_LEADER_TTL", def.LeaderTTL),
		StateTTL:            EnvDuration("QUORUM_STATE_TTL", def.StateTTL),
		SendQueueSize:       EnvInt("QUORUM_WS_SEND_QUEUE", def.SendQueueSize),
	}
}
