package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address the gateway listens on.
	DefaultAddr = ":8443"
	// DefaultHeartbeatInterval controls the liveness sweep cadence; a
	// connection idle past twice this interval is force-disconnected.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultReconnectionWindow is how long a session survives offline
	// before its deferred cleanup fires.
	DefaultReconnectionWindow = 60 * time.Second
	// DefaultSessionIdleTTL is the safety-net threshold for the periodic
	// idle-session sweep.
	DefaultSessionIdleTTL = 5 * time.Minute
	// DefaultSessionSweepInterval is how often the idle sweep runs.
	DefaultSessionSweepInterval = 60 * time.Second
	// DefaultQueueCapacity bounds the per-user offline message queue.
	DefaultQueueCapacity = 100
	// DefaultDrainBatchSize is how many queued messages are delivered per
	// batch on reconnection.
	DefaultDrainBatchSize = 10
	// DefaultDrainBatchPause separates drain batches so a freshly
	// reconnected client is not overwhelmed.
	DefaultDrainBatchPause = 100 * time.Millisecond
	// DefaultAckTimeout is the window in which critical broadcasts expect
	// an acknowledgment before a warning is logged.
	DefaultAckTimeout = 10 * time.Second
	// DefaultMaxClients bounds concurrent connections. Zero disables the limit.
	DefaultMaxClients = 512
	// DefaultMaxPayloadBytes limits inbound websocket frame size.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultLogLevel controls gateway log verbosity.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "syncd.log"
	// DefaultLogMaxSizeMB caps a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
)

// LoggingConfig captures structured logging options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	Compress   bool
}

// Config captures all runtime tunables for the sync gateway.
type Config struct {
	Address              string
	AllowedOrigins       []string
	MaxPayloadBytes      int64
	MaxClients           int
	HeartbeatInterval    time.Duration
	ReconnectionWindow   time.Duration
	SessionIdleTTL       time.Duration
	SessionSweepInterval time.Duration
	QueueCapacity        int
	DrainBatchSize       int
	DrainBatchPause      time.Duration
	AckTimeout           time.Duration
	TokenSecret          string
	TokenLeeway          time.Duration
	UsersFile            string
	JournalPath          string
	Logging              LoggingConfig
}

// Load reads gateway configuration from environment variables, applying
// defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Address:              getString("SYNCD_ADDR", DefaultAddr),
		AllowedOrigins:       parseList(os.Getenv("SYNCD_ALLOWED_ORIGINS")),
		MaxPayloadBytes:      DefaultMaxPayloadBytes,
		MaxClients:           DefaultMaxClients,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		ReconnectionWindow:   DefaultReconnectionWindow,
		SessionIdleTTL:       DefaultSessionIdleTTL,
		SessionSweepInterval: DefaultSessionSweepInterval,
		QueueCapacity:        DefaultQueueCapacity,
		DrainBatchSize:       DefaultDrainBatchSize,
		DrainBatchPause:      DefaultDrainBatchPause,
		AckTimeout:           DefaultAckTimeout,
		TokenSecret:          strings.TrimSpace(os.Getenv("SYNCD_TOKEN_SECRET")),
		TokenLeeway:          2 * time.Second,
		UsersFile:            strings.TrimSpace(os.Getenv("SYNCD_USERS_FILE")),
		JournalPath:          strings.TrimSpace(os.Getenv("SYNCD_JOURNAL_PATH")),
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("SYNCD_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("SYNCD_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			Compress:   true,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("SYNCD_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SYNCD_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_MAX_CLIENTS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("SYNCD_MAX_CLIENTS must be a non-negative integer, got %q", raw))
		} else {
			cfg.MaxClients = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_QUEUE_CAPACITY")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SYNCD_QUEUE_CAPACITY must be a positive integer, got %q", raw))
		} else {
			cfg.QueueCapacity = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("SYNCD_DRAIN_BATCH_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("SYNCD_DRAIN_BATCH_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.DrainBatchSize = value
		}
	}

	durations := []struct {
		env      string
		target   *time.Duration
		name     string
		positive bool
	}{
		{"SYNCD_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval, "heartbeat interval", true},
		{"SYNCD_RECONNECTION_WINDOW", &cfg.ReconnectionWindow, "reconnection window", true},
		{"SYNCD_SESSION_IDLE_TTL", &cfg.SessionIdleTTL, "session idle TTL", true},
		{"SYNCD_SESSION_SWEEP_INTERVAL", &cfg.SessionSweepInterval, "session sweep interval", true},
		{"SYNCD_DRAIN_BATCH_PAUSE", &cfg.DrainBatchPause, "drain batch pause", false},
		{"SYNCD_ACK_TIMEOUT", &cfg.AckTimeout, "ack timeout", true},
	}
	for _, entry := range durations {
		raw := strings.TrimSpace(os.Getenv(entry.env))
		if raw == "" {
			continue
		}
		duration, err := time.ParseDuration(raw)
		if err != nil || (entry.positive && duration <= 0) || duration < 0 {
			problems = append(problems, fmt.Sprintf("%s must be a valid duration, got %q", entry.env, raw))
			continue
		}
		*entry.target = duration
	}

	if raw := strings.TrimSpace(getString("SYNCD_LOG_LEVEL", DefaultLogLevel)); raw != "" {
		switch strings.ToLower(raw) {
		case "debug", "info", "warn", "warning", "error", "fatal":
		default:
			problems = append(problems, fmt.Sprintf("SYNCD_LOG_LEVEL must be one of debug, info, warn, error, fatal; got %q", raw))
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
