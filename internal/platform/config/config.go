// Package config loads the typed application configuration from the
// environment.
package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Server holds HTTP listener settings.
type Server struct {
	Addr string `envconfig:"SERVER_ADDR" default:":8080"`
}

// Feed configures the upstream quoting venue connection.
type Feed struct {
	Endpoint          string        `envconfig:"DERIV_WS_ENDPOINT" default:"wss://ws.derivws.com/websockets/v3"`
	AppID             string        `envconfig:"DERIV_APP_ID" default:"1010"`
	APIToken          string        `envconfig:"DERIV_API_TOKEN"`
	RequestsPerMinute int           `envconfig:"FEED_REQUESTS_PER_MINUTE" default:"60"`
	PendingQueueDepth int           `envconfig:"FEED_PENDING_QUEUE_DEPTH" default:"32"`
	ReconnectCeiling  time.Duration `envconfig:"FEED_RECONNECT_CEILING" default:"30s"`
}

// Aggregator configures candle bucketing and history retention.
type Aggregator struct {
	BucketSeconds  int64 `envconfig:"CANDLE_BUCKET_SECONDS" default:"60"`
	HistoryDepth   int   `envconfig:"CANDLE_HISTORY_DEPTH" default:"500"`
	SnapshotTTLSec int   `envconfig:"PRICE_SNAPSHOT_TTL_SECONDS" default:"86400"`
}

// Hub configures per-session outbound queues.
type Hub struct {
	PriceQueueDepth   int           `envconfig:"SESSION_PRICE_QUEUE_DEPTH" default:"64"`
	ControlQueueDepth int           `envconfig:"SESSION_CONTROL_QUEUE_DEPTH" default:"256"`
	WriteTimeout      time.Duration `envconfig:"SESSION_WRITE_TIMEOUT" default:"10s"`
}

// Behavior holds the tunable rule thresholds and discipline weights.
// Weights are configuration, not hardcoded semantics.
type Behavior struct {
	WindowSize           int           `envconfig:"BEHAVIOR_WINDOW_SIZE" default:"50"`
	MinTrades            int           `envconfig:"BEHAVIOR_MIN_TRADES" default:"5"`
	OversizeMultiplier   float64       `envconfig:"BEHAVIOR_OVERSIZE_MULTIPLIER" default:"2.0"`
	RapidEntryInterval   time.Duration `envconfig:"BEHAVIOR_RAPID_ENTRY_INTERVAL" default:"60s"`
	EscalationRunLength  int           `envconfig:"BEHAVIOR_ESCALATION_RUN_LENGTH" default:"3"`
	OversizeWeight       float64       `envconfig:"BEHAVIOR_OVERSIZE_WEIGHT" default:"0.4"`
	RapidEntryWeight     float64       `envconfig:"BEHAVIOR_RAPID_ENTRY_WEIGHT" default:"0.3"`
	EscalationWeight     float64       `envconfig:"BEHAVIOR_ESCALATION_WEIGHT" default:"0.3"`
	NudgeCooldown        time.Duration `envconfig:"BEHAVIOR_NUDGE_COOLDOWN" default:"5m"`
	CelebrationThreshold float64       `envconfig:"BEHAVIOR_CELEBRATION_THRESHOLD" default:"0.9"`
}

// AppConfig is the process-wide configuration root.
type AppConfig struct {
	Server     Server
	Feed       Feed
	Aggregator Aggregator
	Hub        Hub
	Behavior   Behavior
}

// Load reads .env if present and maps the environment onto AppConfig.
func Load() (*AppConfig, error) {
	// .env が無い環境（本番など）もあるのでエラーは無視する
	_ = godotenv.Load()

	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
