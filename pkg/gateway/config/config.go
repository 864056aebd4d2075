package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultInstructions = "You are a friendly, concise voice assistant answering a phone call. " +
		"Speak naturally, keep answers short, and stop talking as soon as the caller interrupts."
	DefaultGreetingInstructions = "Greet the caller warmly in one short sentence and ask how you can help."
	DefaultConnectPrompt        = "Please wait while we connect your call to the A. I. voice assistant."
)

type Config struct {
	Addr string `env:"VAI_RELAY_ADDR" envDefault:":5050"`

	// PublicHost is the host Twilio dials back for the media stream. Empty
	// uses the Host of the incoming webhook request.
	PublicHost string `env:"VAI_RELAY_PUBLIC_HOST"`

	OpenAIAPIKey         string `env:"OPENAI_API_KEY"`
	RealtimeURL          string `env:"VAI_RELAY_REALTIME_URL" envDefault:"wss://api.openai.com/v1/realtime"`
	RealtimeModel        string `env:"VAI_RELAY_REALTIME_MODEL" envDefault:"gpt-realtime"`
	Voice                string `env:"VAI_RELAY_VOICE" envDefault:"alloy"`
	Instructions         string `env:"VAI_RELAY_INSTRUCTIONS"`
	InstructionsFile     string `env:"VAI_RELAY_INSTRUCTIONS_FILE"`
	GreetingInstructions string `env:"VAI_RELAY_GREETING_INSTRUCTIONS"`
	ConnectPrompt        string `env:"VAI_RELAY_CONNECT_PROMPT"`

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the relay is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool `env:"VAI_RELAY_TRUST_PROXY_HEADERS" envDefault:"false"`

	MaxConcurrentCalls int     `env:"VAI_RELAY_MAX_CONCURRENT_CALLS" envDefault:"0"`
	WebhookRPS         float64 `env:"VAI_RELAY_WEBHOOK_RPS" envDefault:"5"`
	WebhookBurst       int     `env:"VAI_RELAY_WEBHOOK_BURST" envDefault:"10"`

	// Per-call relay tuning.
	PreReadyFrames  int           `env:"VAI_RELAY_PRE_READY_FRAMES" envDefault:"250"`
	OutboundQueue   int           `env:"VAI_RELAY_OUTBOUND_QUEUE" envDefault:"256"`
	WSPingInterval  time.Duration `env:"VAI_RELAY_WS_PING_INTERVAL" envDefault:"20s"`
	WSWriteTimeout  time.Duration `env:"VAI_RELAY_WS_WRITE_TIMEOUT" envDefault:"5s"`
	DialTimeout     time.Duration `env:"VAI_RELAY_DIAL_TIMEOUT" envDefault:"10s"`
	MaxMessageBytes int64         `env:"VAI_RELAY_MAX_MESSAGE_BYTES" envDefault:"1048576"`

	// Operational defaults
	ReadHeaderTimeout   time.Duration `env:"VAI_RELAY_READ_HEADER_TIMEOUT" envDefault:"10s"`
	ShutdownGracePeriod time.Duration `env:"VAI_RELAY_SHUTDOWN_GRACE_PERIOD" envDefault:"30s"`

	DatabaseURL string `env:"VAI_RELAY_DATABASE_URL"`

	OTelEndpoint string `env:"VAI_RELAY_OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"VAI_RELAY_OTEL_ENABLED" envDefault:"true"`

	LogLevel  string `env:"VAI_RELAY_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"VAI_RELAY_LOG_FORMAT" envDefault:"text"`
}

// LoadFromEnv parses the environment and validates the result.
func LoadFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg.OpenAIAPIKey = strings.TrimSpace(cfg.OpenAIAPIKey)
	if cfg.OpenAIAPIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY must be set")
	}

	if path := strings.TrimSpace(cfg.InstructionsFile); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("VAI_RELAY_INSTRUCTIONS_FILE: %w", err)
		}
		cfg.Instructions = string(raw)
	}
	if strings.TrimSpace(cfg.Instructions) == "" {
		cfg.Instructions = DefaultInstructions
	}
	if strings.TrimSpace(cfg.GreetingInstructions) == "" {
		cfg.GreetingInstructions = DefaultGreetingInstructions
	}
	if strings.TrimSpace(cfg.ConnectPrompt) == "" {
		cfg.ConnectPrompt = DefaultConnectPrompt
	}
	cfg.PublicHost = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(cfg.PublicHost), "https://"), "http://"), "/")

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("VAI_RELAY_ADDR must not be empty")
	}
	if !strings.HasPrefix(cfg.RealtimeURL, "wss://") && !strings.HasPrefix(cfg.RealtimeURL, "ws://") {
		return fmt.Errorf("VAI_RELAY_REALTIME_URL must be a ws:// or wss:// url")
	}
	if strings.TrimSpace(cfg.RealtimeModel) == "" {
		return fmt.Errorf("VAI_RELAY_REALTIME_MODEL must not be empty")
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		return fmt.Errorf("VAI_RELAY_VOICE must not be empty")
	}
	if cfg.MaxConcurrentCalls < 0 {
		return fmt.Errorf("VAI_RELAY_MAX_CONCURRENT_CALLS must be >= 0")
	}
	if cfg.WebhookRPS < 0 {
		return fmt.Errorf("VAI_RELAY_WEBHOOK_RPS must be >= 0")
	}
	if cfg.WebhookBurst < 0 {
		return fmt.Errorf("VAI_RELAY_WEBHOOK_BURST must be >= 0")
	}
	if cfg.PreReadyFrames < 0 {
		return fmt.Errorf("VAI_RELAY_PRE_READY_FRAMES must be >= 0")
	}
	if cfg.OutboundQueue <= 0 {
		return fmt.Errorf("VAI_RELAY_OUTBOUND_QUEUE must be > 0")
	}
	// The buffered frames and the greeting are queued in one burst when the
	// AI leg connects.
	if cfg.PreReadyFrames >= cfg.OutboundQueue {
		return fmt.Errorf("VAI_RELAY_PRE_READY_FRAMES must be < VAI_RELAY_OUTBOUND_QUEUE (%d)", cfg.OutboundQueue)
	}
	if cfg.WSPingInterval <= 0 {
		return fmt.Errorf("VAI_RELAY_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("VAI_RELAY_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.DialTimeout <= 0 {
		return fmt.Errorf("VAI_RELAY_DIAL_TIMEOUT must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return fmt.Errorf("VAI_RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VAI_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VAI_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if _, err := cfg.SlogLevel(); err != nil {
		return err
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("VAI_RELAY_LOG_FORMAT must be one of text|json")
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level.
func (cfg Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("VAI_RELAY_LOG_LEVEL must be one of debug|info|warn|error")
	}
	return level, nil
}
