package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var relayEnvKeys = []string{
	"OPENAI_API_KEY",
	"VAI_RELAY_ADDR",
	"VAI_RELAY_PUBLIC_HOST",
	"VAI_RELAY_REALTIME_URL",
	"VAI_RELAY_REALTIME_MODEL",
	"VAI_RELAY_VOICE",
	"VAI_RELAY_INSTRUCTIONS",
	"VAI_RELAY_INSTRUCTIONS_FILE",
	"VAI_RELAY_GREETING_INSTRUCTIONS",
	"VAI_RELAY_CONNECT_PROMPT",
	"VAI_RELAY_TRUST_PROXY_HEADERS",
	"VAI_RELAY_MAX_CONCURRENT_CALLS",
	"VAI_RELAY_WEBHOOK_RPS",
	"VAI_RELAY_WEBHOOK_BURST",
	"VAI_RELAY_PRE_READY_FRAMES",
	"VAI_RELAY_OUTBOUND_QUEUE",
	"VAI_RELAY_WS_PING_INTERVAL",
	"VAI_RELAY_WS_WRITE_TIMEOUT",
	"VAI_RELAY_DIAL_TIMEOUT",
	"VAI_RELAY_MAX_MESSAGE_BYTES",
	"VAI_RELAY_READ_HEADER_TIMEOUT",
	"VAI_RELAY_SHUTDOWN_GRACE_PERIOD",
	"VAI_RELAY_DATABASE_URL",
	"VAI_RELAY_OTEL_ENDPOINT",
	"VAI_RELAY_OTEL_ENABLED",
	"VAI_RELAY_LOG_LEVEL",
	"VAI_RELAY_LOG_FORMAT",
}

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, key := range relayEnvKeys {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}

	if cfg.Addr != ":5050" {
		t.Fatalf("Addr=%q", cfg.Addr)
	}
	if cfg.OpenAIAPIKey != "sk-test" {
		t.Fatalf("OpenAIAPIKey=%q", cfg.OpenAIAPIKey)
	}
	if cfg.RealtimeURL != "wss://api.openai.com/v1/realtime" {
		t.Fatalf("RealtimeURL=%q", cfg.RealtimeURL)
	}
	if cfg.RealtimeModel != "gpt-realtime" || cfg.Voice != "alloy" {
		t.Fatalf("model=%q voice=%q", cfg.RealtimeModel, cfg.Voice)
	}
	if cfg.Instructions != DefaultInstructions || cfg.GreetingInstructions != DefaultGreetingInstructions {
		t.Fatalf("instructions not defaulted")
	}
	if cfg.ConnectPrompt != DefaultConnectPrompt {
		t.Fatalf("ConnectPrompt=%q", cfg.ConnectPrompt)
	}
	if cfg.TrustProxyHeaders {
		t.Fatalf("TrustProxyHeaders=%v", cfg.TrustProxyHeaders)
	}
	if cfg.MaxConcurrentCalls != 0 || cfg.WebhookRPS != 5 || cfg.WebhookBurst != 10 {
		t.Fatalf("limits=%d/%v/%d", cfg.MaxConcurrentCalls, cfg.WebhookRPS, cfg.WebhookBurst)
	}
	if cfg.PreReadyFrames != 250 || cfg.OutboundQueue != 256 {
		t.Fatalf("PreReadyFrames=%d OutboundQueue=%d", cfg.PreReadyFrames, cfg.OutboundQueue)
	}
	if cfg.WSPingInterval != 20*time.Second || cfg.WSWriteTimeout != 5*time.Second || cfg.DialTimeout != 10*time.Second {
		t.Fatalf("ws timings=%v/%v/%v", cfg.WSPingInterval, cfg.WSWriteTimeout, cfg.DialTimeout)
	}
	if cfg.MaxMessageBytes != 1<<20 {
		t.Fatalf("MaxMessageBytes=%d", cfg.MaxMessageBytes)
	}
	if cfg.ReadHeaderTimeout != 10*time.Second || cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("http timings=%v/%v", cfg.ReadHeaderTimeout, cfg.ShutdownGracePeriod)
	}
	if cfg.DatabaseURL != "" || cfg.OTelEndpoint != "" || !cfg.OTelEnabled {
		t.Fatalf("db=%q otel=%q/%v", cfg.DatabaseURL, cfg.OTelEndpoint, cfg.OTelEnabled)
	}
	level, err := cfg.SlogLevel()
	if err != nil || level != slog.LevelInfo {
		t.Fatalf("level=%v err=%v", level, err)
	}
	if cfg.LogFormat != "text" {
		t.Fatalf("LogFormat=%q", cfg.LogFormat)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("VAI_RELAY_ADDR", ":9000")
	t.Setenv("VAI_RELAY_PUBLIC_HOST", "https://relay.example.com/")
	t.Setenv("VAI_RELAY_VOICE", "verse")
	t.Setenv("VAI_RELAY_MAX_CONCURRENT_CALLS", "12")
	t.Setenv("VAI_RELAY_TRUST_PROXY_HEADERS", "true")
	t.Setenv("VAI_RELAY_WS_PING_INTERVAL", "7s")
	t.Setenv("VAI_RELAY_LOG_LEVEL", "debug")
	t.Setenv("VAI_RELAY_LOG_FORMAT", "json")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":9000" || cfg.Voice != "verse" || cfg.MaxConcurrentCalls != 12 {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.PublicHost != "relay.example.com" {
		t.Fatalf("PublicHost=%q", cfg.PublicHost)
	}
	if !cfg.TrustProxyHeaders || cfg.WSPingInterval != 7*time.Second {
		t.Fatalf("trust=%v ping=%v", cfg.TrustProxyHeaders, cfg.WSPingInterval)
	}
	if level, _ := cfg.SlogLevel(); level != slog.LevelDebug {
		t.Fatalf("level=%v", level)
	}
}

func TestLoadFromEnv_RequiresAPIKey(t *testing.T) {
	clearRelayEnv(t)
	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Fatalf("err=%v", err)
	}
}

func TestLoadFromEnv_InstructionsFile(t *testing.T) {
	clearRelayEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	path := filepath.Join(t.TempDir(), "prompt.txt")
	if err := os.WriteFile(path, []byte("You take pizza orders."), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VAI_RELAY_INSTRUCTIONS", "ignored")
	t.Setenv("VAI_RELAY_INSTRUCTIONS_FILE", path)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Instructions != "You take pizza orders." {
		t.Fatalf("Instructions=%q", cfg.Instructions)
	}

	t.Setenv("VAI_RELAY_INSTRUCTIONS_FILE", filepath.Join(t.TempDir(), "missing.txt"))
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for missing instructions file")
	}
}

func TestLoadFromEnv_InvalidValues(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"VAI_RELAY_REALTIME_URL", "https://api.openai.com/v1/realtime", "VAI_RELAY_REALTIME_URL"},
		{"VAI_RELAY_MAX_CONCURRENT_CALLS", "-1", "VAI_RELAY_MAX_CONCURRENT_CALLS"},
		{"VAI_RELAY_OUTBOUND_QUEUE", "0", "VAI_RELAY_OUTBOUND_QUEUE"},
		{"VAI_RELAY_PRE_READY_FRAMES", "256", "VAI_RELAY_PRE_READY_FRAMES"},
		{"VAI_RELAY_WS_WRITE_TIMEOUT", "0s", "VAI_RELAY_WS_WRITE_TIMEOUT"},
		{"VAI_RELAY_LOG_LEVEL", "loud", "VAI_RELAY_LOG_LEVEL"},
		{"VAI_RELAY_LOG_FORMAT", "xml", "VAI_RELAY_LOG_FORMAT"},
		{"VAI_RELAY_DIAL_TIMEOUT", "soon", "parse env"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			clearRelayEnv(t)
			t.Setenv("OPENAI_API_KEY", "sk-test")
			t.Setenv(tc.key, tc.value)
			_, err := LoadFromEnv()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want mention of %s", err, tc.want)
			}
		})
	}
}
