package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/config"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/ledger"
	gatewayserver "github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/server"
)

// syncBuffer is written by the server goroutine and read by the test.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func noopTracing(context.Context, string, string, bool) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func relayTestConfig() config.Config {
	return config.Config{
		Addr:                "127.0.0.1:0",
		OpenAIAPIKey:        "sk-test",
		RealtimeURL:         "wss://api.openai.com/v1/realtime",
		RealtimeModel:       "gpt-realtime",
		Voice:               "alloy",
		OutboundQueue:       16,
		WSPingInterval:      time.Minute,
		WSWriteTimeout:      time.Second,
		DialTimeout:         time.Second,
		ReadHeaderTimeout:   time.Second,
		ShutdownGracePeriod: time.Second,
		LogLevel:            "info",
		LogFormat:           "text",
	}
}

func testDeps(t *testing.T) relayDeps {
	return relayDeps{
		loadConfig:   func() (config.Config, error) { return relayTestConfig(), nil },
		newServer:    gatewayserver.New,
		openLedger:   func(context.Context, string) (ledger.Store, error) { return ledger.NopStore{}, nil },
		setupTracing: noopTracing,
		migrateUp: func(context.Context, string) ([]int64, error) {
			t.Fatalf("migrateUp should not be called")
			return nil, nil
		},
		migrationStatus: func(context.Context, string) ([]ledger.MigrationState, error) {
			t.Fatalf("migrationStatus should not be called")
			return nil, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {},
		signalStop:   func(c chan<- os.Signal) {},
	}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	deps := testDeps(t)
	deps.loadConfig = func() (config.Config, error) {
		return config.Config{}, errors.New("boom")
	}
	deps.newServer = func(config.Config, *slog.Logger, gatewayserver.Options) *gatewayserver.Server {
		t.Fatalf("newServer should not be called when config load fails")
		return nil
	}

	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), []string{"serve"}, io.Discard, &stderr, deps)

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if got := stderr.String(); !strings.Contains(got, "load config: boom") {
		t.Fatalf("stderr=%q", got)
	}
}

func TestRunMain_LedgerOpenFailureIsFatal(t *testing.T) {
	deps := testDeps(t)
	deps.openLedger = func(context.Context, string) (ledger.Store, error) {
		return nil, errors.New("connection refused")
	}

	var stderr bytes.Buffer
	if code := runMain(context.Background(), nil, io.Discard, &stderr, deps); code != 1 {
		t.Fatalf("exitCode=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "open call ledger") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestRunMain_SignalDrainsAndStops(t *testing.T) {
	deps := testDeps(t)
	deps.signalNotify = func(c chan<- os.Signal, sig ...os.Signal) {
		go func() { c <- os.Interrupt }()
	}

	stderr := &syncBuffer{}
	done := make(chan int, 1)
	go func() {
		done <- runMain(context.Background(), []string{"serve"}, io.Discard, stderr, deps)
	}()

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exitCode=%d stderr=%q", code, stderr.String())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after signal")
	}
	out := stderr.String()
	if !strings.Contains(out, "shutdown signal received") || !strings.Contains(out, "relay stopped") {
		t.Fatalf("stderr=%q", out)
	}
}

func TestMigrate_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("VAI_RELAY_DATABASE_URL", "")

	var stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"migrate", "up"}, io.Discard, &stderr, testDeps(t)); code != 1 {
		t.Fatalf("exitCode=%d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "database url is required") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestMigrate_UpAndStatus(t *testing.T) {
	t.Setenv("VAI_RELAY_DATABASE_URL", "postgres://env/ledger")

	var gotURL string
	deps := testDeps(t)
	deps.migrateUp = func(_ context.Context, url string) ([]int64, error) {
		gotURL = url
		return []int64{1}, nil
	}
	deps.migrationStatus = func(_ context.Context, url string) ([]ledger.MigrationState, error) {
		return []ledger.MigrationState{
			{Version: 1, Path: "00001_create_relay_calls.sql", Applied: true, AppliedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
			{Version: 2, Path: "00002_next.sql"},
		}, nil
	}

	var stdout bytes.Buffer
	if code := runMain(context.Background(), []string{"migrate", "up", "--database-url", "postgres://flag/ledger"}, &stdout, io.Discard, deps); code != 0 {
		t.Fatalf("up exitCode=%d", code)
	}
	if gotURL != "postgres://flag/ledger" {
		t.Fatalf("url=%q, want flag value", gotURL)
	}
	if !strings.Contains(stdout.String(), "applied 00001") {
		t.Fatalf("stdout=%q", stdout.String())
	}

	stdout.Reset()
	if code := runMain(context.Background(), []string{"migrate", "status"}, &stdout, io.Discard, deps); code != 0 {
		t.Fatalf("status exitCode=%d", code)
	}
	out := stdout.String()
	if !strings.Contains(out, "2026-01-02T03:04:05Z") || !strings.Contains(out, "pending") {
		t.Fatalf("stdout=%q", out)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	cfg := config.Config{
		Addr:              "127.0.0.1:9999",
		ReadHeaderTimeout: 2 * time.Second,
	}

	srv := buildHTTPServer(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
	if srv.ReadTimeout != 0 || srv.WriteTimeout != 0 {
		t.Fatalf("media streams need unbounded read/write timeouts")
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	cfg := relayTestConfig()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	logger := newLogger(cfg, &buf)

	logger.Info("hidden")
	logger.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("log=%q", out)
	}
}

func TestRelayHandlerStack_Smoke(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := gatewayserver.New(relayTestConfig(), logger, gatewayserver.Options{})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusOK)
	}
}
