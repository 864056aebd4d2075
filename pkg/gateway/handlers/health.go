package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/config"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/lifecycle"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/live/sessions"
)

const ServiceName = "vai-relay"

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler fails while draining or when the relay cannot place AI calls.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining"`
		CallCapEnabled bool     `json:"call_cap_enabled"`
		LedgerEnabled  bool     `json:"ledger_enabled"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "draining")
	}
	if strings.TrimSpace(h.Config.OpenAIAPIKey) == "" {
		issues = append(issues, "openai api key is not configured")
	}
	if !strings.HasPrefix(h.Config.RealtimeURL, "wss://") && !strings.HasPrefix(h.Config.RealtimeURL, "ws://") {
		issues = append(issues, "realtime url must be ws:// or wss://")
	}
	if h.Config.OutboundQueue <= 0 {
		issues = append(issues, "outbound queue must be > 0")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		Draining:       draining,
		CallCapEnabled: h.Config.MaxConcurrentCalls > 0,
		LedgerEnabled:  strings.TrimSpace(h.Config.DatabaseURL) != "",
		Issues:         issues,
	})
}

// StatusHandler serves the service banner at "/".
type StatusHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Calls     *sessions.Tracker
}

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		NotFoundHandler{}.ServeHTTP(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeMethodNotAllowed(w, r, http.MethodGet, http.MethodHead)
		return
	}

	type statusResp struct {
		Service       string `json:"service"`
		Status        string `json:"status"`
		ActiveCalls   int    `json:"active_calls"`
		Draining      bool   `json:"draining"`
		UptimeSeconds int64  `json:"uptime_seconds"`
	}
	draining := h.Lifecycle.IsDraining()
	status := "ok"
	if draining {
		status = "draining"
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(statusResp{
		Service:       ServiceName,
		Status:        status,
		ActiveCalls:   h.Calls.Count(),
		Draining:      draining,
		UptimeSeconds: int64(h.Lifecycle.Uptime().Seconds()),
	})
}
