package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/config"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/handlers"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/ledger"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/lifecycle"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/live/sessions"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/mw"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/ratelimit"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/telemetry"
)

// Options carries the optional collaborators of a Server.
type Options struct {
	Metrics *telemetry.Metrics
	Ledger  ledger.Store
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	limiter   *ratelimit.Limiter
	lifecycle *lifecycle.Lifecycle
	calls     *sessions.Tracker
	metrics   *telemetry.Metrics
	ledger    ledger.Store
}

func New(cfg config.Config, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Ledger == nil {
		opts.Ledger = ledger.NopStore{}
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                cfg.WebhookRPS,
			Burst:              cfg.WebhookBurst,
			MaxConcurrentCalls: cfg.MaxConcurrentCalls,
		}),
		lifecycle: lifecycle.New(),
		calls:     sessions.NewTracker(),
		metrics:   opts.Metrics,
		ledger:    opts.Ledger,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/", handlers.StatusHandler{Lifecycle: s.lifecycle, Calls: s.calls})
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Lifecycle: s.lifecycle})

	s.mux.Handle("/incoming-call", handlers.IncomingCallHandler{
		Config: s.cfg,
		Logger: s.logger,
	})
	s.mux.Handle(handlers.MediaStreamPath, handlers.MediaStreamHandler{
		Config:    s.cfg,
		Logger:    s.logger,
		Limiter:   s.limiter,
		Lifecycle: s.lifecycle,
		Calls:     s.calls,
		Metrics:   s.metrics,
		Ledger:    s.ledger,
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.limiter, s.cfg.TrustProxyHeaders, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining flips readiness and makes the media endpoint refuse new calls.
func (s *Server) SetDraining(draining bool) {
	s.lifecycle.SetDraining(draining)
}

func (s *Server) ActiveCalls() int {
	return s.calls.Count()
}

func (s *Server) CallIDs() []string {
	return s.calls.IDs()
}

// WaitCalls blocks until every live call has ended or ctx is done.
func (s *Server) WaitCalls(ctx context.Context) bool {
	return s.calls.Wait(ctx)
}

func (s *Server) CancelCalls() int {
	return s.calls.CancelAll()
}
