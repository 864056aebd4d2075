package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/apierror"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/config"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/ledger"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/lifecycle"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/live/realtime"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/live/relay"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/live/sessions"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/mw"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/ratelimit"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/telemetry"
)

const ledgerWriteTimeout = 5 * time.Second

// MediaStreamHandler accepts Twilio media stream websockets and relays each
// one to an OpenAI Realtime session.
type MediaStreamHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Calls     *sessions.Tracker
	Metrics   *telemetry.Metrics
	Ledger    ledger.Store
}

func (h MediaStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}

	// Register before the drain check: shutdown sets draining and then waits
	// on the tracker, so a call either sees draining or is waited for.
	callID := "call_" + uuid.NewString()
	callCtx, cancelCall := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancelCall()
	unregister := h.Calls.Register(callID, sessions.Handle{Cancel: cancelCall, StartedAt: time.Now()})
	defer unregister()

	if h.Lifecycle.IsDraining() {
		writeAPIError(w, r, apierror.ErrUnavailable, "draining", "relay is draining")
		return
	}

	dec := h.Limiter.AcquireCall()
	if !dec.Allowed {
		if dec.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
		}
		writeAPIError(w, r, apierror.ErrOverloaded, "too_many_calls", "too many concurrent calls")
		return
	}
	defer dec.Permit.Release()

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger = logger.With("request_id", reqID)

	ctx, span := telemetry.Tracer().Start(callCtx, "relay.call",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("relay.call_id", callID)),
	)
	defer span.End()

	legCfg := relay.LegConfig{
		QueueSize:    h.Config.OutboundQueue,
		PingInterval: h.Config.WSPingInterval,
		WriteTimeout: h.Config.WSWriteTimeout,
		ReadLimit:    h.Config.MaxMessageBytes,
	}
	phone := relay.NewWSLeg(conn, relay.SourceTelephony, legCfg)

	rel, err := relay.New(relay.Dependencies{
		CallID:    callID,
		Telephony: phone,
		Logger:    logger,
		Metrics:   h.Metrics,
		Config: relay.Config{
			GreetingInstructions: h.Config.GreetingInstructions,
			PreReadyFrames:       h.Config.PreReadyFrames,
		},
	})
	if err != nil {
		logger.Error("relay init failed", "call_id", callID, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "relay init failed")
		_ = phone.Close()
		return
	}

	h.Metrics.CallStarted(ctx)
	defer h.Metrics.CallEnded(ctx)

	dialer := realtime.Dialer{
		URL:              h.Config.RealtimeURL,
		APIKey:           h.Config.OpenAIAPIKey,
		Model:            h.Config.RealtimeModel,
		Session:          realtime.TelephonySession(h.Config.RealtimeModel, h.Config.Voice, h.Config.Instructions),
		HandshakeTimeout: h.Config.DialTimeout,
		WriteTimeout:     h.Config.WSWriteTimeout,
		ReadLimit:        h.Config.MaxMessageBytes,
	}

	logger.Info("media stream connected", "call_id", callID)
	go phone.Pump(relay.DecodeTelephony, rel.Deliver)
	go rel.ConnectAI(dialer, legCfg)

	summary, runErr := rel.Run(ctx)

	span.SetAttributes(
		attribute.String("relay.stream_sid", summary.StreamID),
		attribute.String("relay.call_sid", summary.CallSID),
		attribute.String("relay.end_reason", summary.EndReason),
		attribute.Int64("relay.barge_ins", summary.Stats.BargeIns),
		attribute.Int64("relay.frames_forwarded", summary.Stats.FramesForwarded),
	)
	attrs := []any{
		"call_id", callID,
		"stream_sid", summary.StreamID,
		"end_reason", summary.EndReason,
		"duration_ms", summary.EndedAt.Sub(summary.StartedAt).Milliseconds(),
		"frames_forwarded", summary.Stats.FramesForwarded,
		"frames_dropped", summary.Stats.FramesDropped,
		"barge_ins", summary.Stats.BargeIns,
		"malformed_events", summary.Stats.MalformedEvents,
	}
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, summary.EndReason)
		logger.Warn("call ended with error", append(attrs, "error", runErr)...)
	} else {
		logger.Info("call ended", attrs...)
	}

	if h.Ledger != nil {
		// The call context is canceled on shutdown; the row is still written.
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerWriteTimeout)
		if err := h.Ledger.RecordCall(writeCtx, ledger.RecordFromSummary(summary)); err != nil {
			logger.Error("record call failed", "call_id", callID, "error", err)
		}
		cancel()
	}
}
