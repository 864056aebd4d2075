// Package relay runs one phone call: it joins the caller's media stream to a
// realtime AI session and handles the caller talking over the AI.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/live/realtime"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/live/telephony"
)

// MarkName labels every playback mark sent after an AI audio chunk.
const MarkName = "ai-response"

type Config struct {
	// GreetingInstructions drive the opening response. Empty lets the model
	// greet from its session instructions.
	GreetingInstructions string
	// PreReadyFrames bounds caller audio held while the AI leg is connecting.
	PreReadyFrames int
	EventBuffer    int
}

// Metrics receives per-call counters. A nil Metrics records nothing.
type Metrics interface {
	MediaForwarded(ctx context.Context)
	MediaDropped(ctx context.Context, reason string)
	BargeIn(ctx context.Context)
	MalformedEvent(ctx context.Context, source string)
}

type Dependencies struct {
	CallID    string
	Telephony Leg
	Logger    *slog.Logger
	Metrics   Metrics
	Config    Config
	Now       func() time.Time
}

// Dialer opens a configured AI leg.
type Dialer interface {
	Dial(ctx context.Context) (*websocket.Conn, error)
}

type Relay struct {
	cfg     Config
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time

	sess      Session
	telephony Leg
	ai        Leg
	preReady  []string

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards finished; Deliver holds it shared so nothing is queued after
	// Run has drained the channel.
	mu       sync.RWMutex
	finished bool

	endedAt   time.Time
	endReason string
	runErr    error
}

func New(deps Dependencies) (*Relay, error) {
	if deps.Telephony == nil {
		return nil, fmt.Errorf("telephony leg is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Config.PreReadyFrames < 0 {
		deps.Config.PreReadyFrames = 0
	}
	if deps.Config.EventBuffer <= 0 {
		deps.Config.EventBuffer = 64
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		cfg:       deps.Config,
		logger:    deps.Logger.With("call_id", deps.CallID),
		metrics:   deps.Metrics,
		now:       deps.Now,
		telephony: deps.Telephony,
		events:    make(chan Event, deps.Config.EventBuffer),
		ctx:       ctx,
		cancel:    cancel,
	}
	r.sess = Session{
		CallID:    deps.CallID,
		State:     StateInitializing,
		StartedAt: deps.Now(),
	}
	return r, nil
}

// Deliver hands an event to the relay loop. It reports false once the
// session has ended; the event is then discarded.
func (r *Relay) Deliver(ev Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.finished {
		return false
	}
	select {
	case <-r.ctx.Done():
		return false
	default:
	}
	select {
	case r.events <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// Cancel ends the session from outside, e.g. on server shutdown.
func (r *Relay) Cancel() {
	r.cancel()
}

// Run processes events until the session closes. The returned error is the
// transport fault that ended the call, if any.
func (r *Relay) Run(ctx context.Context) (Summary, error) {
	defer r.drain()
	if ctx != nil {
		stop := context.AfterFunc(ctx, r.cancel)
		defer stop()
	}

	for r.sess.State != StateClosed {
		select {
		case <-r.ctx.Done():
			r.closeSession("canceled", nil)
		case ev := <-r.events:
			r.handle(ev)
		}
	}
	return r.summary(), r.runErr
}

// drain stops further deliveries and closes any AI leg that connected after
// the session ended.
func (r *Relay) drain() {
	r.cancel()
	r.mu.Lock()
	r.finished = true
	r.mu.Unlock()
	for {
		select {
		case ev := <-r.events:
			if c, ok := ev.Payload.(AIConnected); ok && c.Leg != nil {
				_ = c.Leg.Close()
			}
		default:
			return
		}
	}
}

// ConnectAI dials the AI leg, hands it to the loop and then pumps its events.
// It returns when the leg closes.
func (r *Relay) ConnectAI(d Dialer, cfg LegConfig) {
	conn, err := d.Dial(r.ctx)
	if err != nil {
		r.Deliver(Event{Source: SourceAI, Payload: LegClosed{Err: fmt.Errorf("dial: %w", err)}})
		return
	}
	leg := NewWSLeg(conn, SourceAI, cfg)
	if !r.Deliver(Event{Source: SourceAI, Payload: AIConnected{Leg: leg}}) {
		_ = leg.Close()
		return
	}
	leg.Pump(DecodeAI, r.Deliver)
}

// DecodeTelephony and DecodeAI adapt the wire decoders to Pump.
func DecodeTelephony(data []byte) (any, error) {
	return telephony.Decode(data)
}

func DecodeAI(data []byte) (any, error) {
	ev, err := realtime.DecodeServerEvent(data)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (r *Relay) handle(ev Event) {
	if r.sess.State == StateClosed {
		if c, ok := ev.Payload.(AIConnected); ok && c.Leg != nil {
			_ = c.Leg.Close()
		}
		return
	}

	switch msg := ev.Payload.(type) {
	case telephony.Connected:
		r.logger.Debug("media stream connected", "protocol", msg.Protocol, "version", msg.Version)
	case telephony.Start:
		r.onStart(msg)
	case telephony.Media:
		r.onMedia(msg)
	case telephony.Mark:
		r.onMark(msg)
	case telephony.DTMF:
		r.logger.Info("dtmf received", "digit", msg.Digit)
	case telephony.Stop:
		r.logger.Info("media stream stopped", "call_sid", msg.CallSID)
		r.closeSession("telephony_stop", nil)
	case AIConnected:
		r.onAIConnected(msg.Leg)
	case *realtime.ServerEvent:
		r.onAIEvent(msg)
	case LegClosed:
		r.onLegClosed(ev.Source, msg.Err)
	case Malformed:
		r.sess.Stats.MalformedEvents++
		r.metrics.MalformedEvent(r.ctx, ev.Source.String())
		r.logger.Warn("skipping malformed event", "source", ev.Source.String(), "error", msg.Err)
	default:
		r.logger.Debug("ignoring event", "source", ev.Source.String(), "type", fmt.Sprintf("%T", ev.Payload))
	}

	// A greeting refused by a full queue is retried on the next event.
	if r.sess.State != StateClosed && r.sess.AIReady && r.sess.TelephonyReady && !r.sess.GreetingSent {
		r.sendGreeting()
	}
}

func (r *Relay) onAIConnected(leg Leg) {
	if leg == nil {
		return
	}
	if r.ai != nil {
		r.logger.Warn("ignoring second ai leg")
		_ = leg.Close()
		return
	}
	r.ai = leg
	r.sess.AIReady = true
	if r.sess.State == StateInitializing {
		r.sess.State = StateAwaitingStart
	}
	r.logger.Info("ai leg ready", "state", r.sess.State.String(), "buffered_frames", len(r.preReady))

	if r.sess.TelephonyReady {
		r.sendGreeting()
	}

	buffered := r.preReady
	r.preReady = nil
	for _, payload := range buffered {
		r.forwardAudio(payload)
	}
}

func (r *Relay) onStart(msg telephony.Start) {
	if r.sess.StreamID != "" {
		if msg.StreamSID != r.sess.StreamID {
			r.logger.Warn("ignoring start for another stream", "stream_sid", msg.StreamSID, "current_stream_sid", r.sess.StreamID)
		} else {
			r.logger.Debug("ignoring repeated start")
		}
		return
	}

	r.sess.StreamID = msg.StreamSID
	r.sess.CallSID = msg.CallSID
	r.sess.AccountSID = msg.AccountSID
	r.sess.LatestMediaTimestamp = 0
	r.sess.resetTurn()
	r.sess.TelephonyReady = true
	r.sess.State = StateActive
	r.logger = r.logger.With("stream_sid", msg.StreamSID)
	r.logger.Info("media stream started",
		"call_sid", msg.CallSID,
		"encoding", msg.MediaFormat.Encoding,
		"sample_rate", msg.MediaFormat.SampleRate,
	)

	if r.sess.AIReady {
		r.sendGreeting()
	}
}

func (r *Relay) onMedia(msg telephony.Media) {
	if msg.TimestampMS >= r.sess.LatestMediaTimestamp {
		r.sess.LatestMediaTimestamp = msg.TimestampMS
	} else {
		r.sess.Stats.FramesOutOfOrder++
		r.logger.Debug("media timestamp went backwards", "timestamp", msg.TimestampMS, "latest", r.sess.LatestMediaTimestamp)
	}
	if msg.Payload == "" {
		return
	}

	if r.ai == nil {
		r.bufferAudio(msg.Payload)
		return
	}
	r.forwardAudio(msg.Payload)
}

func (r *Relay) bufferAudio(payload string) {
	if r.cfg.PreReadyFrames == 0 {
		r.dropAudio("ai_not_ready")
		return
	}
	if len(r.preReady) >= r.cfg.PreReadyFrames {
		r.preReady = r.preReady[1:]
		r.dropAudio("pre_ready_overflow")
	}
	r.preReady = append(r.preReady, payload)
	r.sess.Stats.FramesBuffered++
}

func (r *Relay) forwardAudio(payload string) {
	if err := r.ai.Send(realtime.AppendAudio(payload)); err != nil {
		reason := "ai_closed"
		if errors.Is(err, ErrBackpressure) {
			reason = "backpressure"
		}
		r.dropAudio(reason)
		return
	}
	r.sess.Stats.FramesForwarded++
	r.metrics.MediaForwarded(r.ctx)
}

func (r *Relay) dropAudio(reason string) {
	r.sess.Stats.FramesDropped++
	r.metrics.MediaDropped(r.ctx, reason)
	if r.sess.Stats.FramesDropped == 1 {
		r.logger.Warn("dropping caller audio", "reason", reason)
	}
}

func (r *Relay) onMark(msg telephony.Mark) {
	if !r.sess.popMark() {
		r.logger.Debug("mark with no pending marks", "name", msg.Name)
		return
	}
	r.sess.Stats.MarksAcked++
	r.maybeEndTurn()
}

func (r *Relay) onAIEvent(ev *realtime.ServerEvent) {
	switch {
	case ev.IsAudioDelta():
		r.onAudioDelta(ev)
	case ev.Type == realtime.EventTypeSpeechStarted:
		r.onSpeechStarted()
	case ev.IsAudioDone(), ev.Type == realtime.EventTypeResponseDone:
		if r.sess.ActiveItemID == "" || (ev.ItemID != "" && ev.ItemID != r.sess.ActiveItemID) {
			return
		}
		r.sess.TurnAudioDone = true
		r.maybeEndTurn()
	case ev.Type == realtime.EventTypeSessionCreated, ev.Type == realtime.EventTypeSessionUpdated:
		attrs := []any{"type", ev.Type}
		if ev.Session != nil {
			attrs = append(attrs, "session_id", ev.Session.ID, "model", ev.Session.Model)
		}
		r.logger.Info("ai session event", attrs...)
	case ev.Type == realtime.EventTypeError:
		r.logger.Warn("ai reported error", "error", ev.Error.ToError())
	default:
		r.logger.Debug("ai event", "type", ev.Type)
	}
}

func (r *Relay) onAudioDelta(ev *realtime.ServerEvent) {
	r.sess.Stats.AudioDeltas++
	if r.sess.StreamID == "" {
		r.sess.Stats.DeltasDropped++
		r.logger.Debug("dropping ai audio before stream start", "item_id", ev.ItemID)
		return
	}

	if !r.sendTelephony(telephony.MediaMessage(r.sess.StreamID, ev.Delta)) {
		return
	}
	r.sess.anchorPlayback()
	if ev.ItemID != "" {
		r.sess.ActiveItemID = ev.ItemID
	}
	if r.sendTelephony(telephony.MarkMessage(r.sess.StreamID, MarkName)) {
		r.sess.PendingMarks = append(r.sess.PendingMarks, MarkName)
		r.sess.Stats.MarksSent++
	}
}

// onSpeechStarted handles the caller talking over the AI: the model is told
// how much of its item was heard and the caller's playback buffer is dropped.
func (r *Relay) onSpeechStarted() {
	if r.sess.ActiveItemID == "" || r.sess.PlaybackAnchor == nil {
		r.logger.Debug("speech started with nothing playing")
		return
	}

	elapsed := r.sess.elapsedPlayback()
	itemID := r.sess.ActiveItemID
	r.sendAI(realtime.Truncate(itemID, 0, elapsed))
	r.sendTelephony(telephony.ClearMessage(r.sess.StreamID))

	r.sess.PendingMarks = nil
	r.sess.resetTurn()
	r.sess.Stats.BargeIns++
	r.metrics.BargeIn(r.ctx)
	r.logger.Info("caller interrupted ai", "item_id", itemID, "audio_end_ms", elapsed)
}

func (r *Relay) maybeEndTurn() {
	if !r.sess.TurnAudioDone || len(r.sess.PendingMarks) > 0 || r.sess.ActiveItemID == "" {
		return
	}
	r.logger.Debug("ai turn played out", "item_id", r.sess.ActiveItemID)
	r.sess.resetTurn()
}

func (r *Relay) sendGreeting() {
	if r.sess.GreetingSent {
		return
	}
	if r.sendAI(realtime.CreateResponse(r.cfg.GreetingInstructions)) {
		r.sess.GreetingSent = true
		r.logger.Info("greeting requested")
	}
}

func (r *Relay) onLegClosed(source Source, err error) {
	if err != nil {
		r.closeSession(source.String()+"_error", fmt.Errorf("%s leg: %w", source, err))
		return
	}
	r.closeSession(source.String()+"_closed", nil)
}

func (r *Relay) sendTelephony(msg any) bool {
	return r.send(SourceTelephony, r.telephony, msg)
}

func (r *Relay) sendAI(msg any) bool {
	return r.send(SourceAI, r.ai, msg)
}

func (r *Relay) send(target Source, leg Leg, msg any) bool {
	if leg == nil {
		return false
	}
	if err := leg.Send(msg); err != nil {
		r.sess.Stats.OutboundDropped++
		r.logger.Warn("outbound message dropped", "leg", target.String(), "type", fmt.Sprintf("%T", msg), "error", err)
		return false
	}
	return true
}

func (r *Relay) closeSession(reason string, err error) {
	if r.sess.State == StateClosed {
		return
	}
	r.sess.State = StateClosed
	r.sess.PendingMarks = nil
	r.preReady = nil
	r.endReason = reason
	r.endedAt = r.now()
	r.runErr = err
	r.cancel()

	_ = r.telephony.Close()
	if r.ai != nil {
		_ = r.ai.Close()
	}

	if err != nil {
		r.logger.Warn("call ended", "reason", reason, "error", err)
		return
	}
	r.logger.Info("call ended", "reason", reason)
}

func (r *Relay) summary() Summary {
	return Summary{
		CallID:       r.sess.CallID,
		StreamID:     r.sess.StreamID,
		CallSID:      r.sess.CallSID,
		AccountSID:   r.sess.AccountSID,
		StartedAt:    r.sess.StartedAt,
		EndedAt:      r.endedAt,
		EndReason:    r.endReason,
		GreetingSent: r.sess.GreetingSent,
		Stats:        r.sess.Stats,
	}
}

type nopMetrics struct{}

func (nopMetrics) MediaForwarded(context.Context)         {}
func (nopMetrics) MediaDropped(context.Context, string)   {}
func (nopMetrics) BargeIn(context.Context)                {}
func (nopMetrics) MalformedEvent(context.Context, string) {}
