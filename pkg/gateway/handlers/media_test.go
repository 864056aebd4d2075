package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/config"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/ledger"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/lifecycle"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/live/sessions"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/ratelimit"
)

type recordingStore struct {
	records chan ledger.CallRecord
}

func newRecordingStore() *recordingStore {
	return &recordingStore{records: make(chan ledger.CallRecord, 4)}
}

func (s *recordingStore) RecordCall(_ context.Context, rec ledger.CallRecord) error {
	s.records <- rec
	return nil
}

func (s *recordingStore) Close() error { return nil }

func (s *recordingStore) wait(t *testing.T) ledger.CallRecord {
	t.Helper()
	select {
	case rec := <-s.records:
		return rec
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for call record")
		return ledger.CallRecord{}
	}
}

// fakeRealtime is an OpenAI Realtime stand-in. It answers response.create
// with one audio delta and reports every client event type it receives.
type fakeRealtime struct {
	srv      *httptest.Server
	received chan map[string]any

	mu       sync.Mutex
	authSeen string
}

func newFakeRealtime(t *testing.T) *fakeRealtime {
	t.Helper()
	f := &fakeRealtime{received: make(chan map[string]any, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.authSeen = r.Header.Get("Authorization")
		f.mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev map[string]any
			if err := json.Unmarshal(data, &ev); err != nil {
				continue
			}
			select {
			case f.received <- ev:
			default:
			}
			if ev["type"] == "response.create" {
				_ = conn.WriteJSON(map[string]any{
					"type":    "response.output_audio.delta",
					"item_id": "item_1",
					"delta":   "AAAA",
				})
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRealtime) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeRealtime) waitFor(t *testing.T, eventType string) map[string]any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-f.received:
			if ev["type"] == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
			return nil
		}
	}
}

func mediaTestConfig(realtimeURL string) config.Config {
	return config.Config{
		OpenAIAPIKey:         "sk-test",
		RealtimeURL:          realtimeURL,
		RealtimeModel:        "gpt-realtime",
		Voice:                "alloy",
		Instructions:         "be brief",
		GreetingInstructions: "say hi",
		PreReadyFrames:       50,
		OutboundQueue:        64,
		WSPingInterval:       time.Minute,
		WSWriteTimeout:       time.Second,
		DialTimeout:          2 * time.Second,
		MaxMessageBytes:      1 << 20,
	}
}

type mediaHarness struct {
	srv   *httptest.Server
	store *recordingStore
	calls *sessions.Tracker
	lc    *lifecycle.Lifecycle
}

func newMediaHarness(t *testing.T, cfg config.Config, limiter *ratelimit.Limiter) *mediaHarness {
	t.Helper()
	h := &mediaHarness{
		store: newRecordingStore(),
		calls: sessions.NewTracker(),
		lc:    lifecycle.New(),
	}
	h.srv = httptest.NewServer(MediaStreamHandler{
		Config:    cfg,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Limiter:   limiter,
		Lifecycle: h.lc,
		Calls:     h.calls,
		Ledger:    h.store,
	})
	t.Cleanup(h.srv.Close)
	return h
}

func (h *mediaHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.srv.URL, "http")+MediaStreamPath, nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *mediaHarness) waitNoCalls(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if !h.calls.Wait(ctx) {
		t.Fatalf("calls still registered: %v", h.calls.IDs())
	}
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

const (
	startFrame = `{"event":"start","sequenceNumber":"1","streamSid":"MZ1","start":{"streamSid":"MZ1","callSid":"CA1","accountSid":"AC1","tracks":["inbound"],"mediaFormat":{"encoding":"audio/x-mulaw","sampleRate":8000,"channels":1}}}`
	mediaFrame = `{"event":"media","streamSid":"MZ1","media":{"track":"inbound","chunk":"2","timestamp":"40","payload":"BBBB"}}`
	stopFrame  = `{"event":"stop","streamSid":"MZ1","stop":{"accountSid":"AC1","callSid":"CA1"}}`
)

func TestMediaStream_RelaysBothDirections(t *testing.T) {
	ai := newFakeRealtime(t)
	h := newMediaHarness(t, mediaTestConfig(ai.url()), ratelimit.New(ratelimit.Config{}))

	phone := h.dial(t)
	writeFrame(t, phone, `{"event":"connected","protocol":"Call","version":"1.0.0"}`)
	writeFrame(t, phone, startFrame)

	update := ai.waitFor(t, "session.update")
	session, _ := update["session"].(map[string]any)
	if session["instructions"] != "be brief" {
		t.Fatalf("session.update=%v", update)
	}
	create := ai.waitFor(t, "response.create")
	if resp, _ := create["response"].(map[string]any); resp["instructions"] != "say hi" {
		t.Fatalf("response.create=%v", create)
	}

	media := readFrame(t, phone)
	if media["event"] != "media" || media["streamSid"] != "MZ1" {
		t.Fatalf("media=%v", media)
	}
	if payload, _ := media["media"].(map[string]any); payload["payload"] != "AAAA" {
		t.Fatalf("media payload=%v", media)
	}
	mark := readFrame(t, phone)
	if mark["event"] != "mark" || mark["streamSid"] != "MZ1" {
		t.Fatalf("mark=%v", mark)
	}

	writeFrame(t, phone, mediaFrame)
	appendEv := ai.waitFor(t, "input_audio_buffer.append")
	if appendEv["audio"] != "BBBB" {
		t.Fatalf("append=%v", appendEv)
	}

	writeFrame(t, phone, stopFrame)
	rec := h.store.wait(t)
	if rec.EndReason != "telephony_stop" || rec.StreamSID != "MZ1" || rec.CallSID != "CA1" {
		t.Fatalf("record=%+v", rec)
	}
	if !rec.GreetingSent || rec.FramesForwarded != 1 || rec.AudioDeltas != 1 {
		t.Fatalf("record=%+v", rec)
	}
	if !strings.HasPrefix(rec.CallID, "call_") {
		t.Fatalf("call id=%q", rec.CallID)
	}
	h.waitNoCalls(t)

	ai.mu.Lock()
	auth := ai.authSeen
	ai.mu.Unlock()
	if auth != "Bearer sk-test" {
		t.Fatalf("authorization=%q", auth)
	}
}

func TestMediaStream_AIRejectedEndsCall(t *testing.T) {
	rejecting := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer rejecting.Close()

	h := newMediaHarness(t, mediaTestConfig("ws"+strings.TrimPrefix(rejecting.URL, "http")), nil)
	phone := h.dial(t)

	rec := h.store.wait(t)
	if rec.EndReason != "ai_error" {
		t.Fatalf("end reason=%q", rec.EndReason)
	}

	_ = phone.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := phone.ReadMessage(); err == nil {
		t.Fatal("expected telephony socket to close")
	}
	h.waitNoCalls(t)
}

func TestMediaStream_RefusedWhileDraining(t *testing.T) {
	h := newMediaHarness(t, mediaTestConfig("ws://127.0.0.1:1"), nil)
	h.lc.SetDraining(true)

	resp, err := http.Get(h.srv.URL + MediaStreamPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `"code":"draining"`) {
		t.Fatalf("body=%s", body)
	}
	h.waitNoCalls(t)
}

func TestMediaStream_ShutdownCancelStillRecordsCall(t *testing.T) {
	ai := newFakeRealtime(t)
	h := newMediaHarness(t, mediaTestConfig(ai.url()), nil)

	phone := h.dial(t)
	writeFrame(t, phone, startFrame)
	// The greeting goes out only once start has been handled.
	ai.waitFor(t, "response.create")

	deadline := time.Now().Add(3 * time.Second)
	for h.calls.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("call never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := h.calls.CancelAll(); n != 1 {
		t.Fatalf("canceled=%d, want 1", n)
	}

	rec := h.store.wait(t)
	if rec.EndReason != "canceled" || rec.StreamSID != "MZ1" {
		t.Fatalf("record=%+v", rec)
	}
	h.waitNoCalls(t)
}

func TestMediaStream_CallCap(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{MaxConcurrentCalls: 1})
	held := limiter.AcquireCall()
	if !held.Allowed {
		t.Fatal("expected first permit")
	}
	defer held.Permit.Release()

	h := newMediaHarness(t, mediaTestConfig("ws://127.0.0.1:1"), limiter)
	resp, err := http.Get(h.srv.URL + MediaStreamPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After")
	}
}

func TestMediaStream_RejectsPost(t *testing.T) {
	h := newMediaHarness(t, mediaTestConfig("ws://127.0.0.1:1"), nil)
	resp, err := http.Post(h.srv.URL+MediaStreamPath, "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}
