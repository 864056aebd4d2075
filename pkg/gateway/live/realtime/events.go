package realtime

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Client event types.
const (
	EventTypeSessionUpdate            = "session.update"
	EventTypeInputAudioBufferAppend   = "input_audio_buffer.append"
	EventTypeConversationItemTruncate = "conversation.item.truncate"
	EventTypeResponseCreate           = "response.create"
)

// Server event types.
const (
	EventTypeError                  = "error"
	EventTypeSessionCreated         = "session.created"
	EventTypeSessionUpdated         = "session.updated"
	EventTypeSpeechStarted          = "input_audio_buffer.speech_started"
	EventTypeSpeechStopped          = "input_audio_buffer.speech_stopped"
	EventTypeResponseCreated        = "response.created"
	EventTypeResponseOutputAudio    = "response.output_audio.delta"
	EventTypeResponseOutputAudioEnd = "response.output_audio.done"
	EventTypeResponseDone           = "response.done"

	// Pre-GA names, still emitted by older models.
	EventTypeResponseAudioDelta = "response.audio.delta"
	EventTypeResponseAudioDone  = "response.audio.done"
)

func generateEventID() string {
	return "evt_" + uuid.New().String()[:12]
}

type SessionUpdateEvent struct {
	EventID string        `json:"event_id"`
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type AppendAudioEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Audio   string `json:"audio"`
}

type TruncateEvent struct {
	EventID      string `json:"event_id"`
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMS   int64  `json:"audio_end_ms"`
}

type ResponseCreateEvent struct {
	EventID  string           `json:"event_id"`
	Type     string           `json:"type"`
	Response *ResponseOptions `json:"response,omitempty"`
}

type ResponseOptions struct {
	Instructions string `json:"instructions,omitempty"`
}

func SessionUpdate(cfg SessionConfig) SessionUpdateEvent {
	return SessionUpdateEvent{EventID: generateEventID(), Type: EventTypeSessionUpdate, Session: cfg}
}

// AppendAudio forwards one base64 audio chunk, already in the session's input
// format, to the input buffer.
func AppendAudio(audioBase64 string) AppendAudioEvent {
	return AppendAudioEvent{EventID: generateEventID(), Type: EventTypeInputAudioBufferAppend, Audio: audioBase64}
}

// Truncate tells the model that only audioEndMS of the item's audio was heard.
func Truncate(itemID string, contentIndex int, audioEndMS int64) TruncateEvent {
	return TruncateEvent{
		EventID:      generateEventID(),
		Type:         EventTypeConversationItemTruncate,
		ItemID:       itemID,
		ContentIndex: contentIndex,
		AudioEndMS:   audioEndMS,
	}
}

func CreateResponse(instructions string) ResponseCreateEvent {
	ev := ResponseCreateEvent{EventID: generateEventID(), Type: EventTypeResponseCreate}
	if strings.TrimSpace(instructions) != "" {
		ev.Response = &ResponseOptions{Instructions: instructions}
	}
	return ev
}

// ServerEvent is the subset of server event fields the relay reads. Raw keeps
// the original frame for debug logging.
type ServerEvent struct {
	Type         string      `json:"type"`
	EventID      string      `json:"event_id,omitempty"`
	ResponseID   string      `json:"response_id,omitempty"`
	ItemID       string      `json:"item_id,omitempty"`
	ContentIndex int         `json:"content_index,omitempty"`
	Delta        string      `json:"delta,omitempty"`
	AudioStartMS int64       `json:"audio_start_ms,omitempty"`
	AudioEndMS   int64       `json:"audio_end_ms,omitempty"`
	Session      *SessionRef `json:"session,omitempty"`
	Error        *EventError `json:"error,omitempty"`

	Raw []byte `json:"-"`
}

type SessionRef struct {
	ID    string `json:"id,omitempty"`
	Model string `json:"model,omitempty"`
}

// IsAudioDelta reports whether ev carries a chunk of output audio.
func (ev *ServerEvent) IsAudioDelta() bool {
	return ev != nil && (ev.Type == EventTypeResponseOutputAudio || ev.Type == EventTypeResponseAudioDelta)
}

// IsAudioDone reports whether ev ends the output audio of a response.
func (ev *ServerEvent) IsAudioDone() bool {
	return ev != nil && (ev.Type == EventTypeResponseOutputAudioEnd || ev.Type == EventTypeResponseAudioDone)
}

// DecodeServerEvent parses one server frame. Errors are *DecodeError.
func DecodeServerEvent(data []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, &DecodeError{Code: "bad_request", Message: "invalid json frame"}
	}
	if strings.TrimSpace(ev.Type) == "" {
		return nil, &DecodeError{Code: "bad_request", Message: "missing type", Param: "type"}
	}
	if ev.IsAudioDelta() && ev.Delta == "" {
		return nil, &DecodeError{Code: "bad_request", Message: ev.Type + " without delta", Param: "delta"}
	}
	ev.Raw = data
	return &ev, nil
}
