// Package telephony implements the Twilio Media Streams wire protocol spoken on
// the caller leg: inbound event decoding and outbound command encoding.
package telephony

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventDTMF      = "dtmf"
	EventClear     = "clear"
)

const (
	EncodingMulaw   = "audio/x-mulaw"
	SampleRateMulaw = 8000
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Millis is a millisecond count that Twilio sends as a JSON string ("1200").
// Plain numbers are accepted too.
type Millis int64

func (m *Millis) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*m = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid millisecond value %q", s)
	}
	*m = Millis(v)
	return nil
}

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Connected is the first message on a new stream.
type Connected struct {
	Protocol string `json:"protocol"`
	Version  string `json:"version"`
}

// Start carries the stream identifier that every outbound command must echo.
type Start struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// Media is one frame of caller audio. Payload is base64 μ-law, forwarded
// verbatim.
type Media struct {
	StreamSID   string
	Track       string
	Chunk       int64
	TimestampMS int64
	Payload     string
}

// Mark acknowledges that playback reached a previously sent mark.
type Mark struct {
	StreamSID string
	Name      string
}

type Stop struct {
	StreamSID string
	CallSID   string
}

type DTMF struct {
	StreamSID string
	Track     string
	Digit     string
}

type inboundEnvelope struct {
	Event          string          `json:"event"`
	StreamSID      string          `json:"streamSid"`
	SequenceNumber string          `json:"sequenceNumber,omitempty"`
	Protocol       string          `json:"protocol,omitempty"`
	Version        string          `json:"version,omitempty"`
	Start          json.RawMessage `json:"start,omitempty"`
	Media          *struct {
		Track     string `json:"track"`
		Chunk     Millis `json:"chunk"`
		Timestamp Millis `json:"timestamp"`
		Payload   string `json:"payload"`
	} `json:"media,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
	Stop *struct {
		AccountSID string `json:"accountSid"`
		CallSID    string `json:"callSid"`
	} `json:"stop,omitempty"`
	DTMF *struct {
		Track string `json:"track"`
		Digit string `json:"digit"`
	} `json:"dtmf,omitempty"`
}

// Decode parses one inbound text frame into Connected, Start, Media, Mark, Stop
// or DTMF. Errors are *DecodeError.
func Decode(data []byte) (any, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		var head struct {
			Event string `json:"event"`
		}
		if json.Unmarshal(data, &head) != nil {
			return nil, badRequest("invalid json frame", "")
		}
		return nil, badRequest(fmt.Sprintf("invalid %s frame", head.Event), "")
	}
	event := strings.TrimSpace(env.Event)
	if event == "" {
		return nil, badRequest("missing event", "event")
	}

	switch event {
	case EventConnected:
		return Connected{Protocol: env.Protocol, Version: env.Version}, nil
	case EventStart:
		if len(env.Start) == 0 {
			return nil, badRequest("start frame missing start object", "start")
		}
		var msg Start
		if err := json.Unmarshal(env.Start, &msg); err != nil {
			return nil, badRequest("invalid start frame", "start")
		}
		if msg.StreamSID == "" {
			msg.StreamSID = env.StreamSID
		}
		if strings.TrimSpace(msg.StreamSID) == "" {
			return nil, badRequest("start.streamSid is required", "streamSid")
		}
		return msg, nil
	case EventMedia:
		if env.Media == nil {
			return nil, badRequest("media frame missing media object", "media")
		}
		if env.Media.Timestamp < 0 {
			return nil, badRequest("media.timestamp must be >= 0", "media.timestamp")
		}
		return Media{
			StreamSID:   env.StreamSID,
			Track:       env.Media.Track,
			Chunk:       int64(env.Media.Chunk),
			TimestampMS: int64(env.Media.Timestamp),
			Payload:     env.Media.Payload,
		}, nil
	case EventMark:
		msg := Mark{StreamSID: env.StreamSID}
		if env.Mark != nil {
			msg.Name = env.Mark.Name
		}
		return msg, nil
	case EventStop:
		msg := Stop{StreamSID: env.StreamSID}
		if env.Stop != nil {
			msg.CallSID = env.Stop.CallSID
		}
		return msg, nil
	case EventDTMF:
		msg := DTMF{StreamSID: env.StreamSID}
		if env.DTMF != nil {
			msg.Track = env.DTMF.Track
			msg.Digit = env.DTMF.Digit
		}
		return msg, nil
	default:
		return nil, unsupported(fmt.Sprintf("unsupported event %q", event), "event")
	}
}

type OutboundMedia struct {
	Event     string               `json:"event"`
	StreamSID string               `json:"streamSid"`
	Media     OutboundMediaPayload `json:"media"`
}

type OutboundMediaPayload struct {
	Payload string `json:"payload"`
}

type OutboundMark struct {
	Event     string           `json:"event"`
	StreamSID string           `json:"streamSid"`
	Mark      OutboundMarkName `json:"mark"`
}

type OutboundMarkName struct {
	Name string `json:"name"`
}

type OutboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// MediaMessage plays base64 μ-law audio to the caller.
func MediaMessage(streamSID, payload string) OutboundMedia {
	return OutboundMedia{Event: EventMedia, StreamSID: streamSID, Media: OutboundMediaPayload{Payload: payload}}
}

// MarkMessage asks Twilio to echo name back once preceding audio has played.
func MarkMessage(streamSID, name string) OutboundMark {
	return OutboundMark{Event: EventMark, StreamSID: streamSID, Mark: OutboundMarkName{Name: name}}
}

// ClearMessage discards all audio buffered for playback.
func ClearMessage(streamSID string) OutboundClear {
	return OutboundClear{Event: EventClear, StreamSID: streamSID}
}
