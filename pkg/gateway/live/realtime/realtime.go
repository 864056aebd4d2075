// Package realtime is the client side of the OpenAI Realtime websocket API as
// used by a phone call: μ-law audio both ways and server-side voice activity
// detection.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/openai/openai-go/v3/packages/param"
	openairt "github.com/openai/openai-go/v3/realtime"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-realtime"
	DefaultVoice = "alloy"

	AudioFormatPCMU        = "audio/pcmu"
	TurnDetectionServerVAD = "server_vad"
)

// SessionConfig is the body of session.update.
type SessionConfig = openairt.RealtimeSessionCreateRequestParam

// TelephonySession is the session configuration for a phone call: G.711 μ-law
// in and out so caller frames are forwarded without transcoding.
func TelephonySession(model, voice, instructions string) SessionConfig {
	if strings.TrimSpace(voice) == "" {
		voice = DefaultVoice
	}
	cfg := SessionConfig{
		Model:            model,
		OutputModalities: []string{"audio"},
		Audio: openairt.RealtimeAudioConfigParam{
			Input: openairt.RealtimeAudioConfigInputParam{
				Format: openairt.RealtimeAudioFormatsUnionParam{
					OfAudioPCMU: &openairt.RealtimeAudioFormatsAudioPCMUParam{Type: AudioFormatPCMU},
				},
				TurnDetection: openairt.RealtimeAudioInputTurnDetectionUnionParam{
					OfServerVad: &openairt.RealtimeAudioInputTurnDetectionServerVadParam{},
				},
			},
			Output: openairt.RealtimeAudioConfigOutputParam{
				Format: openairt.RealtimeAudioFormatsUnionParam{
					OfAudioPCMU: &openairt.RealtimeAudioFormatsAudioPCMUParam{Type: AudioFormatPCMU},
				},
				Voice: openairt.RealtimeAudioConfigOutputVoiceUnionParam{OfString: param.NewOpt(voice)},
			},
		},
	}
	if strings.TrimSpace(instructions) != "" {
		cfg.Instructions = param.NewOpt(instructions)
	}
	return cfg
}

// Dialer opens AI legs. Dial does not return until the session configuration
// has been written, so no audio can precede it.
type Dialer struct {
	URL              string
	APIKey           string
	Model            string
	Session          SessionConfig
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
}

func (d Dialer) endpoint() (string, error) {
	raw := strings.TrimSpace(d.URL)
	if raw == "" {
		raw = DefaultURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("realtime: invalid url: %w", err)
	}
	model := strings.TrimSpace(d.Model)
	if model == "" {
		model = DefaultModel
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d Dialer) Dial(ctx context.Context) (*websocket.Conn, error) {
	if strings.TrimSpace(d.APIKey) == "" {
		return nil, errors.New("realtime: missing api key")
	}
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+d.APIKey)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			return nil, &Error{
				Code:       "connection_failed",
				Message:    fmt.Sprintf("failed to connect: %v", err),
				HTTPStatus: resp.StatusCode,
			}
		}
		return nil, fmt.Errorf("realtime: failed to connect: %w", err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}

	payload, err := json.Marshal(SessionUpdate(d.Session))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("realtime: encode session.update: %w", err)
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("realtime: send session.update: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("realtime: send session.update: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	return conn, nil
}
