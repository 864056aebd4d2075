package handlers

import (
	"encoding/xml"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/apierror"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/config"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/mw"
)

const MediaStreamPath = "/media-stream"

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     string        `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// IncomingCallHandler answers Twilio's voice webhook with TwiML that plays
// the connect prompt and bridges the call to the media stream endpoint.
type IncomingCallHandler struct {
	Config config.Config
	Logger *slog.Logger
}

func (h IncomingCallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return
	}

	host := h.Config.PublicHost
	if host == "" {
		host = r.Host
	}
	if strings.TrimSpace(host) == "" {
		writeAPIError(w, r, apierror.ErrInvalidRequest, "missing_host", "cannot determine public host for the media stream")
		return
	}

	stream := twimlStream{URL: "wss://" + host + MediaStreamPath}
	// Twilio posts the call as a form; forward the caller so it shows up in
	// the stream's customParameters.
	if err := r.ParseForm(); err == nil {
		if from := strings.TrimSpace(r.Form.Get("From")); from != "" {
			stream.Parameters = append(stream.Parameters, twimlParameter{Name: "from", Value: from})
		}
	}

	body, err := xml.Marshal(twimlResponse{
		Say:     h.Config.ConnectPrompt,
		Connect: &twimlConnect{Stream: stream},
	})
	if err != nil {
		writeAPIError(w, r, apierror.ErrAPI, "", "internal error")
		return
	}

	if h.Logger != nil {
		reqID, _ := mw.RequestIDFrom(r.Context())
		h.Logger.Info("incoming call",
			"request_id", reqID,
			"call_sid", r.Form.Get("CallSid"),
			"stream_url", stream.URL,
		)
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}
