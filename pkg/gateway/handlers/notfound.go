package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/apierror"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeAPIError(w, r, apierror.ErrNotFound, "", "not found")
}

func writeEnvelope(w http.ResponseWriter, e *apierror.Error) {
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: e})
}
