package handlers

import (
	"net/http"

	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/apierror"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/mw"
)

func writeAPIError(w http.ResponseWriter, r *http.Request, errType apierror.ErrorType, code, message string) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, &apierror.Error{Type: errType, Code: code, Message: message}, reqID)
}

func writeMethodNotAllowed(w http.ResponseWriter, r *http.Request, allow ...string) {
	for _, m := range allow {
		w.Header().Add("Allow", m)
	}
	reqID, _ := mw.RequestIDFrom(r.Context())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	writeEnvelope(w, &apierror.Error{
		Type:      apierror.ErrInvalidRequest,
		Code:      "method_not_allowed",
		Message:   "method not allowed",
		RequestID: reqID,
	})
}
