package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/apierror"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/principal"
	"github.com/Mydata-AI/mydata-ai-voice-realtime/pkg/gateway/ratelimit"
)

// RateLimit applies the per-client request limiter to webhook traffic.
// Media streams are admitted by the call cap in the media handler instead.
func RateLimit(limiter *ratelimit.Limiter, trustProxyHeaders bool, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health endpoints must remain cheap and reliable.
		switch r.URL.Path {
		case "/", "/healthz", "/readyz", "/media-stream":
			next.ServeHTTP(w, r)
			return
		}

		client := principal.Resolve(r, trustProxyHeaders)
		dec := limiter.AcquireRequest(client.Key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			apierror.Write(w, &apierror.Error{
				Type:    apierror.ErrRateLimit,
				Message: "rate limit exceeded",
			}, reqID)
			return
		}
		next.ServeHTTP(w, r)
	})
}
