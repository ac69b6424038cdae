package admin

import (
	"net/http"

	"github.com/google/uuid"
)

// RequestIDHeader is the header carrying a request's correlation ID.
const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware assigns every request a UUID (reusing the caller's
// if one was already supplied) and stashes it in both the response
// header and the request context.
func RequestIDMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, requestID)
		r = r.WithContext(requestIDToContext(r.Context(), requestID))
		next(w, r)
	}
}
