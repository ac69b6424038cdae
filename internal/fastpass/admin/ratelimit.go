package admin

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware limits requests to r per second with the given
// burst, rejecting excess requests with 429. Used on /admin/reset so a
// misbehaving operator script can't force repeated reset handshakes.
func RateLimitMiddleware(r float64, burst int) func(http.HandlerFunc) http.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(r), burst)

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, req *http.Request) {
			if !limiter.Allow() {
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next(w, req)
		}
	}
}
