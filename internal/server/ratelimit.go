package server

import (
	"net/http"
	"strconv"

	"github.com/tjfontaine/warpgate/internal/usage"
)

// QuotaHeadersMiddleware advertises the upstream request quota on every
// response as x-ratelimit-* headers, from the tracker's cached snapshot.
// No snapshot yet, or an unlimited account: no headers.
func QuotaHeadersMiddleware(tracker *usage.Tracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			snap, err := tracker.Snapshot(r.Context())
			if err == nil && !snap.Unlimited && snap.Limit > 0 {
				h := w.Header()
				h.Set("x-ratelimit-limit-requests", strconv.Itoa(snap.Limit))
				remaining := snap.Limit - snap.Used
				if remaining < 0 {
					remaining = 0
				}
				h.Set("x-ratelimit-remaining-requests", strconv.Itoa(remaining))
				if !snap.ResetsAt.IsZero() {
					h.Set("x-ratelimit-reset-requests", snap.ResetsAt.UTC().Format("2006-01-02T15:04:05Z"))
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
