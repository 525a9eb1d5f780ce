package middleware

import "net/http"

// MaxBodySize rejects request bodies larger than n bytes. Oversized reads
// fail inside the handler with http.MaxBytesError, which the JSON decoders
// surface as a 400.
func MaxBodySize(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}
