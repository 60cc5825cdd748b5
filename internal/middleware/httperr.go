// Package middleware holds the small set of net/http middleware the ops
// surfaces of the lbs and ddbq daemons share (request correlation, panic
// recovery, timeouts and a circuit breaker around external calls).
package middleware

import (
	"encoding/json"
	"net/http"
)

// writeError writes a minimal JSON error body. The ops surface is internal
// tooling (health/metrics), not a public API, so it doesn't need the
// envelope machinery a client-facing REST API would.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
