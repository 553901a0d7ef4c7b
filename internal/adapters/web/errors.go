package web

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error codes carried in the "code" field of every error body.
const (
	codeRouteNotFound    = "route_not_found"
	codeMethodNotAllowed = "method_not_allowed"
	codeStoreUnavailable = "store_unavailable"
	codeInternal         = "internal"
)

// problem is the error body of the ops endpoints.
type problem struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, code, format string, args ...any) {
	writeJSON(w, status, problem{
		Code:      code,
		Message:   fmt.Sprintf(format, args...),
		RequestID: requestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
