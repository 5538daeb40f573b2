package api

import (
	"net/http"
)

// ReadOnly wraps a handler so that only safe methods reach it. It is used
// for listeners that must not change engine state, e.g. a status port
// exposed beyond the host.
func ReadOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isReadOnlyMethod(r.Method) {
			writeJSON(w, http.StatusForbidden, ErrorResponse{
				Error: "write operations not allowed on a read-only listener",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isReadOnlyMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
