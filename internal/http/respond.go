package http

import (
	"encoding/json"
	"net/http"

	"repaircoin/internal/faults"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeFault maps the typed error taxonomy onto HTTP statuses, passing the
// reason string through to the caller.
func writeFault(w http.ResponseWriter, err error) {
	switch {
	case faults.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case faults.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	case faults.IsForbidden(err):
		writeError(w, http.StatusForbidden, err.Error())
	case faults.IsInvalidState(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case faults.IsExternal(err):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
