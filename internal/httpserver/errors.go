package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"wagate/internal/domain"
)

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrBadQuery         = "bad query"
	ErrInvalidSignature = "invalid signature"
	ErrForbidden        = "forbidden"
	ErrBodyTooLarge     = "body too large"
	ErrMethodNotAllowed = "method not allowed"
)

// statusFor maps the domain error taxonomy onto HTTP status codes. Anything
// unrecognized is a dependency failure.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrNotConnected),
		errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConfig),
		errors.Is(err, domain.ErrMissingFields),
		errors.Is(err, domain.ErrCorruptCredentials):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRemoteRejected),
		errors.Is(err, domain.ErrNetwork),
		errors.Is(err, domain.ErrTimeout):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		http.Error(w, ErrDependency, code)
		return
	}
	http.Error(w, err.Error(), code)
}

// methodNotAllowed answers a known path requested with the wrong verb.
func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	http.Error(w, ErrMethodNotAllowed, http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return false
	}
	return true
}
