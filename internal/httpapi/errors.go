package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/buildkite/thingy/internal/config"
	"github.com/buildkite/thingy/internal/engine"
)

// errorResponse is the JSON body written for any non-2xx response.
type errorResponse struct {
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(errorResponse{Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor classifies an engine/config error into the HTTP status that
// best represents it: unknown job/branch/build lookups become 404;
// everything else, including a duplicate job on add, is a 500 with the
// error's message in the body.
func statusFor(err error) int {
	var notFound *engine.ErrNotFound
	if errors.As(err, &notFound) {
		return http.StatusNotFound
	}
	if errors.Is(err, config.ErrAlreadyExists) {
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
