package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/rzbill/runnel/internal/jsoncodec"
	"github.com/rzbill/runnel/pkg/codec"
	"github.com/rzbill/runnel/pkg/runnel"
)

// writeJSON writes v with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = jsoncodec.Encode(w, v)
}

// writeError maps runnel errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, runnel.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, runnel.ErrPartitionOutOfRange),
		errors.Is(err, runnel.ErrNameRequired),
		errors.Is(err, runnel.ErrStreamRequired),
		errors.Is(err, runnel.ErrInvalidPartitionCount),
		errors.Is(err, codec.ErrUnsupportedType):
		code = http.StatusBadRequest
	case errors.Is(err, runnel.ErrPartitionCountMismatch):
		code = http.StatusConflict
	case errors.Is(err, runnel.ErrStoreUnavailable), errors.Is(err, runnel.ErrClosed):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

// parseLimit returns def for empty or invalid values and caps at max.
func parseLimit(s string, def, max int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// parseUint returns 0 for empty or invalid values.
func parseUint(s string) uint64 {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// parsePartition reads a required partition query parameter.
func parsePartition(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
