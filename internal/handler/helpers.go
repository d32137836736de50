package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/w3z4y4/mcp-gateway/internal/config"
	"github.com/w3z4y4/mcp-gateway/internal/model"
)

// Reasons used by the admin API error envelope.
const (
	reasonBadRequest = "BAD_REQUEST"
	reasonNotFound   = "NOT_FOUND"
	reasonConflict   = "CONFLICT"
	reasonInternal   = "INTERNAL_ERROR"
	reasonBusy       = "BUSY"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope.
func writeError(w http.ResponseWriter, code int, reason, message string) {
	writeJSON(w, code, model.NewErrorResponse(code, reason, message))
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt extracts an integer query parameter, returning defaultVal if the
// parameter is missing or cannot be parsed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryBool extracts a boolean query parameter. Returns false if the parameter
// is missing or not "true"/"1".
func queryBool(r *http.Request, key string) bool {
	val := r.URL.Query().Get(key)
	return val == "true" || val == "1"
}

// classifyStoreError maps store sentinel errors to HTTP status codes and
// reasons.
func classifyStoreError(err error) (int, string) {
	switch {
	case errors.Is(err, config.ErrNotFound):
		return http.StatusNotFound, reasonNotFound
	case errors.Is(err, config.ErrConflict):
		return http.StatusConflict, reasonConflict
	default:
		return http.StatusInternalServerError, reasonInternal
	}
}

// writeStoreError writes err using classifyStoreError.
func writeStoreError(w http.ResponseWriter, err error, message string) {
	code, reason := classifyStoreError(err)
	writeError(w, code, reason, message+": "+err.Error())
}

// clampInt constrains val to be within [min, max].
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
