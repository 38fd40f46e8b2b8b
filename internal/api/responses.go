package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// envelope is the uniform response body: exactly one of Data or Error is
// set.
type envelope struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *errorBody `json:"error,omitempty"`
	Timestamp string     `json:"timestamp"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client-visible error codes raised by the HTTP surface itself. Upload
// and pipeline codes pass through unchanged.
const (
	codeJobNotFound     = "JOB_NOT_FOUND"
	codeJobNotCompleted = "JOB_NOT_COMPLETED"
	codeInvalidRequest  = "INVALID_REQUEST"
	codeInternalError   = "INTERNAL_ERROR"
)

var statusByCode = map[string]int{
	"FILE_TOO_LARGE":    http.StatusRequestEntityTooLarge,
	"INVALID_FORMAT":    http.StatusUnsupportedMediaType,
	"CORRUPT_FILE":      http.StatusBadRequest,
	"EMPTY_FILE":        http.StatusBadRequest,
	codeJobNotFound:     http.StatusNotFound,
	codeJobNotCompleted: http.StatusConflict,
	codeInvalidRequest:  http.StatusBadRequest,
	codeInternalError:   http.StatusInternalServerError,
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeData writes a success envelope.
func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// writeError writes a failure envelope, resolving the HTTP status from
// the error code table.
func writeError(w http.ResponseWriter, code, message string) {
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, envelope{
		Success:   false,
		Error:     &errorBody{Code: code, Message: message},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// pagination holds parsed limit/offset query params.
type pagination struct {
	Limit  int
	Offset int
}

func parsePagination(r *http.Request) (pagination, error) {
	p := pagination{Limit: 50, Offset: 0}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("invalid limit %q", v)
		}
		p.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return p, fmt.Errorf("invalid offset %q", v)
		}
		p.Offset = n
	}
	return p, nil
}
