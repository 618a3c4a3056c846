package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"streamhaven/internal/errs"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Kind  string `json:"kind,omitempty"`
	Error string `json:"error"`
}

// writeDomainError maps a domain error kind to an HTTP status and emits the
// machine-readable kind alongside the message.
func writeDomainError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), errorResponse{
		Kind:  string(errs.KindOf(err)),
		Error: err.Error(),
	})
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusForError(err error) int {
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidState:
		return http.StatusConflict
	case errs.KindUnauthorized:
		return http.StatusUnauthorized
	case errs.KindDependency:
		return http.StatusServiceUnavailable
	case errs.KindProcess:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}
