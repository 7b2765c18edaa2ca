package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/jmcleod/warden/session"
)

const maxBodySize = 16 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, key string) {
	writeJSON(w, status, ErrorResponse{Error: msg, MessageKey: key})
}

// writeKindError maps a session error kind to a status code. The message
// key lets clients localise the failure.
func writeKindError(w http.ResponseWriter, kind session.Kind) {
	status := http.StatusInternalServerError
	switch kind {
	case session.KindMissingCredentials, session.KindValidation:
		status = http.StatusBadRequest
	case session.KindUserNotFound, session.KindInvalidPassword, session.KindNotAuthenticated:
		status = http.StatusUnauthorized
	case session.KindUsernameExists:
		status = http.StatusConflict
	case session.KindStorageUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, kind.String(), kind.MessageKey())
}

// decodeJSON reads a bounded JSON body into T, writing a 400 on failure.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		msg := "invalid request body"
		if errors.Is(err, io.EOF) {
			msg = "request body is required"
		}
		writeError(w, http.StatusBadRequest, msg, "invalid_request")
		return v, false
	}
	return v, true
}
