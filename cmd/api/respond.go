package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"escrowdesk/auth"
	"escrowdesk/escrow"
	"escrowdesk/escrowapi"
)

const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"kind":"InternalError","message":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError reports err as {kind,message} with the status its kind maps to.
// Internal errors never leak their text.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeJSON(w, http.StatusUnauthorized, escrowapi.Error{Kind: "InvalidCredentials", Message: "invalid email or password"})
		return
	}

	kind := escrow.KindOf(err)
	msg := err.Error()
	if kind == escrow.KindInternal {
		msg = "internal server error"
	}
	writeJSON(w, statusFor(kind), escrowapi.Error{Kind: string(kind), Message: msg})
}

func statusFor(kind escrow.ErrorKind) int {
	switch kind {
	case escrow.KindValidation:
		return http.StatusBadRequest
	case escrow.KindAuthorization:
		return http.StatusForbidden
	case escrow.KindNotFound:
		return http.StatusNotFound
	case escrow.KindInvalidStateTransition, escrow.KindConcurrentModification, escrow.KindAlreadyExists:
		return http.StatusConflict
	case escrow.KindSessionExpired:
		return http.StatusUnauthorized
	case escrow.KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", escrow.ErrValidation)
		}
		return fmt.Errorf("%w: invalid JSON body: %v", escrow.ErrValidation, err)
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", escrow.ErrValidation, key)
	}
	return n, nil
}
