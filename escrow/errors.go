package escrow

import (
	"errors"
	"fmt"

	"escrowdesk/auth"
)

var (
	ErrInvalidStateTransition = errors.New("escrow: invalid state transition")
	ErrValidation             = errors.New("escrow: validation failed")
	ErrConcurrentModification = errors.New("escrow: concurrent modification")
	ErrNotFound               = errors.New("escrow: not found")
	ErrNetwork                = errors.New("escrow: network error")
	// ErrLockHeld is returned by a Locker when another holder owns the key.
	ErrLockHeld = errors.New("escrow: lock held")

	ErrAuthorization  = auth.ErrPermissionDenied
	ErrSessionExpired = auth.ErrSessionExpired
)

// ErrorKind is the wire name of an error category.
type ErrorKind string

const (
	KindInvalidStateTransition ErrorKind = "InvalidStateTransition"
	KindValidation             ErrorKind = "ValidationError"
	KindAuthorization          ErrorKind = "AuthorizationError"
	KindConcurrentModification ErrorKind = "ConcurrentModification"
	KindNotFound               ErrorKind = "NotFound"
	KindAlreadyExists          ErrorKind = "AlreadyExists"
	KindNetwork                ErrorKind = "NetworkError"
	KindSessionExpired         ErrorKind = "SessionExpired"
	KindInternal               ErrorKind = "InternalError"
)

var kinds = []struct {
	kind ErrorKind
	err  error
}{
	{KindInvalidStateTransition, ErrInvalidStateTransition},
	{KindValidation, ErrValidation},
	{KindAuthorization, ErrAuthorization},
	{KindConcurrentModification, ErrConcurrentModification},
	{KindNotFound, ErrNotFound},
	{KindAlreadyExists, ErrDuplicate},
	{KindNetwork, ErrNetwork},
	{KindSessionExpired, ErrSessionExpired},
}

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) ErrorKind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// FromKind rebuilds an error reported by a remote peer so errors.Is works on the caller's side.
func FromKind(kind ErrorKind, message string) error {
	for _, k := range kinds {
		if k.kind == kind {
			if message == "" {
				return k.err
			}
			return fmt.Errorf("%w: %s", k.err, message)
		}
	}
	if message == "" {
		message = string(kind)
	}
	return errors.New(message)
}

func invalidTransition(from Status, action Action) error {
	return fmt.Errorf("%w: %s not allowed from %s", ErrInvalidStateTransition, action, from)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
