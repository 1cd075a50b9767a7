package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAuthentication    = errors.New("authentication failed")
	ErrAuthorization     = errors.New("not allowed")
	ErrPersistence       = errors.New("persistence failure")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrConflict          = errors.New("already exists")
)

// Error codes sent to clients in the error event.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeForbidden       = "forbidden"
	CodeNotFound        = "not_found"
	CodeInvalidPayload  = "invalid_payload"
	CodeConflict        = "conflict"
	CodeInternal        = "internal"
)

// ErrorCode maps an error to the code and message shown to the actor.
// Persistence and unknown failures degrade to a generic message.
func ErrorCode(err error) (string, string) {
	switch {
	case errors.Is(err, ErrAuthentication):
		return CodeUnauthenticated, "authentication required"
	case errors.Is(err, ErrAuthorization):
		return CodeForbidden, "you are not a member of this chat or call"
	case errors.Is(err, ErrInvalidPayload):
		return CodeInvalidPayload, err.Error()
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict):
		return CodeConflict, err.Error()
	case errors.Is(err, ErrNotFound):
		return CodeNotFound, "not found"
	}
	return CodeInternal, "something went wrong, please try again"
}

// WrapStorage annotates an error returned by the persistence collaborator.
// Missing records keep ErrNotFound; everything else is a persistence failure.
func WrapStorage(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}
