package core

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindAuthorization
	KindNotFound
	KindValidation
	KindConflict
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindPersistence:
		return "persistence"
	default:
		return "internal"
	}
}

// Error is a classified engine error. Code is stable and sent to clients.
type Error struct {
	Kind Kind
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

var (
	ErrNotLeader           = newError(KindAuthorization, "not_leader", "only the facilitator can do this")
	ErrNotMember           = newError(KindAuthorization, "not_member", "you are not in this meeting")
	ErrForeignOrganization = newError(KindAuthorization, "foreign_organization", "meeting belongs to another organization")
	ErrObserverReadOnly    = newError(KindAuthorization, "observer_read_only", "observers cannot do this")
	ErrRoomNotFound        = newError(KindNotFound, "room_not_found", "meeting not found, join again")
	ErrRoomClosed          = newError(KindNotFound, "room_closed", "meeting room is closed")
	ErrParticipantNotFound = newError(KindNotFound, "participant_not_found", "participant is not in this meeting")
	ErrInvalidRating       = newError(KindValidation, "invalid_rating", "rating must be between 1 and 10")
	ErrRatingsClosed       = newError(KindValidation, "ratings_closed", "ratings are closed")
	ErrRatingWindowOpen    = newError(KindValidation, "rating_window_open", "not everyone has rated yet")
	ErrConcludeInProgress  = newError(KindConflict, "conclude_in_progress", "meeting is being concluded")
	ErrAlreadyConcluded    = newError(KindConflict, "already_concluded", "meeting is already concluded")
)

// ValidationError wraps a malformed input into a validation-kind error.
func ValidationError(code string, err error) error {
	return &validationError{code: code, err: err}
}

type validationError struct {
	code string
	err  error
}

func (e *validationError) Error() string { return e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }

// PersistenceError is returned when the session accounting API failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("session persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// KindOf classifies err. Unclassified errors are KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	var ve *validationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return KindPersistence
	}
	return KindUnknown
}

// CodeOf returns the client-facing code of err.
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	var ve *validationError
	if errors.As(err, &ve) {
		return ve.code
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return "persistence_failed"
	}
	return "internal"
}
