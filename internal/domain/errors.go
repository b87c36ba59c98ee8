package domain

import "errors"

var (
	ErrMalformedPayload      = errors.New("malformed payload")
	ErrUnknownParticipant    = errors.New("unknown participant")
	ErrDuplicateJoin         = errors.New("participant already online")
	ErrSequenceConflict      = errors.New("sequence conflict")
	ErrSessionClosed         = errors.New("session closed")
	ErrConnectionLost        = errors.New("connection lost")
	ErrSessionOwnedElsewhere = errors.New("session owned by another instance")
	ErrRateLimited           = errors.New("rate limited")
	ErrInvalidInput          = errors.New("invalid input")
	ErrNotFound              = errors.New("not found")
)

const (
	CodeMalformedPayload      = "MALFORMED_PAYLOAD"
	CodeUnknownParticipant    = "UNKNOWN_PARTICIPANT"
	CodeDuplicateJoin         = "DUPLICATE_JOIN"
	CodeSequenceConflict      = "SEQUENCE_CONFLICT"
	CodeSessionClosed         = "SESSION_CLOSED"
	CodeSessionOwnedElsewhere = "SESSION_OWNED_ELSEWHERE"
	CodeRateLimited           = "RATE_LIMITED"
	CodeInternal              = "INTERNAL"
)

// RejectReason maps an error returned by the session to its wire code.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return CodeMalformedPayload
	case errors.Is(err, ErrUnknownParticipant):
		return CodeUnknownParticipant
	case errors.Is(err, ErrDuplicateJoin):
		return CodeDuplicateJoin
	case errors.Is(err, ErrSequenceConflict):
		return CodeSequenceConflict
	case errors.Is(err, ErrSessionClosed):
		return CodeSessionClosed
	case errors.Is(err, ErrSessionOwnedElsewhere):
		return CodeSessionOwnedElsewhere
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// IsProtocolViolation reports errors after which the offending connection is closed.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ErrUnknownParticipant) || errors.Is(err, ErrDuplicateJoin)
}
