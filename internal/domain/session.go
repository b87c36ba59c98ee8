package domain

import (
	"context"
	"time"
)

const DefaultSessionID = "default"

type ConnState int

const (
	Connecting ConnState = iota
	Open
	Closing
	Closed
	Reconnecting
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// SessionSnapshot is a point-in-time view of one session.
type SessionSnapshot struct {
	SessionID    string        `json:"sessionId"`
	Seq          uint64        `json:"seq"`
	LastClearSeq uint64        `json:"lastClearSeq"`
	Connections  int           `json:"connections"`
	Participants []Participant `json:"participants"`
}

// EventObserver receives every appended event after it has been fanned out.
// Implementations must not assume they run on the session goroutine.
type EventObserver interface {
	Observe(ctx context.Context, sessionID string, ev SessionEvent)
}

// OwnershipLease guarantees at most one authority per session across instances.
type OwnershipLease interface {
	Acquire(ctx context.Context, sessionID string) (bool, error)
	Renew(ctx context.Context, sessionID string) (bool, error)
	Release(ctx context.Context, sessionID string) error
	TTL() time.Duration
}

// SessionArchive receives a session's log when the session is torn down.
type SessionArchive interface {
	Store(ctx context.Context, sessionID string, events []SessionEvent) error
	Load(ctx context.Context, sessionID string) ([]SessionEvent, error)
}
