package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type SessionEventType string

const (
	AuditParticipantJoined SessionEventType = "participant_joined"
	AuditParticipantLeft   SessionEventType = "participant_left"
	AuditCanvasCleared     SessionEventType = "canvas_cleared"
	AuditFileShared        SessionEventType = "file_shared"
	AuditSessionClosed     SessionEventType = "session_closed"
)

type SessionAuditLog struct {
	ID            string           `bson:"_id" json:"id"`
	SessionID     string           `bson:"session_id" json:"sessionId"`
	EventType     SessionEventType `bson:"event_type" json:"eventType"`
	ParticipantID string           `bson:"participant_id,omitempty" json:"participantId,omitempty"`
	Seq           uint64           `bson:"seq,omitempty" json:"seq,omitempty"`
	Timestamp     time.Time        `bson:"timestamp" json:"timestamp"`
	Metadata      map[string]any   `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

type SessionAuditRepository interface {
	Log(ctx context.Context, log *SessionAuditLog) error
	GetBySessionID(ctx context.Context, sessionID string, limit int) ([]SessionAuditLog, error)
	GetByEventType(ctx context.Context, eventType SessionEventType, from, to time.Time) ([]SessionAuditLog, error)
	DeleteOlderThan(ctx context.Context, before time.Time) error
	EnsureIndexes(ctx context.Context) error
}

// AuditLogFor converts an appended event into an audit record. Draw events and
// text chat are not audited.
func AuditLogFor(sessionID string, ev SessionEvent) (*SessionAuditLog, bool) {
	entry := &SessionAuditLog{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		ParticipantID: ev.ParticipantID,
		Seq:           ev.Seq,
		Timestamp:     ev.At,
	}

	switch ev.Kind {
	case KindJoin:
		entry.EventType = AuditParticipantJoined
		entry.Metadata = map[string]any{"name": ev.Join.DisplayName}
	case KindLeave:
		entry.EventType = AuditParticipantLeft
		entry.Metadata = map[string]any{"reason": string(ev.Leave.Reason)}
	case KindClear:
		entry.EventType = AuditCanvasCleared
	case KindChat:
		if !ev.Chat.IsFile() {
			return nil, false
		}
		entry.EventType = AuditFileShared
		entry.Metadata = map[string]any{
			"file_name": ev.Chat.File.FileName,
			"mime_type": ev.Chat.File.MimeType,
			"locator":   ev.Chat.File.ContentLocator,
		}
	case KindDraw:
		return nil, false
	}

	return entry, true
}

func NewSessionClosedLog(sessionID string, lastSeq uint64, reason string) *SessionAuditLog {
	return &SessionAuditLog{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		EventType: AuditSessionClosed,
		Seq:       lastSeq,
		Timestamp: time.Now(),
		Metadata: map[string]any{
			"reason": reason,
		},
	}
}
