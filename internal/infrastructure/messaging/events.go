package messaging

import "github.com/studiocdz/collaborative-editor/internal/domain"

const (
	SessionAuditQueue = "session_audit"
	DeadLetterQueue   = "dead_letter_queue"
)

type SessionAuditEventData struct {
	Audit domain.SessionAuditLog `json:"audit"`
}
