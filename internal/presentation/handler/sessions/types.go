package sessions

import "github.com/studiocdz/collaborative-editor/internal/domain"

type eventsResponse struct {
	SessionID string                `json:"sessionId"`
	Since     uint64                `json:"since"`
	Seq       uint64                `json:"seq"`
	Events    []domain.SessionEvent `json:"events"`
}

type archiveResponse struct {
	SessionID string                `json:"sessionId"`
	Events    []domain.SessionEvent `json:"events"`
}

type auditResponse struct {
	SessionID string                   `json:"sessionId"`
	Entries   []domain.SessionAuditLog `json:"entries"`
}
