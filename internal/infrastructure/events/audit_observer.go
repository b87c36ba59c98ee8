package events

import (
	"context"

	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
)

// AuditObserver writes audit records straight to the repository. It is used
// when no broker is configured.
type AuditObserver struct {
	repo   domain.SessionAuditRepository
	logger logging.Logger
}

func NewAuditObserver(repo domain.SessionAuditRepository, logger logging.Logger) *AuditObserver {
	return &AuditObserver{repo: repo, logger: logger}
}

func (o *AuditObserver) Observe(ctx context.Context, sessionID string, ev domain.SessionEvent) {
	entry, ok := domain.AuditLogFor(sessionID, ev)
	if !ok {
		return
	}
	o.store(ctx, entry)
}

func (o *AuditObserver) SessionClosed(ctx context.Context, sessionID string, lastSeq uint64, reason string) {
	o.store(ctx, domain.NewSessionClosedLog(sessionID, lastSeq, reason))
}

func (o *AuditObserver) store(ctx context.Context, entry *domain.SessionAuditLog) {
	if err := o.repo.Log(ctx, entry); err != nil {
		o.logger.Error(logging.MongoDB, logging.Audit, "failed to store audit log", map[logging.ExtraKey]any{
			logging.SessionID:    entry.SessionID,
			logging.ErrorMessage: err.Error(),
		})
	}
}
