package events

import (
	"context"
	"encoding/json"

	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/contracts"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/messaging"
)

type messagePublisher interface {
	PublishMessage(ctx context.Context, routingKey string, message contracts.AmqpMessage) error
}

// SessionPublisher forwards auditable session events to RabbitMQ. It is
// registered as a session observer.
type SessionPublisher struct {
	rabbitmq messagePublisher
	logger   logging.Logger
}

func NewSessionPublisher(rabbitmq messagePublisher, logger logging.Logger) *SessionPublisher {
	return &SessionPublisher{
		rabbitmq: rabbitmq,
		logger:   logger,
	}
}

func routingKeyFor(t domain.SessionEventType) string {
	switch t {
	case domain.AuditParticipantJoined:
		return contracts.EventParticipantJoined
	case domain.AuditParticipantLeft:
		return contracts.EventParticipantLeft
	case domain.AuditCanvasCleared:
		return contracts.EventCanvasCleared
	case domain.AuditFileShared:
		return contracts.EventFileShared
	default:
		return contracts.EventSessionClosed
	}
}

func (p *SessionPublisher) publish(ctx context.Context, entry *domain.SessionAuditLog) error {
	payload, err := json.Marshal(messaging.SessionAuditEventData{Audit: *entry})
	if err != nil {
		return err
	}

	return p.rabbitmq.PublishMessage(ctx, routingKeyFor(entry.EventType), contracts.AmqpMessage{
		OwnerID: entry.ParticipantID,
		Data:    payload,
	})
}

func (p *SessionPublisher) Observe(ctx context.Context, sessionID string, ev domain.SessionEvent) {
	entry, ok := domain.AuditLogFor(sessionID, ev)
	if !ok {
		return
	}
	if err := p.publish(ctx, entry); err != nil {
		p.logger.Error(logging.RabbitMQ, logging.Publish, "failed to publish session event", map[logging.ExtraKey]any{
			logging.SessionID:    sessionID,
			logging.Seq:          ev.Seq,
			logging.ErrorMessage: err.Error(),
		})
	}
}

func (p *SessionPublisher) SessionClosed(ctx context.Context, sessionID string, lastSeq uint64, reason string) {
	if err := p.publish(ctx, domain.NewSessionClosedLog(sessionID, lastSeq, reason)); err != nil {
		p.logger.Error(logging.RabbitMQ, logging.Publish, "failed to publish session close", map[logging.ExtraKey]any{
			logging.SessionID:    sessionID,
			logging.ErrorMessage: err.Error(),
		})
	}
}
