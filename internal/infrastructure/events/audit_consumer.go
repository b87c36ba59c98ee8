package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/contracts"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/messaging"
)

// AuditConsumer stores session audit events received from RabbitMQ.
type AuditConsumer struct {
	rabbitmq *messaging.RabbitMQ
	repo     domain.SessionAuditRepository
	logger   logging.Logger
}

func NewAuditConsumer(rabbitmq *messaging.RabbitMQ, repo domain.SessionAuditRepository, logger logging.Logger) *AuditConsumer {
	return &AuditConsumer{
		rabbitmq: rabbitmq,
		repo:     repo,
		logger:   logger,
	}
}

func (c *AuditConsumer) Listen(ctx context.Context) error {
	return c.rabbitmq.ConsumeMessages(ctx, messaging.SessionAuditQueue, func(ctx context.Context, msg amqp091.Delivery) error {
		return c.Handle(ctx, msg.Body)
	})
}

// Handle decodes one delivery body and writes its audit record.
func (c *AuditConsumer) Handle(ctx context.Context, body []byte) error {
	var message contracts.AmqpMessage
	if err := json.Unmarshal(body, &message); err != nil {
		return fmt.Errorf("unmarshal amqp message: %w", err)
	}

	var payload messaging.SessionAuditEventData
	if err := json.Unmarshal(message.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal audit payload: %w", err)
	}

	if err := c.repo.Log(ctx, &payload.Audit); err != nil {
		return fmt.Errorf("store audit log: %w", err)
	}

	c.logger.Debug(logging.RabbitMQ, logging.Audit, "audit event stored", map[logging.ExtraKey]any{
		logging.SessionID: payload.Audit.SessionID,
		"event_type":      string(payload.Audit.EventType),
	})
	return nil
}
