package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/contracts"
	"github.com/studiocdz/collaborative-editor/internal/infrastructure/logging"
)

type published struct {
	routingKey string
	message    contracts.AmqpMessage
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (f *fakePublisher) PublishMessage(_ context.Context, routingKey string, message contracts.AmqpMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{routingKey: routingKey, message: message})
	return nil
}

type memoryAuditRepo struct {
	mu   sync.Mutex
	logs []domain.SessionAuditLog
}

func (m *memoryAuditRepo) Log(_ context.Context, log *domain.SessionAuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *log)
	return nil
}

func (m *memoryAuditRepo) GetBySessionID(context.Context, string, int) ([]domain.SessionAuditLog, error) {
	return m.logs, nil
}

func (m *memoryAuditRepo) GetByEventType(context.Context, domain.SessionEventType, time.Time, time.Time) ([]domain.SessionAuditLog, error) {
	return nil, nil
}

func (m *memoryAuditRepo) DeleteOlderThan(context.Context, time.Time) error { return nil }

func (m *memoryAuditRepo) EnsureIndexes(context.Context) error { return nil }

func joinEvent(t *testing.T, seq uint64) domain.SessionEvent {
	t.Helper()
	p, err := domain.NewParticipant("alice", "Alice", "")
	require.NoError(t, err)
	ev := domain.NewJoinEvent(p)
	ev.Seq = seq
	ev.At = time.Now()
	return ev
}

func TestPublisherSkipsDrawAndRoutesByType(t *testing.T) {
	pub := &fakePublisher{}
	p := NewSessionPublisher(pub, logging.NewNop())
	ctx := context.Background()

	p.Observe(ctx, "s1", joinEvent(t, 1))
	p.Observe(ctx, "s1", domain.NewDrawEvent("alice", domain.DrawPoint{Size: 1, Tool: domain.ToolPen}))
	p.Observe(ctx, "s1", domain.NewClearEvent("alice"))
	p.SessionClosed(ctx, "s1", 3, "idle")

	require.Len(t, pub.sent, 3)
	require.Equal(t, contracts.EventParticipantJoined, pub.sent[0].routingKey)
	require.Equal(t, "alice", pub.sent[0].message.OwnerID)
	require.Equal(t, contracts.EventCanvasCleared, pub.sent[1].routingKey)
	require.Equal(t, contracts.EventSessionClosed, pub.sent[2].routingKey)
}

func TestConsumerStoresPublishedAudit(t *testing.T) {
	pub := &fakePublisher{}
	NewSessionPublisher(pub, logging.NewNop()).Observe(context.Background(), "s1", joinEvent(t, 7))
	require.Len(t, pub.sent, 1)

	body, err := json.Marshal(pub.sent[0].message)
	require.NoError(t, err)

	repo := &memoryAuditRepo{}
	consumer := NewAuditConsumer(nil, repo, logging.NewNop())
	require.NoError(t, consumer.Handle(context.Background(), body))

	require.Len(t, repo.logs, 1)
	require.Equal(t, "s1", repo.logs[0].SessionID)
	require.Equal(t, domain.AuditParticipantJoined, repo.logs[0].EventType)
	require.Equal(t, uint64(7), repo.logs[0].Seq)
}

func TestConsumerRejectsGarbage(t *testing.T) {
	consumer := NewAuditConsumer(nil, &memoryAuditRepo{}, logging.NewNop())
	require.Error(t, consumer.Handle(context.Background(), []byte("{")))
}

func TestAuditObserver(t *testing.T) {
	repo := &memoryAuditRepo{}
	o := NewAuditObserver(repo, logging.NewNop())

	o.Observe(context.Background(), "s1", joinEvent(t, 1))
	o.SessionClosed(context.Background(), "s1", 1, "stopped")

	require.Len(t, repo.logs, 2)
	require.Equal(t, domain.AuditSessionClosed, repo.logs[1].EventType)
}
