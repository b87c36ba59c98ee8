package repository

import (
	"context"
	"time"

	"github.com/studiocdz/collaborative-editor/internal/domain"
	"github.com/studiocdz/collaborative-editor/internal/persistence/db"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const auditRetention = 90 * 24 * time.Hour

type sessionAuditLogRepository struct {
	db *mongo.Database
}

func NewSessionAuditLogRepository(db *mongo.Database) domain.SessionAuditRepository {
	return &sessionAuditLogRepository{
		db: db,
	}
}

func (r *sessionAuditLogRepository) collection() *mongo.Collection {
	return r.db.Collection(db.SessionAuditLogsCollection)
}

func (r *sessionAuditLogRepository) DeleteOlderThan(ctx context.Context, before time.Time) error {
	filter := bson.M{
		"timestamp": bson.M{
			"$lt": before,
		},
	}

	_, err := r.collection().DeleteMany(ctx, filter)
	return err
}

func (r *sessionAuditLogRepository) GetByEventType(ctx context.Context, eventType domain.SessionEventType, from time.Time, to time.Time) ([]domain.SessionAuditLog, error) {
	filter := bson.M{
		"event_type": eventType,
		"timestamp": bson.M{
			"$gte": from,
			"$lte": to,
		},
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})

	cursor, err := r.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	logs := []domain.SessionAuditLog{}
	if err := cursor.All(ctx, &logs); err != nil {
		return nil, err
	}

	return logs, nil
}

// GetBySessionID returns the newest entries first.
func (r *sessionAuditLogRepository) GetBySessionID(ctx context.Context, sessionID string, limit int) ([]domain.SessionAuditLog, error) {
	if limit <= 0 {
		limit = 100
	}

	filter := bson.M{"session_id": sessionID}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "seq", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection().Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	logs := []domain.SessionAuditLog{}
	if err := cursor.All(ctx, &logs); err != nil {
		return nil, err
	}

	return logs, nil
}

func (r *sessionAuditLogRepository) Log(ctx context.Context, log *domain.SessionAuditLog) error {
	_, err := r.collection().InsertOne(ctx, log)
	return err
}

func (r *sessionAuditLogRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "session_id", Value: 1},
				{Key: "timestamp", Value: -1},
			},
		},
		{
			Keys: bson.D{
				{Key: "event_type", Value: 1},
				{Key: "timestamp", Value: -1},
			},
		},
		{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(auditRetention.Seconds())),
		},
	}

	_, err := r.collection().Indexes().CreateMany(ctx, indexes)
	return err
}
