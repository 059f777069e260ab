package mongo

import (
	"context"
	"time"

	"github.com/havencare/haven/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DefaultEventTTL bounds how long raw sideband frames stay queryable before
// the TTL index reaps them.
const DefaultEventTTL = 72 * time.Hour

type EventRepository interface {
	Record(ctx context.Context, ev *models.SidebandEvent) error
	ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.SidebandEvent, error)
}

type eventRepo struct {
	col *mongo.Collection
	ttl time.Duration
}

func NewEventRepo(db *mongo.Database) EventRepository {
	return &eventRepo{col: db.Collection(models.SidebandEventCollection), ttl: DefaultEventTTL}
}

func (r *eventRepo) Record(ctx context.Context, ev *models.SidebandEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.ExpiresAt.IsZero() {
		ev.ExpiresAt = ev.Timestamp.Add(r.ttl)
	}
	_, err := r.col.InsertOne(ctx, ev)
	return err
}

func (r *eventRepo) ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.SidebandEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}}).
		SetLimit(limit)

	cursor, err := r.col.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []models.SidebandEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}
