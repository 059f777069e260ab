package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/havencare/haven/internal/models"
	mongorepo "github.com/havencare/haven/internal/repositories/mongo"
)

// EventFanout journals sideband traffic durably and mirrors a metadata-only
// view onto the session's live monitor channel. Payloads never reach the
// channel; monitors may include reviewers, who are not cleared for raw frames.
type EventFanout struct {
	events mongorepo.EventRepository
	redis  *redis.Client
}

func NewEventFanout(events mongorepo.EventRepository, rdb *redis.Client) *EventFanout {
	return &EventFanout{events: events, redis: rdb}
}

type sidebandEventNotice struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Direction string    `json:"direction"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

func (f *EventFanout) Record(ctx context.Context, ev *models.SidebandEvent) error {
	err := f.events.Record(ctx, ev)

	if f.redis != nil {
		notice := sidebandEventNotice{
			Type:      "sideband_event",
			SessionID: ev.SessionID,
			Direction: ev.Direction,
			EventType: ev.EventType,
			Timestamp: ev.Timestamp,
		}
		if b, merr := json.Marshal(notice); merr == nil {
			_ = f.redis.Publish(ctx, "session:"+ev.SessionID+":events", b).Err()
		}
	}

	return err
}
