package notification

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/db"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/payload"
)

// Outbox queues notifications for the producer. A queued row is delivered at least once.
type Outbox struct {
	repo   *db.OutboxRepository
	url    string
	logger *slog.Logger
}

func NewOutbox(repo *db.OutboxRepository, url string, logger *slog.Logger) *Outbox {
	return &Outbox{repo: repo, url: url, logger: logger}
}

func (o *Outbox) Notify(ctx context.Context, n payload.Notification) error {
	if o.url == "" {
		o.logger.DebugContext(ctx, "Notification endpoint not configured, dropping", "event", n.Event, "role", n.Role)
		return nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}

	now := time.Now()
	entity, err := o.repo.Create(ctx, &db.NotificationEntity{
		ID:          uuid.New(),
		SessionID:   n.SessionID,
		Url:         o.url,
		Payload:     string(body),
		ScheduledAt: &now,
	})
	if err != nil {
		return err
	}

	o.logger.InfoContext(ctx, "Notification queued", "id", entity.ID, "event", n.Event, "role", n.Role)
	return nil
}
