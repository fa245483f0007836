package notification

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/config"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/db"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/logcontext"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/message"
)

var (
	// producer batch metrics
	producerErrorFetchingCounter = metrics.GetOrCreateCounter(`notification_producer_total{result="fetching_failed"}`)
	producerErrorKafkaCounter    = metrics.GetOrCreateCounter(`notification_producer_total{result="publish_failed"}`)
	producerErrorUpdateCounter   = metrics.GetOrCreateCounter(`notification_producer_total{result="db_update_failed"}`)
	producerSuccessCounter       = metrics.GetOrCreateCounter(`notification_producer_total{result="success"}`)

	producerProcessDurationHistogram = metrics.GetOrCreateHistogram(`notification_producer_duration_milliseconds`)

	// producer per message metrics
	producerMessagesPublishedCounter   = metrics.GetOrCreateCounter(`notification_producer_messages_total{result="published"}`)
	producerMessagesMaxAttemptsCounter = metrics.GetOrCreateCounter(`notification_producer_messages_total{result="max_attempts_reached"}`)
	producerMessagesRescheduledCounter = metrics.GetOrCreateCounter(`notification_producer_messages_total{result="rescheduled"}`)
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer polls the outbox and publishes due rows to Kafka.
type Producer struct {
	repo               *db.OutboxRepository
	writer             MessageWriter
	pollingInterval    time.Duration
	fetchSize          int
	retryDelay         time.Duration
	maxPublishAttempts int
	logger             *slog.Logger
}

func NewProducer(repo *db.OutboxRepository, writer MessageWriter, cfg config.NotificationProducer, logger *slog.Logger) *Producer {
	return &Producer{
		repo:               repo,
		writer:             writer,
		pollingInterval:    time.Duration(cfg.PollingIntervalMs) * time.Millisecond,
		fetchSize:          cfg.FetchSize,
		retryDelay:         time.Duration(cfg.RescheduleDelayMs) * time.Millisecond,
		maxPublishAttempts: cfg.MaxPublishAttempts,
		logger:             logger,
	}
}

func (p *Producer) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				p.process(ctx)
			case <-ctx.Done():
				p.logger.InfoContext(ctx, "Context done, stopping producer")
				return
			}
		}
	}()
}

func (p *Producer) process(ctx context.Context) {
	startTime := time.Now()

	// runId correlates all logs of one polling round
	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}
	defer tx.Rollback(ctx)

	notifications, err := p.repo.GetUnpublished(ctx, tx, p.fetchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error fetching unpublished notifications", "error", err)
		producerErrorFetchingCounter.Inc()
		return
	}
	if len(notifications) == 0 {
		p.logger.DebugContext(ctx, "No unpublished notifications found")
		producerSuccessCounter.Inc()
		return
	}

	publishErr := p.writer.WriteMessages(ctx, p.toKafkaMessages(ctx, notifications)...)
	if publishErr != nil {
		p.logger.ErrorContext(ctx, "Error writing messages to Kafka", "error", publishErr)
		producerErrorKafkaCounter.Inc()
	}

	for _, n := range notifications {
		messageCtx := logcontext.AppendCtx(ctx, slog.String("notificationId", n.ID.String()))
		n.PublishAttempts++

		if publishErr != nil {
			errMsg := publishErr.Error()
			n.Error = &errMsg

			if n.PublishAttempts >= p.maxPublishAttempts {
				p.logger.WarnContext(messageCtx, "Max publish attempts reached for notification")
				n.ScheduledAt = nil
				producerMessagesMaxAttemptsCounter.Inc()
			} else {
				scheduledAt := time.Now().Add(time.Duration(n.PublishAttempts) * p.retryDelay)
				n.ScheduledAt = &scheduledAt
				producerMessagesRescheduledCounter.Inc()
			}
		} else {
			now := time.Now()
			n.ScheduledAt = nil
			n.PublishedAt = &now
			n.Error = nil
			producerMessagesPublishedCounter.Inc()
		}

		if err := p.repo.Update(messageCtx, tx, n); err != nil {
			p.logger.ErrorContext(messageCtx, "Error updating notification", "error", err)
			producerErrorUpdateCounter.Inc()
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		producerErrorUpdateCounter.Inc()
	} else {
		p.logger.InfoContext(ctx, "Published notifications", "count", len(notifications))
		producerSuccessCounter.Inc()
	}

	producerProcessDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
}

func (p *Producer) toKafkaMessages(ctx context.Context, notifications []*db.NotificationEntity) []kafka.Message {
	msgs := make([]kafka.Message, 0, len(notifications))
	for _, entity := range notifications {
		value, _ := json.Marshal(message.Notification{
			ID:        entity.ID,
			SessionID: entity.SessionID,
			Url:       entity.Url,
			Payload:   entity.Payload,
			Attempts:  entity.DeliveryAttempts,
		})

		// session id as key keeps one payment's notifications ordered
		msgs = append(msgs, kafka.Message{Key: []byte(entity.SessionID), Value: value})
	}
	p.logger.DebugContext(ctx, "Prepared Kafka messages", "count", len(msgs))
	return msgs
}
