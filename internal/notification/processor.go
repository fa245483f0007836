package notification

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/config"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/db"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/logcontext"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/message"
)

var (
	processorDeliveredCounter   = metrics.GetOrCreateCounter(`notification_processor_total{result="delivered"}`)
	processorRescheduledCounter = metrics.GetOrCreateCounter(`notification_processor_total{result="rescheduled"}`)
	processorExhaustedCounter   = metrics.GetOrCreateCounter(`notification_processor_total{result="max_attempts_reached"}`)
	processorErrorCounter       = metrics.GetOrCreateCounter(`notification_processor_total{result="db_error"}`)
)

// Processor delivers notifications announced on Kafka, bounded by a semaphore.
type Processor struct {
	repo            *db.OutboxRepository
	sender          *Sender
	sem             chan struct{}
	wg              sync.WaitGroup
	rescheduleDelay time.Duration
	maxAttempts     int
	logger          *slog.Logger
}

func NewProcessor(repo *db.OutboxRepository, sender *Sender, cfg config.NotificationProcessor, logger *slog.Logger) *Processor {
	return &Processor{
		repo:            repo,
		sender:          sender,
		sem:             make(chan struct{}, max(cfg.Parallelism, 1)),
		rescheduleDelay: time.Duration(cfg.RescheduleDelayMs) * time.Millisecond,
		maxAttempts:     cfg.MaxDeliveryAttempts,
		logger:          logger,
	}
}

// Process schedules delivery and returns once a slot is free.
func (p *Processor) Process(ctx context.Context, msg message.Notification) error {
	ctx = logcontext.AppendCtx(ctx, slog.String("notificationId", msg.ID.String()))

	p.sem <- struct{}{}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		p.deliver(ctx, msg)
	}()

	return nil
}

// Wait blocks until in-flight deliveries finish.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) deliver(ctx context.Context, msg message.Notification) {
	tx, err := p.repo.BeginTx(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error starting transaction", "error", err)
		processorErrorCounter.Inc()
		return
	}
	defer tx.Rollback(ctx)

	entity, err := p.repo.SelectForUpdateByID(ctx, tx, msg.ID)
	if err != nil {
		p.logger.ErrorContext(ctx, "Error selecting notification for update", "error", err)
		processorErrorCounter.Inc()
		return
	}
	if entity.DeliveredAt != nil {
		p.logger.InfoContext(ctx, "Notification already delivered")
		return
	}

	attempts := entity.DeliveryAttempts + 1
	if sendErr := p.sender.Send(ctx, entity.Url, entity.Payload); sendErr != nil {
		var next *time.Time
		if attempts >= p.maxAttempts {
			p.logger.WarnContext(ctx, "Max delivery attempts reached", "attempts", attempts, "error", sendErr)
			processorExhaustedCounter.Inc()
		} else {
			at := time.Now().Add(time.Duration(attempts) * p.rescheduleDelay)
			next = &at
			p.logger.WarnContext(ctx, "Delivery failed, rescheduled", "attempts", attempts, "scheduledAt", at, "error", sendErr)
			processorRescheduledCounter.Inc()
		}
		err = p.repo.Reschedule(ctx, tx, entity.ID, next, attempts, sendErr.Error())
	} else {
		err = p.repo.MarkDelivered(ctx, tx, entity.ID, attempts, time.Now())
		processorDeliveredCounter.Inc()
	}
	if err != nil {
		p.logger.ErrorContext(ctx, "Error updating notification", "error", err)
		processorErrorCounter.Inc()
		return
	}

	if err := tx.Commit(ctx); err != nil {
		p.logger.ErrorContext(ctx, "Error committing transaction", "error", err)
		processorErrorCounter.Inc()
	}
}
