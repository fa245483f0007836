package notification

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/gock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/config"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/db"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/message"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/payload"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/testhelpers"
)

const hookURL = "http://notify.local/hook"

type recordingWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

type PipelineTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	repo        *db.OutboxRepository
	ctx         context.Context
}

func (s *PipelineTestSuite) SetupSuite() {
	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := db.RunMigrations(pgContainer.ConnectionString); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(s.ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}
	s.pool = pool
	s.repo = db.NewOutboxRepository(pool)
}

func (s *PipelineTestSuite) TearDownSuite() {
	s.pool.Close()
	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *PipelineTestSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, `DELETE FROM notification_outbox`)
	s.Require().NoError(err)
}

func TestPipelineTestSuite(t *testing.T) {
	suite.Run(t, new(PipelineTestSuite))
}

func (s *PipelineTestSuite) queue(sessionID string) {
	outbox := NewOutbox(s.repo, hookURL, discardLogger())
	err := outbox.Notify(s.ctx, payload.Notification{
		ID:        uuid.New(),
		Event:     payload.EventFeePaid,
		Role:      payload.RoleStudent,
		SessionID: sessionID,
		FeeType:   "application_fee",
	})
	s.Require().NoError(err)
}

func (s *PipelineTestSuite) producer(w MessageWriter) *Producer {
	return NewProducer(s.repo, w, config.NotificationProducer{
		PollingIntervalMs:  10,
		FetchSize:          10,
		RescheduleDelayMs:  60_000,
		MaxPublishAttempts: 2,
	}, discardLogger())
}

func (s *PipelineTestSuite) processor(maxAttempts int) *Processor {
	return NewProcessor(s.repo, NewSender(time.Second, discardLogger()), config.NotificationProcessor{
		Parallelism:         4,
		RescheduleDelayMs:   0,
		MaxDeliveryAttempts: maxAttempts,
	}, discardLogger())
}

func (s *PipelineTestSuite) published(w *recordingWriter) []message.Notification {
	var out []message.Notification
	for _, m := range w.msgs {
		var n message.Notification
		s.Require().NoError(json.Unmarshal(m.Value, &n))
		s.Equal(n.SessionID, string(m.Key))
		out = append(out, n)
	}
	return out
}

func (s *PipelineTestSuite) TestOutboxWithoutEndpointDrops() {
	outbox := NewOutbox(s.repo, "", discardLogger())
	s.Require().NoError(outbox.Notify(s.ctx, payload.Notification{SessionID: "cs_1"}))

	var count int
	s.Require().NoError(s.pool.QueryRow(s.ctx, `SELECT count(*) FROM notification_outbox`).Scan(&count))
	s.Zero(count)
}

func (s *PipelineTestSuite) TestProduceAndDeliver() {
	defer gock.Off()
	s.queue("cs_1")

	w := &recordingWriter{}
	s.producer(w).process(s.ctx)

	msgs := s.published(w)
	s.Require().Len(msgs, 1)
	s.Equal("cs_1", msgs[0].SessionID)
	s.Equal(hookURL, msgs[0].Url)

	var body payload.Notification
	s.Require().NoError(json.Unmarshal([]byte(msgs[0].Payload), &body))
	s.Equal(payload.EventFeePaid, body.Event)

	entity, err := s.repo.SelectByID(s.ctx, msgs[0].ID)
	s.Require().NoError(err)
	s.NotNil(entity.PublishedAt)
	s.Nil(entity.ScheduledAt)
	s.Equal(1, entity.PublishAttempts)

	// a second round finds nothing due
	s.producer(w).process(s.ctx)
	s.Len(w.msgs, 1)

	gock.New("http://notify.local").Post("/hook").Reply(200)
	p := s.processor(3)
	s.Require().NoError(p.Process(s.ctx, msgs[0]))
	p.Wait()

	entity, err = s.repo.SelectByID(s.ctx, msgs[0].ID)
	s.Require().NoError(err)
	s.NotNil(entity.DeliveredAt)
	s.Equal(1, entity.DeliveryAttempts)
	s.True(gock.IsDone())
}

func (s *PipelineTestSuite) TestPublishFailureReschedulesUntilMaxAttempts() {
	s.queue("cs_2")
	w := &recordingWriter{err: errors.New("broker down")}

	s.producer(w).process(s.ctx)

	var (
		attempts    int
		scheduledAt *time.Time
		errMsg      *string
	)
	row := `SELECT publish_attempts, scheduled_at, error FROM notification_outbox WHERE session_id = 'cs_2'`
	s.Require().NoError(s.pool.QueryRow(s.ctx, row).Scan(&attempts, &scheduledAt, &errMsg))
	s.Equal(1, attempts)
	s.Require().NotNil(scheduledAt)
	s.True(scheduledAt.After(time.Now()))
	s.Equal("broker down", *errMsg)

	_, err := s.pool.Exec(s.ctx, `UPDATE notification_outbox SET scheduled_at = now() - interval '1 second'`)
	s.Require().NoError(err)
	s.producer(w).process(s.ctx)

	s.Require().NoError(s.pool.QueryRow(s.ctx, row).Scan(&attempts, &scheduledAt, &errMsg))
	s.Equal(2, attempts)
	s.Nil(scheduledAt)
}

func (s *PipelineTestSuite) TestDeliveryFailureStopsAtMaxAttempts() {
	defer gock.Off()
	s.queue("cs_3")
	w := &recordingWriter{}
	s.producer(w).process(s.ctx)
	msg := s.published(w)[0]

	gock.New("http://notify.local").Post("/hook").Times(2).Reply(500)
	p := s.processor(2)

	s.Require().NoError(p.Process(s.ctx, msg))
	p.Wait()
	entity, err := s.repo.SelectByID(s.ctx, msg.ID)
	s.Require().NoError(err)
	s.Equal(1, entity.DeliveryAttempts)
	s.NotNil(entity.ScheduledAt)
	s.Nil(entity.DeliveredAt)

	s.Require().NoError(p.Process(s.ctx, msg))
	p.Wait()
	entity, err = s.repo.SelectByID(s.ctx, msg.ID)
	s.Require().NoError(err)
	s.Equal(2, entity.DeliveryAttempts)
	s.Nil(entity.ScheduledAt)
	s.Require().NotNil(entity.Error)
	s.Contains(*entity.Error, "500")
}
