package reconcile

import (
	"context"

	"github.com/google/uuid"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/db"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/event"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/gateway"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/payload"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/webhook"
)

type Verifier interface {
	Verify(payload []byte, header string) (webhook.Environment, error)
}

type Store interface {
	InTx(ctx context.Context, fn func(db.Ledger) error) error
	SessionProcessed(ctx context.Context, sessionID string) (bool, error)
	RecordDelivery(ctx context.Context, e db.WebhookEvent) (int, error)
	FinishDelivery(ctx context.Context, eventID, status string, errMsg *string) error
	Audit(ctx context.Context, entry db.AuditEntry) error
	MigrateDocuments(ctx context.Context, studentID, applicationID uuid.UUID) (bool, error)
	ClearCart(ctx context.Context, userID uuid.UUID) (int64, error)
	RecordTransfer(ctx context.Context, t db.TransferRecord) error
	UpsertCommission(ctx context.Context, c db.ReferralCommission) error
}

// Provider is the payment provider API, addressed by environment name.
type Provider interface {
	FindSessionByPaymentIntent(ctx context.Context, env, paymentIntentID string) (*event.Session, error)
	PaymentIntent(ctx context.Context, env, id string) (*event.PaymentIntent, error)
	CreateTransfer(ctx context.Context, env string, req gateway.TransferRequest) (string, error)
	Balance(ctx context.Context, env string) (*gateway.Balance, error)
}

type Notifier interface {
	Notify(ctx context.Context, n payload.Notification) error
}

type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}
