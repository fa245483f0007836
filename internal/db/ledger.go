package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var ErrNotFound = errors.New("not found")

// Ledger holds the writes that make up one reconciliation. All of them share a transaction.
type Ledger interface {
	ClaimSession(ctx context.Context, marker ReconciliationMarker) (bool, error)
	LockStudent(ctx context.Context, userID uuid.UUID) (*StudentProfile, error)
	MarkProfileFeePaid(ctx context.Context, userID uuid.UUID, fee Fee, method string, at time.Time) error
	LockApplication(ctx context.Context, id uuid.UUID) (*Application, error)
	LatestApplicationWithScholarshipFee(ctx context.Context, studentID uuid.UUID) (*Application, error)
	MarkApplicationFeePaid(ctx context.Context, id uuid.UUID, fee Fee, method string, at time.Time, status string) error
	MarkScholarshipFeePaid(ctx context.Context, studentID uuid.UUID, scholarshipIDs []uuid.UUID, method string, at time.Time) (int64, error)
	FindReferrer(ctx context.Context, code string) (uuid.UUID, error)
	CreditReward(ctx context.Context, credit RewardCredit) (bool, error)
	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error
}

var profileColumns = map[Fee][3]string{
	FeeSelectionProcess: {"selection_process_fee_paid", "selection_process_fee_payment_method", "selection_process_fee_paid_at"},
	FeeApplication:      {"application_fee_paid", "application_fee_payment_method", "application_fee_paid_at"},
	FeeScholarship:      {"scholarship_fee_paid", "scholarship_fee_payment_method", "scholarship_fee_paid_at"},
	FeeI20Control:       {"i20_control_fee_paid", "i20_control_fee_payment_method", "i20_control_fee_paid_at"},
}

var applicationColumns = map[Fee][3]string{
	FeeApplication: {"is_application_fee_paid", "application_fee_payment_method", "application_fee_paid_at"},
	FeeScholarship: {"is_scholarship_fee_paid", "scholarship_fee_payment_method", "scholarship_fee_paid_at"},
	FeeI20Control:  {"is_i20_control_fee_paid", "i20_control_fee_payment_method", "i20_control_fee_paid_at"},
}

const studentColumns = `user_id, full_name, email, referred_by_code, reward_balance, selection_process_fee_paid,
	application_fee_paid, scholarship_fee_paid, i20_control_fee_paid`

const applicationSelect = `id, student_id, scholarship_id, university_id, status, is_application_fee_paid,
	is_scholarship_fee_paid, is_i20_control_fee_paid, updated_at`

type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// InTx runs fn in a transaction, committing only when fn returns nil.
func (r *LedgerRepository) InTx(ctx context.Context, fn func(Ledger) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit transaction")
}

func (r *LedgerRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *LedgerRepository) SessionProcessed(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reconciliation_log WHERE session_id = $1)`, sessionID).Scan(&exists)
	return exists, errors.Wrap(err, "check reconciliation marker")
}

// RecordDelivery logs a verified delivery and returns how many times the event has been seen.
func (r *LedgerRepository) RecordDelivery(ctx context.Context, e WebhookEvent) (int, error) {
	query := `INSERT INTO webhook_events (event_id, event_type, environment, session_id, status)
	          VALUES ($1, $2, $3, $4, $5)
	          ON CONFLICT (event_id) DO UPDATE
	          SET delivery_count = webhook_events.delivery_count + 1, updated_at = now()
	          RETURNING delivery_count`
	var count int
	err := r.pool.QueryRow(ctx, query, e.EventID, e.EventType, e.Environment, e.SessionID, e.Status).Scan(&count)
	return count, errors.Wrap(err, "record webhook delivery")
}

func (r *LedgerRepository) FinishDelivery(ctx context.Context, eventID, status string, errMsg *string) error {
	query := `UPDATE webhook_events SET status = $2, error = $3, updated_at = now() WHERE event_id = $1`
	_, err := r.pool.Exec(ctx, query, eventID, status, errMsg)
	return errors.Wrap(err, "finish webhook delivery")
}

func (r *LedgerRepository) GetWebhookEvent(ctx context.Context, eventID string) (*WebhookEvent, error) {
	query := `SELECT event_id, event_type, environment, session_id, status, delivery_count, error
	          FROM webhook_events WHERE event_id = $1`
	var e WebhookEvent
	err := r.pool.QueryRow(ctx, query, eventID).
		Scan(&e.EventID, &e.EventType, &e.Environment, &e.SessionID, &e.Status, &e.DeliveryCount, &e.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select webhook event")
	}
	return &e, nil
}

func (r *LedgerRepository) Audit(ctx context.Context, entry AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return errors.Wrap(err, "marshal audit detail")
	}
	if entry.Detail == nil {
		detail = []byte("{}")
	}

	query := `INSERT INTO payment_audit_log (id, session_id, event_id, user_id, action, detail)
	          VALUES ($1, $2, $3, $4, $5, $6::jsonb)`
	_, err = r.pool.Exec(ctx, query, entry.ID, entry.SessionID, entry.EventID, entry.UserID, entry.Action, string(detail))
	return errors.Wrap(err, "insert audit entry")
}

// MigrateDocuments copies the student's profile documents onto an application that has none.
func (r *LedgerRepository) MigrateDocuments(ctx context.Context, studentID, applicationID uuid.UUID) (bool, error) {
	query := `UPDATE scholarship_applications a
	          SET documents = p.documents, updated_at = now()
	          FROM user_profiles p
	          WHERE a.id = $1 AND a.student_id = $2 AND p.user_id = a.student_id
	            AND jsonb_array_length(a.documents) = 0 AND jsonb_array_length(p.documents) > 0`
	tag, err := r.pool.Exec(ctx, query, applicationID, studentID)
	if err != nil {
		return false, errors.Wrap(err, "migrate documents")
	}
	return tag.RowsAffected() > 0, nil
}

func (r *LedgerRepository) ClearCart(ctx context.Context, userID uuid.UUID) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID)
	if err != nil {
		return 0, errors.Wrap(err, "clear cart")
	}
	return tag.RowsAffected(), nil
}

func (r *LedgerRepository) RecordTransfer(ctx context.Context, t TransferRecord) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	query := `INSERT INTO transfers (id, session_id, application_id, university_id, student_user_id,
	              destination_account_id, amount_minor, currency, status, provider_transfer_id, error, environment)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.pool.Exec(ctx, query, t.ID, t.SessionID, t.ApplicationID, t.UniversityID, t.StudentUserID,
		t.DestinationAccountID, t.AmountMinor, t.Currency, t.Status, t.ProviderTransferID, t.Error, t.Environment)
	return errors.Wrap(err, "insert transfer")
}

// UpsertCommission keeps one commission row per referred student.
func (r *LedgerRepository) UpsertCommission(ctx context.Context, c ReferralCommission) error {
	query := `INSERT INTO referral_commissions (referrer_id, referred_id, affiliate_code, payment_amount_minor,
	              currency, status, payment_session_id)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (referred_id) DO UPDATE
	          SET referrer_id = EXCLUDED.referrer_id, affiliate_code = EXCLUDED.affiliate_code,
	              payment_amount_minor = EXCLUDED.payment_amount_minor, currency = EXCLUDED.currency,
	              status = EXCLUDED.status, payment_session_id = EXCLUDED.payment_session_id, updated_at = now()`
	_, err := r.pool.Exec(ctx, query, c.ReferrerID, c.ReferredID, c.AffiliateCode, c.PaymentAmountMinor,
		c.Currency, c.Status, c.PaymentSessionID)
	return errors.Wrap(err, "upsert referral commission")
}

func (r *LedgerRepository) GetStudent(ctx context.Context, userID uuid.UUID) (*StudentProfile, error) {
	return scanStudent(r.pool.QueryRow(ctx, `SELECT `+studentColumns+` FROM user_profiles WHERE user_id = $1`, userID))
}

func (r *LedgerRepository) GetApplication(ctx context.Context, id uuid.UUID) (*Application, error) {
	return scanApplication(r.pool.QueryRow(ctx, `SELECT `+applicationSelect+` FROM scholarship_applications WHERE id = $1`, id))
}

type ledgerTx struct {
	tx pgx.Tx
}

// ClaimSession inserts the idempotency marker. false means another delivery already holds it.
func (l *ledgerTx) ClaimSession(ctx context.Context, m ReconciliationMarker) (bool, error) {
	metadata, _ := json.Marshal(map[string]string{"session_id": m.SessionID, "event_id": m.EventID})

	query := `INSERT INTO reconciliation_log (session_id, action_type, event_id, user_id, fee_type, metadata)
	          VALUES ($1, $2, $3, $4, $5, $6::jsonb)
	          ON CONFLICT (session_id) DO NOTHING`
	tag, err := l.tx.Exec(ctx, query, m.SessionID, m.ActionType, m.EventID, m.UserID, m.FeeType, string(metadata))
	if err != nil {
		return false, errors.Wrap(err, "insert reconciliation marker")
	}
	return tag.RowsAffected() == 1, nil
}

func (l *ledgerTx) LockStudent(ctx context.Context, userID uuid.UUID) (*StudentProfile, error) {
	return scanStudent(l.tx.QueryRow(ctx, `SELECT `+studentColumns+` FROM user_profiles WHERE user_id = $1 FOR UPDATE`, userID))
}

func (l *ledgerTx) MarkProfileFeePaid(ctx context.Context, userID uuid.UUID, fee Fee, method string, at time.Time) error {
	cols, ok := profileColumns[fee]
	if !ok {
		return fmt.Errorf("unknown profile fee %q", fee)
	}
	query := fmt.Sprintf(`UPDATE user_profiles SET %s = true, %s = $2, %s = $3, updated_at = now() WHERE user_id = $1`,
		cols[0], cols[1], cols[2])
	tag, err := l.tx.Exec(ctx, query, userID, method, at)
	if err != nil {
		return errors.Wrapf(err, "mark %s paid on profile", fee)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *ledgerTx) LockApplication(ctx context.Context, id uuid.UUID) (*Application, error) {
	return scanApplication(l.tx.QueryRow(ctx, `SELECT `+applicationSelect+` FROM scholarship_applications WHERE id = $1 FOR UPDATE`, id))
}

func (l *ledgerTx) LatestApplicationWithScholarshipFee(ctx context.Context, studentID uuid.UUID) (*Application, error) {
	query := `SELECT ` + applicationSelect + ` FROM scholarship_applications
	          WHERE student_id = $1 AND is_scholarship_fee_paid
	          ORDER BY updated_at DESC
	          LIMIT 1
	          FOR UPDATE`
	return scanApplication(l.tx.QueryRow(ctx, query, studentID))
}

// MarkApplicationFeePaid sets the fee flag on one application. An empty status leaves the status unchanged.
func (l *ledgerTx) MarkApplicationFeePaid(ctx context.Context, id uuid.UUID, fee Fee, method string, at time.Time, status string) error {
	cols, ok := applicationColumns[fee]
	if !ok {
		return fmt.Errorf("unknown application fee %q", fee)
	}
	query := fmt.Sprintf(`UPDATE scholarship_applications
	          SET %s = true, %s = $2, %s = $3, status = COALESCE(NULLIF($4, ''), status), updated_at = now()
	          WHERE id = $1`, cols[0], cols[1], cols[2])
	tag, err := l.tx.Exec(ctx, query, id, method, at, status)
	if err != nil {
		return errors.Wrapf(err, "mark %s paid on application", fee)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *ledgerTx) MarkScholarshipFeePaid(ctx context.Context, studentID uuid.UUID, scholarshipIDs []uuid.UUID, method string, at time.Time) (int64, error) {
	ids := make([]string, len(scholarshipIDs))
	for i, id := range scholarshipIDs {
		ids[i] = id.String()
	}
	query := `UPDATE scholarship_applications
	          SET is_scholarship_fee_paid = true, scholarship_fee_payment_method = $3, scholarship_fee_paid_at = $4,
	              updated_at = now()
	          WHERE student_id = $1 AND scholarship_id = ANY($2::uuid[])`
	tag, err := l.tx.Exec(ctx, query, studentID, ids, method, at)
	if err != nil {
		return 0, errors.Wrap(err, "mark scholarship fee paid")
	}
	return tag.RowsAffected(), nil
}

func (l *ledgerTx) FindReferrer(ctx context.Context, code string) (uuid.UUID, error) {
	var id uuid.UUID
	err := l.tx.QueryRow(ctx, `SELECT user_id FROM affiliate_codes WHERE code = $1`, code).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return id, errors.Wrap(err, "find referrer")
}

// CreditReward credits the referrer once per referred student. It returns
// ErrNotFound without writing anything when the referrer has no profile.
func (l *ledgerTx) CreditReward(ctx context.Context, c RewardCredit) (bool, error) {
	var one int
	err := l.tx.QueryRow(ctx, `SELECT 1 FROM user_profiles WHERE user_id = $1 FOR UPDATE`, c.ReferrerID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, errors.Wrap(err, "lock referrer profile")
	}

	query := `INSERT INTO reward_credits (referrer_id, referred_id, amount, session_id)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (referred_id) DO NOTHING`
	tag, err := l.tx.Exec(ctx, query, c.ReferrerID, c.ReferredID, c.Amount, c.SessionID)
	if err != nil {
		return false, errors.Wrap(err, "insert reward credit")
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	tag, err = l.tx.Exec(ctx, `UPDATE user_profiles SET reward_balance = reward_balance + $2, updated_at = now() WHERE user_id = $1`,
		c.ReferrerID, c.Amount)
	if err != nil {
		return false, errors.Wrap(err, "credit reward balance")
	}
	if tag.RowsAffected() == 0 {
		return false, ErrNotFound
	}
	return true, nil
}

func (l *ledgerTx) InsertLedgerEntry(ctx context.Context, e LedgerEntry) error {
	query := `INSERT INTO financial_ledger (session_id, user_id, fee_type, amount_minor, currency, base_amount_minor,
	              base_currency, exchange_rate, payment_method, provider_transaction_id, environment)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11)`
	_, err := l.tx.Exec(ctx, query, e.SessionID, e.UserID, e.FeeType, e.AmountMinor, e.Currency, e.BaseAmountMinor,
		e.BaseCurrency, e.ExchangeRate, e.PaymentMethod, e.ProviderTransactionID, e.Environment)
	return errors.Wrap(err, "insert financial ledger entry")
}

func scanStudent(row pgx.Row) (*StudentProfile, error) {
	var p StudentProfile
	err := row.Scan(&p.UserID, &p.FullName, &p.Email, &p.ReferredByCode, &p.RewardBalance, &p.SelectionProcessFeePaid,
		&p.ApplicationFeePaid, &p.ScholarshipFeePaid, &p.I20ControlFeePaid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan student profile")
	}
	return &p, nil
}

func scanApplication(row pgx.Row) (*Application, error) {
	var a Application
	err := row.Scan(&a.ID, &a.StudentID, &a.ScholarshipID, &a.UniversityID, &a.Status, &a.ApplicationFeePaid,
		&a.ScholarshipFeePaid, &a.I20ControlFeePaid, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan application")
	}
	return &a, nil
}
