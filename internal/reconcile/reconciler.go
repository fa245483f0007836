package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/db"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/event"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/logcontext"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/money"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/payload"
)

// ErrLedger marks a failed ledger transaction. The marker is rolled back with it,
// so the provider may redeliver the event.
var ErrLedger = errors.New("ledger mutation failed")

var errDuplicate = errors.New("session already reconciled")

type Outcome string

const (
	OutcomeProcessed       Outcome = "processed"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeIgnored         Outcome = "ignored"
	OutcomeNotPaid         Outcome = "not_paid"
	OutcomeNoSession       Outcome = "no_session"
	OutcomeFailureRecorded Outcome = "failure_recorded"
	OutcomeRejected        Outcome = "rejected"
	OutcomeFailed          Outcome = "failed"
)

type EffectResult struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

type Result struct {
	Outcome     Outcome        `json:"outcome"`
	EventID     string         `json:"eventId,omitempty"`
	SessionID   string         `json:"sessionId,omitempty"`
	Environment string         `json:"environment,omitempty"`
	FeeType     string         `json:"feeType,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	Effects     []EffectResult `json:"effects,omitempty"`
}

// rejection is a permanent, non-retryable refusal to reconcile.
type rejection struct {
	reason string
}

func (r *rejection) Error() string { return r.reason }

func reject(format string, args ...any) error {
	return &rejection{reason: fmt.Sprintf(format, args...)}
}

var (
	reconcileDurationHistogram = metrics.GetOrCreateHistogram(`reconciler_duration_milliseconds`)
	paidByProviderQueryCounter = metrics.GetOrCreateCounter(`reconciler_payment_checks_total{result="confirmed_by_query"}`)
	notPaidByQueryCounter      = metrics.GetOrCreateCounter(`reconciler_payment_checks_total{result="not_confirmed"}`)
	providerErrorCounter       = metrics.GetOrCreateCounter(`reconciler_provider_errors_total`)
)

func outcomeCounter(o Outcome) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`reconciler_events_total{outcome=%q}`, o))
}

type Options struct {
	ReferralReward      int64
	BaseCurrency        string
	AsyncPaymentMethods []string
	EffectTimeout       time.Duration
}

type Reconciler struct {
	verifier Verifier
	store    Store
	provider Provider
	notifier Notifier
	alerter  Alerter
	opts     Options
	logger   *slog.Logger
	now      func() time.Time
}

func New(verifier Verifier, store Store, provider Provider, notifier Notifier, alerter Alerter, opts Options, logger *slog.Logger) *Reconciler {
	if opts.EffectTimeout <= 0 {
		opts.EffectTimeout = 30 * time.Second
	}
	opts.BaseCurrency = money.Normalize(opts.BaseCurrency)
	methods := make([]string, len(opts.AsyncPaymentMethods))
	for i, m := range opts.AsyncPaymentMethods {
		methods[i] = strings.ToLower(m)
	}
	opts.AsyncPaymentMethods = methods

	return &Reconciler{
		verifier: verifier,
		store:    store,
		provider: provider,
		notifier: notifier,
		alerter:  alerter,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}
}

// Handle verifies, classifies and reconciles one provider delivery.
// Signature and payload errors are returned unchanged; ledger failures wrap ErrLedger.
// Every other condition is reported through the Result.
func (r *Reconciler) Handle(ctx context.Context, body []byte, signature string) (Result, error) {
	startTime := time.Now()

	env, err := r.verifier.Verify(body, signature)
	if err != nil {
		r.logger.WarnContext(ctx, "Rejected webhook signature", "error", err)
		return Result{}, err
	}
	ctx = logcontext.AppendCtx(ctx, slog.String("environment", env.Name))

	evt, err := event.Parse(body)
	if err != nil {
		r.logger.WarnContext(ctx, "Rejected webhook payload", "error", err)
		return Result{Environment: env.Name}, err
	}
	ctx = logcontext.AppendCtx(ctx, slog.String("eventId", evt.ID))
	r.logger.InfoContext(ctx, "Received provider event", "type", evt.Type, "kind", evt.Kind.String())

	r.recordDelivery(ctx, env.Name, evt)

	result, err := r.dispatch(ctx, env.Name, evt)
	result.EventID = evt.ID
	result.Environment = env.Name

	r.finishDelivery(ctx, evt.ID, result, err)
	outcomeCounter(result.Outcome).Inc()
	reconcileDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))

	return result, err
}

func (r *Reconciler) dispatch(ctx context.Context, env string, evt *event.PaymentEvent) (Result, error) {
	switch evt.Kind {
	case event.KindCheckoutCompleted, event.KindAsyncPaymentSucceeded:
		return r.reconcile(ctx, env, evt, *evt.Session, nil)
	case event.KindAsyncPaymentFailed:
		return r.recordAsyncFailure(ctx, evt), nil
	case event.KindPaymentIntentSucceeded:
		return r.reconcilePaymentIntent(ctx, env, evt)
	default:
		r.logger.InfoContext(ctx, "Ignoring unsupported event", "type", evt.Type)
		return Result{Outcome: OutcomeIgnored}, nil
	}
}

func (r *Reconciler) reconcilePaymentIntent(ctx context.Context, env string, evt *event.PaymentEvent) (Result, error) {
	pi := evt.PaymentIntent
	session, err := r.provider.FindSessionByPaymentIntent(ctx, env, pi.ID)
	if err != nil {
		providerErrorCounter.Inc()
		r.logger.ErrorContext(ctx, "Session lookup by payment intent failed", "paymentIntentId", pi.ID, "error", err)
		return Result{Outcome: OutcomeNoSession, Reason: "session lookup failed"}, nil
	}
	if session == nil {
		r.logger.WarnContext(ctx, "No checkout session found for payment intent", "paymentIntentId", pi.ID)
		return Result{Outcome: OutcomeNoSession}, nil
	}

	processed, err := r.store.SessionProcessed(ctx, session.ID)
	if err != nil {
		// the unique marker still guards the transaction below
		r.logger.WarnContext(ctx, "Marker pre-check failed", "sessionId", session.ID, "error", err)
	}
	if processed {
		r.logger.InfoContext(ctx, "Session already reconciled", "sessionId", session.ID)
		return Result{Outcome: OutcomeDuplicate, SessionID: session.ID}, nil
	}

	return r.reconcile(ctx, env, evt, *session, pi)
}

// payment is the verified, paid state that a lifecycle applies.
type payment struct {
	eventID      string
	env          string
	session      event.Session
	meta         *Metadata
	charged      money.Amount
	method       string
	providerTxID string
	paidAt       time.Time
	// warnings are committed alongside the ledger update and audited once.
	warnings []string
}

func (p *payment) warn(format string, args ...any) {
	p.warnings = append(p.warnings, fmt.Sprintf(format, args...))
}

func (r *Reconciler) reconcile(ctx context.Context, env string, evt *event.PaymentEvent, session event.Session, pi *event.PaymentIntent) (Result, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("sessionId", session.ID))
	result := Result{SessionID: session.ID}

	if !r.confirmPaid(ctx, env, session, pi) {
		r.logger.InfoContext(ctx, "Payment not completed", "paymentStatus", session.PaymentStatus)
		result.Outcome = OutcomeNotPaid
		return result, nil
	}

	meta, err := ParseMetadata(session.Metadata, r.opts.BaseCurrency)
	if err != nil {
		r.logger.ErrorContext(ctx, "Invalid payment metadata", "error", err)
		r.audit(ctx, evt.ID, &session.ID, nil, "invalid_metadata", map[string]any{"error": err.Error()})
		result.Outcome = OutcomeRejected
		result.Reason = err.Error()
		return result, nil
	}
	result.FeeType = meta.FeeType.String()
	ctx = logcontext.AppendCtx(ctx, slog.String("feeType", meta.FeeType.String()))
	if len(meta.Issues) > 0 {
		r.logger.WarnContext(ctx, "Ignoring unusable metadata fields", "issues", meta.Issues, "transferSkipped", meta.TransferSkipped)
	}

	p := &payment{
		eventID: evt.ID,
		env:     env,
		session: session,
		meta:    meta,
		charged: money.New(session.AmountTotal, session.Currency),
		method:  r.paymentMethod(session, meta),
		paidAt:  r.now().UTC(),

		warnings: slices.Clone(meta.Issues),
	}
	if pi != nil {
		p.providerTxID = pi.ID
	} else {
		p.providerTxID = session.PaymentIntentID
	}

	apply := lifecycles[meta.FeeType]
	var effects []effect

	err = r.store.InTx(ctx, func(l db.Ledger) error {
		claimed, err := l.ClaimSession(ctx, db.ReconciliationMarker{
			SessionID:  session.ID,
			ActionType: markerAction(pi != nil),
			EventID:    evt.ID,
			UserID:     &meta.UserID,
			FeeType:    meta.FeeType.String(),
		})
		if err != nil {
			return err
		}
		if !claimed {
			return errDuplicate
		}

		student, err := l.LockStudent(ctx, meta.UserID)
		if errors.Is(err, db.ErrNotFound) {
			return reject("student %s not found", meta.UserID)
		}
		if err != nil {
			return err
		}

		effects, err = apply(r, ctx, l, p, student)
		if err != nil {
			return err
		}

		return l.InsertLedgerEntry(ctx, r.ledgerEntry(ctx, p))
	})

	var rej *rejection
	switch {
	case errors.Is(err, errDuplicate):
		r.logger.InfoContext(ctx, "Session already reconciled")
		result.Outcome = OutcomeDuplicate
		return result, nil
	case errors.As(err, &rej):
		r.logger.WarnContext(ctx, "Reconciliation rejected", "reason", rej.reason)
		r.audit(ctx, evt.ID, &session.ID, &meta.UserID, "reconciliation_rejected", map[string]any{"reason": rej.reason})
		result.Outcome = OutcomeRejected
		result.Reason = rej.reason
		return result, nil
	case err != nil:
		r.logger.ErrorContext(ctx, "Ledger mutation failed", "error", err)
		r.audit(ctx, evt.ID, &session.ID, &meta.UserID, "ledger_mutation_failed", map[string]any{"error": err.Error()})
		r.alert(ctx, "Ledger mutation failed for "+session.ID,
			fmt.Sprintf("event %s (%s) for user %s failed: %v", evt.ID, meta.FeeType, meta.UserID, err))
		result.Outcome = OutcomeFailed
		return result, fmt.Errorf("%w: %v", ErrLedger, err)
	}

	r.logger.InfoContext(ctx, "Ledger updated", "amount", p.charged.String(), "method", p.method)
	result.Outcome = OutcomeProcessed
	if len(p.warnings) > 0 {
		r.audit(ctx, evt.ID, &session.ID, &meta.UserID, "reconciled_with_warnings", map[string]any{
			"warnings":        p.warnings,
			"transferSkipped": meta.TransferSkipped,
		})
		result.Warnings = p.warnings
	}
	result.Effects = r.runEffects(ctx, p, effects)
	return result, nil
}

// confirmPaid trusts a paid session. For asynchronous methods it falls back to the
// payment intent, which only counts as proof when it succeeded with a positive amount.
func (r *Reconciler) confirmPaid(ctx context.Context, env string, session event.Session, pi *event.PaymentIntent) bool {
	if session.PaymentStatus == "paid" {
		return true
	}
	if !r.isAsync(session) || session.PaymentIntentID == "" {
		return false
	}
	if pi != nil && pi.ID == session.PaymentIntentID && pi.Succeeded() {
		paidByProviderQueryCounter.Inc()
		return true
	}

	current, err := r.provider.PaymentIntent(ctx, env, session.PaymentIntentID)
	if err != nil {
		providerErrorCounter.Inc()
		r.logger.ErrorContext(ctx, "Payment intent query failed", "paymentIntentId", session.PaymentIntentID, "error", err)
		return false
	}
	if !current.Succeeded() {
		notPaidByQueryCounter.Inc()
		r.logger.InfoContext(ctx, "Payment intent not succeeded", "status", current.Status, "amountReceived", current.AmountReceived)
		return false
	}
	paidByProviderQueryCounter.Inc()
	return true
}

func (r *Reconciler) isAsync(session event.Session) bool {
	if session.UsesAnyMethod(r.opts.AsyncPaymentMethods) {
		return true
	}
	method := strings.ToLower(lookup(session.Metadata, "payment_method", "paymentMethod"))
	return method != "" && slices.Contains(r.opts.AsyncPaymentMethods, method)
}

func (r *Reconciler) paymentMethod(session event.Session, meta *Metadata) string {
	if meta.PaymentMethod != "" {
		return meta.PaymentMethod
	}
	if len(session.PaymentMethodTypes) > 0 {
		return strings.ToLower(session.PaymentMethodTypes[0])
	}
	return "card"
}

// ledgerEntry normalizes the charged amount to the base currency when a rate is known.
func (r *Reconciler) ledgerEntry(ctx context.Context, p *payment) db.LedgerEntry {
	entry := db.LedgerEntry{
		SessionID:     p.session.ID,
		UserID:        p.meta.UserID,
		FeeType:       p.meta.FeeType.String(),
		AmountMinor:   p.charged.Minor,
		Currency:      p.charged.Currency,
		BaseCurrency:  r.opts.BaseCurrency,
		PaymentMethod: p.method,
		Environment:   p.env,
	}
	if p.providerTxID != "" {
		entry.ProviderTransactionID = &p.providerTxID
	}

	if base, rate, ok := r.toBase(p); ok {
		entry.BaseAmountMinor = &base.Minor
		if rate != "" {
			entry.ExchangeRate = &rate
		}
	} else {
		r.logger.WarnContext(ctx, "No exchange rate for non-base currency, base amount left empty", "currency", p.charged.Currency)
	}
	return entry
}

func (r *Reconciler) toBase(p *payment) (money.Amount, string, bool) {
	if p.charged.Currency == r.opts.BaseCurrency {
		return p.charged, "", true
	}
	if p.meta.ExchangeRate == nil {
		return money.Amount{}, "", false
	}
	base, err := p.charged.ToBase(*p.meta.ExchangeRate, r.opts.BaseCurrency)
	if err != nil {
		return money.Amount{}, "", false
	}
	return base, p.meta.ExchangeRate.String(), true
}

func (r *Reconciler) recordAsyncFailure(ctx context.Context, evt *event.PaymentEvent) Result {
	session := evt.Session
	ctx = logcontext.AppendCtx(ctx, slog.String("sessionId", session.ID))
	r.logger.WarnContext(ctx, "Asynchronous payment failed", "paymentMethods", session.PaymentMethodTypes)

	var userID *uuid.UUID
	if id, err := uuid.Parse(lookup(session.Metadata, "user_id", "userId", "student_id", "studentId")); err == nil {
		userID = &id
	}

	r.audit(ctx, evt.ID, &session.ID, userID, "async_payment_failed", map[string]any{
		"amountTotal":    session.AmountTotal,
		"currency":       session.Currency,
		"paymentMethods": session.PaymentMethodTypes,
		"feeType":        lookup(session.Metadata, "fee_type", "feeType", "payment_type", "paymentType"),
	})

	if userID != nil {
		err := r.notifier.Notify(ctx, payload.Notification{
			ID:          uuid.New(),
			Event:       payload.EventPaymentFailed,
			Role:        payload.RoleStudent,
			UserID:      userID.String(),
			FeeType:     lookup(session.Metadata, "fee_type", "feeType", "payment_type", "paymentType"),
			AmountMinor: session.AmountTotal,
			Currency:    session.Currency,
			SessionID:   session.ID,
			OccurredAt:  r.now().UTC(),
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "Failed to enqueue payment failure notification", "error", err)
		}
	}

	return Result{Outcome: OutcomeFailureRecorded, SessionID: session.ID}
}

func (r *Reconciler) recordDelivery(ctx context.Context, env string, evt *event.PaymentEvent) {
	e := db.WebhookEvent{EventID: evt.ID, EventType: evt.Type, Environment: env, Status: db.DeliveryReceived}
	if evt.Session != nil {
		e.SessionID = &evt.Session.ID
	}
	count, err := r.store.RecordDelivery(ctx, e)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to record webhook delivery", "error", err)
		return
	}
	if count > 1 {
		r.logger.InfoContext(ctx, "Event redelivered", "deliveries", count)
	}
}

func (r *Reconciler) finishDelivery(ctx context.Context, eventID string, result Result, handleErr error) {
	var status string
	switch result.Outcome {
	case OutcomeProcessed, OutcomeDuplicate:
		status = db.DeliveryProcessed
	case OutcomeFailed, OutcomeRejected, OutcomeFailureRecorded:
		status = db.DeliveryFailed
	default:
		status = db.DeliveryIgnored
	}

	var msg *string
	if handleErr != nil {
		s := handleErr.Error()
		msg = &s
	} else if result.Reason != "" {
		msg = &result.Reason
	}

	if err := r.store.FinishDelivery(ctx, eventID, status, msg); err != nil {
		r.logger.ErrorContext(ctx, "Failed to update webhook delivery", "error", err)
	}
}

func (r *Reconciler) audit(ctx context.Context, eventID string, sessionID *string, userID *uuid.UUID, action string, detail map[string]any) {
	err := r.store.Audit(ctx, db.AuditEntry{
		SessionID: sessionID,
		EventID:   eventID,
		UserID:    userID,
		Action:    action,
		Detail:    detail,
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to write audit entry", "action", action, "error", err)
	}
}

func (r *Reconciler) alert(ctx context.Context, subject, body string) {
	if err := r.alerter.Alert(ctx, subject, body); err != nil {
		r.logger.ErrorContext(ctx, "Failed to send ops alert", "error", err)
	}
}
