package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/db"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/gateway"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/payload"
)

// effect is a post-commit action. Effects run concurrently and never fail the event.
type effect struct {
	name string
	run  func(ctx context.Context) error
}

func effectCounter(name, result string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`reconciler_side_effects_total{effect=%q,result=%q}`, name, result))
}

func (r *Reconciler) runEffects(ctx context.Context, p *payment, effects []effect) []EffectResult {
	if len(effects) == 0 {
		return nil
	}

	// effects outlive the provider's request
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.EffectTimeout)
	defer cancel()

	results := make([]EffectResult, len(effects))
	var wg sync.WaitGroup
	for i, e := range effects {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = EffectResult{Name: e.name}
			if err := r.runEffect(ctx, e); err != nil {
				results[i].Error = err.Error()
				r.audit(ctx, p.eventID, &p.session.ID, &p.meta.UserID, "side_effect_failed",
					map[string]any{"effect": e.name, "error": err.Error()})
			}
		}()
	}
	wg.Wait()

	return results
}

func (r *Reconciler) runEffect(ctx context.Context, e effect) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in %s: %v", e.name, rec)
		}
		if err != nil {
			r.logger.ErrorContext(ctx, "Side effect failed", "effect", e.name, "error", err)
			effectCounter(e.name, "failed").Inc()
			return
		}
		r.logger.InfoContext(ctx, "Side effect completed", "effect", e.name)
		effectCounter(e.name, "ok").Inc()
	}()

	return e.run(ctx)
}

func (r *Reconciler) notifyEffect(name string, n payload.Notification) effect {
	return effect{name: name, run: func(ctx context.Context) error {
		n.ID = uuid.New()
		n.OccurredAt = r.now().UTC()
		return r.notifier.Notify(ctx, n)
	}}
}

func (r *Reconciler) feePaidNotifications(p *payment, student *db.StudentProfile, app *db.Application) []effect {
	base := payload.Notification{
		Event:         payload.EventFeePaid,
		UserID:        student.UserID.String(),
		StudentName:   student.FullName,
		StudentEmail:  student.Email,
		FeeType:       p.meta.FeeType.String(),
		AmountMinor:   p.charged.Minor,
		Currency:      p.charged.Currency,
		PaymentMethod: p.method,
		SessionID:     p.session.ID,
	}
	if app != nil {
		base.ApplicationID = app.ID.String()
	}

	toStudent, toAdmin := base, base
	toStudent.Role = payload.RoleStudent
	toAdmin.Role = payload.RoleAdmin
	effects := []effect{r.notifyEffect("notify_student", toStudent), r.notifyEffect("notify_admin", toAdmin)}

	if universityID := r.universityOf(p, app); universityID != nil {
		toUniversity := base
		toUniversity.Role = payload.RoleUniversity
		toUniversity.UniversityID = universityID.String()
		effects = append(effects, r.notifyEffect("notify_university", toUniversity))
	}
	return effects
}

func (r *Reconciler) universityOf(p *payment, app *db.Application) *uuid.UUID {
	if p.meta.UniversityID != nil {
		return p.meta.UniversityID
	}
	if app != nil {
		return app.UniversityID
	}
	return nil
}

func (r *Reconciler) migrateDocumentsEffect(studentID, applicationID uuid.UUID) effect {
	return effect{name: "migrate_documents", run: func(ctx context.Context) error {
		migrated, err := r.store.MigrateDocuments(ctx, studentID, applicationID)
		if err == nil && migrated {
			r.logger.InfoContext(ctx, "Profile documents copied to application", "applicationId", applicationID)
		}
		return err
	}}
}

func (r *Reconciler) clearCartEffect(userID uuid.UUID) effect {
	return effect{name: "clear_cart", run: func(ctx context.Context) error {
		_, err := r.store.ClearCart(ctx, userID)
		return err
	}}
}

// transferFor builds the payout to the university's connected account, if the payment asks for one.
func (r *Reconciler) transferFor(p *payment, student *db.StudentProfile, app *db.Application) (gateway.TransferRequest, bool) {
	if !p.meta.RequiresTransfer || p.meta.DestinationAccountID == "" {
		return gateway.TransferRequest{}, false
	}
	amount := p.meta.TransferAmountMinor
	if amount <= 0 {
		amount = p.charged.Minor
	}
	if amount <= 0 {
		return gateway.TransferRequest{}, false
	}

	req := gateway.TransferRequest{
		AmountMinor:          amount,
		Currency:             p.charged.Currency,
		DestinationAccountID: p.meta.DestinationAccountID,
		SessionID:            p.session.ID,
		ApplicationID:        app.ID.String(),
		StudentUserID:        student.UserID.String(),
	}
	if universityID := r.universityOf(p, app); universityID != nil {
		req.UniversityID = universityID.String()
	}
	return req, true
}

func (r *Reconciler) transferEffect(p *payment, req gateway.TransferRequest) effect {
	return effect{name: "transfer", run: func(ctx context.Context) error {
		if balance, err := r.provider.Balance(ctx, p.env); err != nil {
			r.logger.WarnContext(ctx, "Balance lookup failed", "error", err)
		} else {
			r.logger.InfoContext(ctx, "Platform balance before transfer",
				"available", balance.Available[req.Currency], "pending", balance.Pending[req.Currency], "currency", req.Currency)
		}

		record := db.TransferRecord{
			ID:                   uuid.New(),
			SessionID:            req.SessionID,
			StudentUserID:        p.meta.UserID,
			DestinationAccountID: req.DestinationAccountID,
			AmountMinor:          req.AmountMinor,
			Currency:             req.Currency,
			Environment:          p.env,
		}
		if id, err := uuid.Parse(req.ApplicationID); err == nil {
			record.ApplicationID = &id
		}
		if id, err := uuid.Parse(req.UniversityID); err == nil {
			record.UniversityID = &id
		}

		notice := payload.Notification{
			Event:         payload.EventTransferSucceeded,
			Role:          payload.RoleAdmin,
			UserID:        req.StudentUserID,
			FeeType:       p.meta.FeeType.String(),
			AmountMinor:   req.AmountMinor,
			Currency:      req.Currency,
			SessionID:     req.SessionID,
			ApplicationID: req.ApplicationID,
			UniversityID:  req.UniversityID,
		}

		transferID, transferErr := r.provider.CreateTransfer(ctx, p.env, req)
		if transferErr != nil {
			notice.Event = payload.EventTransferFailed
			msg := transferErr.Error()
			record.Status = db.TransferFailed
			record.Error = &msg
			r.alert(ctx, "Transfer failed for "+req.SessionID,
				fmt.Sprintf("transfer of %d %s to %s failed: %v", req.AmountMinor, req.Currency, req.DestinationAccountID, transferErr))
		} else {
			record.Status = db.TransferSucceeded
			record.ProviderTransferID = &transferID
			r.logger.InfoContext(ctx, "Transfer created", "transferId", transferID, "destination", req.DestinationAccountID)
		}

		recordErr := r.store.RecordTransfer(ctx, record)
		notice.ID = uuid.New()
		notice.OccurredAt = r.now().UTC()
		if err := r.notifier.Notify(ctx, notice); err != nil {
			r.logger.ErrorContext(ctx, "Failed to enqueue transfer notification", "error", err)
		}
		return errors.Join(transferErr, recordErr)
	}}
}

// commissionEffect records the referrer's commission on the pre-markup amount when known.
func (r *Reconciler) commissionEffect(p *payment, student *db.StudentProfile, referrerID uuid.UUID) effect {
	return effect{name: "referral_commission", run: func(ctx context.Context) error {
		amount := p.charged
		if p.meta.BaseAmount != nil {
			amount = *p.meta.BaseAmount
		} else if base, _, ok := r.toBase(p); ok {
			amount = base
		}

		return r.store.UpsertCommission(ctx, db.ReferralCommission{
			ReferrerID:         referrerID,
			ReferredID:         student.UserID,
			AffiliateCode:      *student.ReferredByCode,
			PaymentAmountMinor: amount.Minor,
			Currency:           amount.Currency,
			Status:             "pending",
			PaymentSessionID:   p.session.ID,
		})
	}}
}
