package reconcile

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/db"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/payload"
)

// lifecycle applies one fee's ledger transition inside the reconciliation
// transaction and returns the effects to run once it commits.
type lifecycle func(r *Reconciler, ctx context.Context, l db.Ledger, p *payment, student *db.StudentProfile) ([]effect, error)

var lifecycles = map[FeeType]lifecycle{
	FeeSelectionProcess: (*Reconciler).applySelectionProcess,
	FeeApplication:      (*Reconciler).applyApplicationFee,
	FeeScholarship:      (*Reconciler).applyScholarshipFee,
	FeeI20Control:       (*Reconciler).applyI20ControlFee,
}

// Applications in these statuses keep their status when a fee is paid.
var settledStatuses = map[string]bool{
	db.StatusApproved: true,
	db.StatusEnrolled: true,
}

func (r *Reconciler) applySelectionProcess(ctx context.Context, l db.Ledger, p *payment, student *db.StudentProfile) ([]effect, error) {
	wasPaid := student.FeePaid(db.FeeSelectionProcess)
	if err := l.MarkProfileFeePaid(ctx, student.UserID, db.FeeSelectionProcess, p.method, p.paidAt); err != nil {
		return nil, err
	}

	effects := r.feePaidNotifications(p, student, nil)
	if wasPaid || student.ReferredByCode == nil || *student.ReferredByCode == "" {
		return effects, nil
	}

	referrerID, err := l.FindReferrer(ctx, *student.ReferredByCode)
	if errors.Is(err, db.ErrNotFound) {
		r.logger.WarnContext(ctx, "Referral code has no owner", "code", *student.ReferredByCode)
		return effects, nil
	}
	if err != nil {
		return nil, err
	}
	if referrerID == student.UserID {
		return effects, nil
	}

	credited, err := l.CreditReward(ctx, db.RewardCredit{
		ReferrerID: referrerID,
		ReferredID: student.UserID,
		Amount:     r.opts.ReferralReward,
		SessionID:  p.session.ID,
	})
	if errors.Is(err, db.ErrNotFound) {
		r.logger.WarnContext(ctx, "Referrer has no profile, reward not credited", "referrerId", referrerID)
		p.warn("referrer %s has no profile, reward not credited", referrerID)
		return effects, nil
	}
	if err != nil {
		return nil, err
	}
	if credited {
		r.logger.InfoContext(ctx, "Referral reward credited", "referrerId", referrerID, "amount", r.opts.ReferralReward)
		effects = append(effects, r.notifyEffect("notify_referrer", payload.Notification{
			Event:       payload.EventReferralReward,
			Role:        payload.RoleReferrer,
			UserID:      referrerID.String(),
			StudentName: student.FullName,
			FeeType:     p.meta.FeeType.String(),
			AmountMinor: r.opts.ReferralReward,
			SessionID:   p.session.ID,
		}))
	}
	return effects, nil
}

func (r *Reconciler) applyApplicationFee(ctx context.Context, l db.Ledger, p *payment, student *db.StudentProfile) ([]effect, error) {
	if err := l.MarkProfileFeePaid(ctx, student.UserID, db.FeeApplication, p.method, p.paidAt); err != nil {
		return nil, err
	}

	// Without a usable application only the profile moves.
	if p.meta.ApplicationID == nil {
		r.logger.WarnContext(ctx, "Application fee without application id, profile updated only")
		p.warn("application fee without application id, application not updated")
		return r.feePaidNotifications(p, student, nil), nil
	}
	app, err := r.ownedApplication(ctx, l, *p.meta.ApplicationID, student.UserID)
	var rej *rejection
	if errors.As(err, &rej) {
		r.logger.WarnContext(ctx, "Application not updated, profile updated only", "reason", rej.reason)
		p.warn("%s, application not updated", rej.reason)
		return r.feePaidNotifications(p, student, nil), nil
	}
	if err != nil {
		return nil, err
	}

	status := db.StatusUnderReview
	if settledStatuses[app.Status] {
		status = ""
	}
	if err := l.MarkApplicationFeePaid(ctx, app.ID, db.FeeApplication, p.method, p.paidAt, status); err != nil {
		return nil, err
	}

	effects := []effect{
		r.migrateDocumentsEffect(student.UserID, app.ID),
		r.clearCartEffect(student.UserID),
	}
	if t, ok := r.transferFor(p, student, app); ok {
		effects = append(effects, r.transferEffect(p, t))
	}
	return append(effects, r.feePaidNotifications(p, student, app)...), nil
}

func (r *Reconciler) applyScholarshipFee(ctx context.Context, l db.Ledger, p *payment, student *db.StudentProfile) ([]effect, error) {
	if err := l.MarkProfileFeePaid(ctx, student.UserID, db.FeeScholarship, p.method, p.paidAt); err != nil {
		return nil, err
	}

	var app *db.Application
	switch {
	case len(p.meta.ScholarshipIDs) > 0:
		updated, err := l.MarkScholarshipFeePaid(ctx, student.UserID, p.meta.ScholarshipIDs, p.method, p.paidAt)
		if err != nil {
			return nil, err
		}
		if updated == 0 {
			r.logger.WarnContext(ctx, "No applications matched the paid scholarships", "scholarships", len(p.meta.ScholarshipIDs))
		}
	case p.meta.ApplicationID != nil:
		var err error
		app, err = r.ownedApplication(ctx, l, *p.meta.ApplicationID, student.UserID)
		if err != nil {
			return nil, err
		}
		if err := l.MarkApplicationFeePaid(ctx, app.ID, db.FeeScholarship, p.method, p.paidAt, ""); err != nil {
			return nil, err
		}
	default:
		r.logger.WarnContext(ctx, "Scholarship fee without scholarship or application scope")
	}

	effects := r.feePaidNotifications(p, student, app)
	if student.ReferredByCode == nil || *student.ReferredByCode == "" {
		return effects, nil
	}

	referrerID, err := l.FindReferrer(ctx, *student.ReferredByCode)
	if errors.Is(err, db.ErrNotFound) {
		r.logger.WarnContext(ctx, "Referral code has no owner", "code", *student.ReferredByCode)
		return effects, nil
	}
	if err != nil {
		return nil, err
	}
	if referrerID == student.UserID {
		return effects, nil
	}
	return append(effects, r.commissionEffect(p, student, referrerID)), nil
}

func (r *Reconciler) applyI20ControlFee(ctx context.Context, l db.Ledger, p *payment, student *db.StudentProfile) ([]effect, error) {
	if err := l.MarkProfileFeePaid(ctx, student.UserID, db.FeeI20Control, p.method, p.paidAt); err != nil {
		return nil, err
	}

	var (
		app *db.Application
		err error
	)
	if p.meta.ApplicationID != nil {
		app, err = r.ownedApplication(ctx, l, *p.meta.ApplicationID, student.UserID)
	} else {
		app, err = l.LatestApplicationWithScholarshipFee(ctx, student.UserID)
		if errors.Is(err, db.ErrNotFound) {
			r.logger.WarnContext(ctx, "No application with a paid scholarship fee, profile updated only")
			return r.feePaidNotifications(p, student, nil), nil
		}
	}
	if err != nil {
		return nil, err
	}

	if err := l.MarkApplicationFeePaid(ctx, app.ID, db.FeeI20Control, p.method, p.paidAt, ""); err != nil {
		return nil, err
	}
	return r.feePaidNotifications(p, student, app), nil
}

func (r *Reconciler) ownedApplication(ctx context.Context, l db.Ledger, id, studentID uuid.UUID) (*db.Application, error) {
	app, err := l.LockApplication(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, reject("application %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if app.StudentID != studentID {
		return nil, reject("application %s does not belong to student %s", id, studentID)
	}
	return app, nil
}
