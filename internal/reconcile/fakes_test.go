package reconcile

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/db"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/event"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/gateway"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/payload"
)

// memState is the transactional part of memStore. InTx restores it on error.
type memState struct {
	markers      map[string]db.ReconciliationMarker
	students     map[uuid.UUID]db.StudentProfile
	applications map[uuid.UUID]db.Application
	codes        map[string]uuid.UUID
	rewards      map[uuid.UUID]db.RewardCredit
	ledger       map[string]db.LedgerEntry
	methods      map[string]string
}

func (s memState) clone() memState {
	return memState{
		markers:      maps.Clone(s.markers),
		students:     maps.Clone(s.students),
		applications: maps.Clone(s.applications),
		codes:        maps.Clone(s.codes),
		rewards:      maps.Clone(s.rewards),
		ledger:       maps.Clone(s.ledger),
		methods:      maps.Clone(s.methods),
	}
}

type memStore struct {
	mu sync.Mutex
	memState

	ledgerErr error

	deliveries  map[string]*db.WebhookEvent
	audits      []db.AuditEntry
	transfers   []db.TransferRecord
	commissions map[uuid.UUID]db.ReferralCommission
	migrated    map[uuid.UUID]uuid.UUID
	cleared     map[uuid.UUID]bool
}

func newMemStore() *memStore {
	return &memStore{
		memState: memState{
			markers:      map[string]db.ReconciliationMarker{},
			students:     map[uuid.UUID]db.StudentProfile{},
			applications: map[uuid.UUID]db.Application{},
			codes:        map[string]uuid.UUID{},
			rewards:      map[uuid.UUID]db.RewardCredit{},
			ledger:       map[string]db.LedgerEntry{},
			methods:      map[string]string{},
		},
		deliveries:  map[string]*db.WebhookEvent{},
		commissions: map[uuid.UUID]db.ReferralCommission{},
		migrated:    map[uuid.UUID]uuid.UUID{},
		cleared:     map[uuid.UUID]bool{},
	}
}

func (s *memStore) InTx(ctx context.Context, fn func(db.Ledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.memState.clone()
	if err := fn(&memLedger{s: s}); err != nil {
		s.memState = snapshot
		return err
	}
	return nil
}

func (s *memStore) SessionProcessed(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.markers[sessionID]
	return ok, nil
}

func (s *memStore) RecordDelivery(ctx context.Context, e db.WebhookEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.deliveries[e.EventID]; ok {
		existing.DeliveryCount++
		existing.Status = e.Status
		return existing.DeliveryCount, nil
	}
	e.DeliveryCount = 1
	s.deliveries[e.EventID] = &e
	return 1, nil
}

func (s *memStore) FinishDelivery(ctx context.Context, eventID, status string, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.deliveries[eventID]
	if !ok {
		return db.ErrNotFound
	}
	e.Status = status
	e.Error = errMsg
	return nil
}

func (s *memStore) Audit(ctx context.Context, entry db.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, entry)
	return nil
}

func (s *memStore) MigrateDocuments(ctx context.Context, studentID, applicationID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.migrated[applicationID] = studentID
	return true, nil
}

func (s *memStore) ClearCart(ctx context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared[userID] = true
	return 1, nil
}

func (s *memStore) RecordTransfer(ctx context.Context, t db.TransferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers = append(s.transfers, t)
	return nil
}

func (s *memStore) UpsertCommission(ctx context.Context, c db.ReferralCommission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commissions[c.ReferredID] = c
	return nil
}

func (s *memStore) auditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var actions []string
	for _, a := range s.audits {
		actions = append(actions, a.Action)
	}
	return actions
}

func (s *memStore) auditDetail(action string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.audits {
		if a.Action == action {
			return a.Detail
		}
	}
	return nil
}

func (s *memStore) student(id uuid.UUID) db.StudentProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.students[id]
}

func (s *memStore) application(id uuid.UUID) db.Application {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applications[id]
}

// memLedger runs under memStore.mu, held by InTx.
type memLedger struct {
	s *memStore
}

func (l *memLedger) ClaimSession(ctx context.Context, m db.ReconciliationMarker) (bool, error) {
	if _, ok := l.s.markers[m.SessionID]; ok {
		return false, nil
	}
	m.CreatedAt = time.Now()
	l.s.markers[m.SessionID] = m
	return true, nil
}

func (l *memLedger) LockStudent(ctx context.Context, userID uuid.UUID) (*db.StudentProfile, error) {
	p, ok := l.s.students[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &p, nil
}

func (l *memLedger) MarkProfileFeePaid(ctx context.Context, userID uuid.UUID, fee db.Fee, method string, at time.Time) error {
	p, ok := l.s.students[userID]
	if !ok {
		return db.ErrNotFound
	}
	switch fee {
	case db.FeeSelectionProcess:
		p.SelectionProcessFeePaid = true
	case db.FeeApplication:
		p.ApplicationFeePaid = true
	case db.FeeScholarship:
		p.ScholarshipFeePaid = true
	case db.FeeI20Control:
		p.I20ControlFeePaid = true
	}
	l.s.students[userID] = p
	l.s.methods[fmt.Sprintf("%s/%s", userID, fee)] = method
	return nil
}

func (l *memLedger) LockApplication(ctx context.Context, id uuid.UUID) (*db.Application, error) {
	a, ok := l.s.applications[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &a, nil
}

func (l *memLedger) LatestApplicationWithScholarshipFee(ctx context.Context, studentID uuid.UUID) (*db.Application, error) {
	var latest *db.Application
	for _, a := range l.s.applications {
		if a.StudentID != studentID || !a.ScholarshipFeePaid {
			continue
		}
		if latest == nil || a.UpdatedAt.After(latest.UpdatedAt) {
			latest = &a
		}
	}
	if latest == nil {
		return nil, db.ErrNotFound
	}
	return latest, nil
}

func (l *memLedger) MarkApplicationFeePaid(ctx context.Context, id uuid.UUID, fee db.Fee, method string, at time.Time, status string) error {
	a, ok := l.s.applications[id]
	if !ok {
		return db.ErrNotFound
	}
	switch fee {
	case db.FeeApplication:
		a.ApplicationFeePaid = true
	case db.FeeScholarship:
		a.ScholarshipFeePaid = true
	case db.FeeI20Control:
		a.I20ControlFeePaid = true
	default:
		return fmt.Errorf("fee %s has no application columns", fee)
	}
	if status != "" {
		a.Status = status
	}
	a.UpdatedAt = at
	l.s.applications[id] = a
	return nil
}

func (l *memLedger) MarkScholarshipFeePaid(ctx context.Context, studentID uuid.UUID, scholarshipIDs []uuid.UUID, method string, at time.Time) (int64, error) {
	var n int64
	for id, a := range l.s.applications {
		if a.StudentID != studentID || !slices.Contains(scholarshipIDs, a.ScholarshipID) {
			continue
		}
		a.ScholarshipFeePaid = true
		a.UpdatedAt = at
		l.s.applications[id] = a
		n++
	}
	return n, nil
}

func (l *memLedger) FindReferrer(ctx context.Context, code string) (uuid.UUID, error) {
	id, ok := l.s.codes[code]
	if !ok {
		return uuid.Nil, db.ErrNotFound
	}
	return id, nil
}

func (l *memLedger) CreditReward(ctx context.Context, c db.RewardCredit) (bool, error) {
	referrer, ok := l.s.students[c.ReferrerID]
	if !ok {
		return false, db.ErrNotFound
	}
	if _, ok := l.s.rewards[c.ReferredID]; ok {
		return false, nil
	}
	l.s.rewards[c.ReferredID] = c
	referrer.RewardBalance += c.Amount
	l.s.students[c.ReferrerID] = referrer
	return true, nil
}

func (l *memLedger) InsertLedgerEntry(ctx context.Context, e db.LedgerEntry) error {
	if l.s.ledgerErr != nil {
		return l.s.ledgerErr
	}
	if _, ok := l.s.ledger[e.SessionID]; ok {
		return errors.New("duplicate ledger entry")
	}
	l.s.ledger[e.SessionID] = e
	return nil
}

type fakeProvider struct {
	mu            sync.Mutex
	sessions      map[string]*event.Session
	intents       map[string]*event.PaymentIntent
	lookupErr     error
	transferErr   error
	transfers     []gateway.TransferRequest
	intentQueries int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{sessions: map[string]*event.Session{}, intents: map[string]*event.PaymentIntent{}}
}

func (f *fakeProvider) FindSessionByPaymentIntent(ctx context.Context, env, paymentIntentID string) (*event.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.sessions[paymentIntentID], nil
}

func (f *fakeProvider) PaymentIntent(ctx context.Context, env, id string) (*event.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intentQueries++
	pi, ok := f.intents[id]
	if !ok {
		return nil, errors.New("no such payment intent")
	}
	return pi, nil
}

func (f *fakeProvider) CreateTransfer(ctx context.Context, env string, req gateway.TransferRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, req)
	if f.transferErr != nil {
		return "", f.transferErr
	}
	return fmt.Sprintf("tr_%d", len(f.transfers)), nil
}

func (f *fakeProvider) Balance(ctx context.Context, env string) (*gateway.Balance, error) {
	return &gateway.Balance{Available: map[string]int64{"USD": 1_000_000}, Pending: map[string]int64{}}, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []payload.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, n payload.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return nil
}

func (f *fakeNotifier) roles(eventName string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var roles []string
	for _, n := range f.sent {
		if n.Event == eventName {
			roles = append(roles, n.Role)
		}
	}
	slices.Sort(roles)
	return roles
}

type fakeAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakeAlerter) Alert(ctx context.Context, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return nil
}
