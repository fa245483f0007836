package db

import (
	"time"

	"github.com/google/uuid"
)

// Fee names a fee-paid column group on the student ledger tables.
type Fee string

const (
	FeeSelectionProcess Fee = "selection_process_fee"
	FeeApplication      Fee = "application_fee"
	FeeScholarship      Fee = "scholarship_fee"
	FeeI20Control       Fee = "i20_control_fee"
)

// Marker action types.
const (
	ActionCheckoutSessionProcessed = "checkout_session_processed"
	ActionFeePayment               = "fee_payment"
)

// Application statuses the reconciler reads or writes.
const (
	StatusUnderReview = "under_review"
	StatusApproved    = "approved"
	StatusEnrolled    = "enrolled"
)

// Transfer outcomes.
const (
	TransferSucceeded = "succeeded"
	TransferFailed    = "failed"
)

// Webhook delivery statuses.
const (
	DeliveryReceived  = "received"
	DeliveryProcessed = "processed"
	DeliveryIgnored   = "ignored"
	DeliveryFailed    = "failed"
)

type StudentProfile struct {
	UserID                  uuid.UUID
	FullName                string
	Email                   string
	ReferredByCode          *string
	RewardBalance           int64
	SelectionProcessFeePaid bool
	ApplicationFeePaid      bool
	ScholarshipFeePaid      bool
	I20ControlFeePaid       bool
}

// FeePaid reports the current value of the flag for fee.
func (p *StudentProfile) FeePaid(fee Fee) bool {
	switch fee {
	case FeeSelectionProcess:
		return p.SelectionProcessFeePaid
	case FeeApplication:
		return p.ApplicationFeePaid
	case FeeScholarship:
		return p.ScholarshipFeePaid
	case FeeI20Control:
		return p.I20ControlFeePaid
	}
	return false
}

type Application struct {
	ID                 uuid.UUID
	StudentID          uuid.UUID
	ScholarshipID      uuid.UUID
	UniversityID       *uuid.UUID
	Status             string
	ApplicationFeePaid bool
	ScholarshipFeePaid bool
	I20ControlFeePaid  bool
	UpdatedAt          time.Time
}

type ReconciliationMarker struct {
	SessionID  string
	ActionType string
	EventID    string
	UserID     *uuid.UUID
	FeeType    string
	CreatedAt  time.Time
}

type LedgerEntry struct {
	SessionID             string
	UserID                uuid.UUID
	FeeType               string
	AmountMinor           int64
	Currency              string
	BaseAmountMinor       *int64
	BaseCurrency          string
	ExchangeRate          *string
	PaymentMethod         string
	ProviderTransactionID *string
	Environment           string
	CreatedAt             time.Time
}

type RewardCredit struct {
	ReferrerID uuid.UUID
	ReferredID uuid.UUID
	Amount     int64
	SessionID  string
}

type ReferralCommission struct {
	ReferrerID         uuid.UUID
	ReferredID         uuid.UUID
	AffiliateCode      string
	PaymentAmountMinor int64
	Currency           string
	Status             string
	PaymentSessionID   string
}

type TransferRecord struct {
	ID                   uuid.UUID
	SessionID            string
	ApplicationID        *uuid.UUID
	UniversityID         *uuid.UUID
	StudentUserID        uuid.UUID
	DestinationAccountID string
	AmountMinor          int64
	Currency             string
	Status               string
	ProviderTransferID   *string
	Error                *string
	Environment          string
	CreatedAt            time.Time
}

type WebhookEvent struct {
	EventID       string
	EventType     string
	Environment   string
	SessionID     *string
	Status        string
	DeliveryCount int
	Error         *string
}

type AuditEntry struct {
	ID        uuid.UUID
	SessionID *string
	EventID   string
	UserID    *uuid.UUID
	Action    string
	Detail    map[string]any
	CreatedAt time.Time
}

type NotificationEntity struct {
	ID               uuid.UUID
	SessionID        string
	Url              string
	Payload          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ScheduledAt      *time.Time
	PublishedAt      *time.Time
	DeliveredAt      *time.Time
	PublishAttempts  int
	DeliveryAttempts int
	Error            *string
}
