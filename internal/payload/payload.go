package payload

import (
	"time"

	"github.com/google/uuid"
)

// Notification events.
const (
	EventFeePaid           = "fee_paid"
	EventPaymentFailed     = "payment_failed"
	EventReferralReward    = "referral_reward_credited"
	EventTransferFailed    = "transfer_failed"
	EventTransferSucceeded = "transfer_succeeded"
)

// Recipient roles.
const (
	RoleStudent    = "student"
	RoleAdmin      = "admin"
	RoleUniversity = "university"
	RoleReferrer   = "referrer"
)

// Notification is the flat field set posted to the messaging endpoint.
type Notification struct {
	ID            uuid.UUID `json:"id"`
	Event         string    `json:"event"`
	Role          string    `json:"role"`
	UserID        string    `json:"userId,omitempty"`
	StudentName   string    `json:"studentName,omitempty"`
	StudentEmail  string    `json:"studentEmail,omitempty"`
	FeeType       string    `json:"feeType,omitempty"`
	AmountMinor   int64     `json:"amountMinor,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	PaymentMethod string    `json:"paymentMethod,omitempty"`
	SessionID     string    `json:"sessionId"`
	ApplicationID string    `json:"applicationId,omitempty"`
	UniversityID  string    `json:"universityId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}
