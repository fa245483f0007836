package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/money"
)

var ErrInvalidMetadata = errors.New("invalid payment metadata")

var validate = validator.New(validator.WithRequiredStructEnabled())

// rawMetadata holds the fields a payment cannot be reconciled without.
// Everything else is parsed leniently by ParseMetadata.
type rawMetadata struct {
	UserID  string `validate:"required"`
	FeeType string `validate:"required"`
}

type Metadata struct {
	UserID               uuid.UUID
	FeeType              FeeType
	ApplicationID        *uuid.UUID
	ScholarshipIDs       []uuid.UUID
	PaymentMethod        string
	ExchangeRate         *decimal.Decimal
	BaseAmount           *money.Amount
	RequiresTransfer     bool
	DestinationAccountID string
	TransferAmountMinor  int64
	UniversityID         *uuid.UUID

	// Issues lists optional fields that were present but unusable and were dropped.
	Issues []string
	// TransferSkipped is set when a malformed transfer field disabled the transfer.
	TransferSkipped bool
}

func (meta *Metadata) issue(format string, args ...any) {
	meta.Issues = append(meta.Issues, fmt.Sprintf(format, args...))
}

func lookup(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}

// splitIDs accepts a JSON array or a comma separated list.
func splitIDs(value string) []string {
	if value == "" {
		return nil
	}
	if strings.HasPrefix(value, "[") {
		var ids []string
		if err := json.Unmarshal([]byte(value), &ids); err == nil {
			return ids
		}
	}
	var ids []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.Trim(strings.TrimSpace(part), `"`); part != "" {
			ids = append(ids, part)
		}
	}
	return ids
}

// ParseMetadata reads session metadata written with either snake_case or camelCase keys.
// Only a missing or malformed user id or fee type is an error. Unusable optional
// fields are dropped and listed in Metadata.Issues. Base amounts are expressed in baseCurrency.
func ParseMetadata(m map[string]string, baseCurrency string) (*Metadata, error) {
	raw := rawMetadata{
		UserID:  lookup(m, "user_id", "userId", "student_id", "studentId"),
		FeeType: lookup(m, "fee_type", "feeType", "payment_type", "paymentType"),
	}
	if err := validate.Struct(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	userID, err := uuid.Parse(raw.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: user id %q: %v", ErrInvalidMetadata, raw.UserID, err)
	}
	feeType, err := ParseFeeType(raw.FeeType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	meta := &Metadata{UserID: userID, FeeType: feeType}
	meta.ApplicationID = meta.optionalUUID("application id", lookup(m, "application_id", "applicationId"))
	meta.UniversityID = meta.optionalUUID("university id", lookup(m, "university_id", "universityId"))
	for _, id := range splitIDs(lookup(m, "scholarships_ids", "scholarshipsIds", "scholarship_ids", "scholarshipIds")) {
		if parsed := meta.optionalUUID("scholarship id", id); parsed != nil {
			meta.ScholarshipIDs = append(meta.ScholarshipIDs, *parsed)
		}
	}

	method := strings.ToLower(lookup(m, "payment_method", "paymentMethod"))
	if err := validate.Var(method, "omitempty,max=64"); err != nil {
		meta.issue("payment method longer than 64 characters")
	} else {
		meta.PaymentMethod = method
	}

	meta.parseAmounts(m, baseCurrency)
	meta.parseTransfer(m)
	return meta, nil
}

// optionalUUID accepts upper and lower case hex, unlike the validator's uuid tag.
func (meta *Metadata) optionalUUID(field, value string) *uuid.UUID {
	if value == "" {
		return nil
	}
	id, err := uuid.Parse(value)
	if err != nil {
		meta.issue("%s %q is not a uuid", field, value)
		return nil
	}
	return &id
}

// parseAmounts leaves the rate or base amount unset when it cannot be read,
// which the ledger records as an empty base amount.
func (meta *Metadata) parseAmounts(m map[string]string, baseCurrency string) {
	if value := lookup(m, "exchange_rate", "exchangeRate"); value != "" {
		rate, err := decimal.NewFromString(value)
		if err != nil || !rate.IsPositive() {
			meta.issue("exchange rate %q is not a positive number", value)
		} else {
			meta.ExchangeRate = &rate
		}
	}

	if value := lookup(m, "base_amount_minor", "baseAmountMinor"); value != "" {
		minor, err := strconv.ParseInt(value, 10, 64)
		if err != nil || minor < 0 {
			meta.issue("base amount %q is not a whole number of minor units", value)
			return
		}
		amount := money.New(minor, baseCurrency)
		meta.BaseAmount = &amount
		return
	}
	if value := lookup(m, "base_amount", "baseAmount"); value != "" {
		amount, err := money.FromMajor(value, baseCurrency)
		if err != nil {
			meta.issue("base amount %q: %v", value, err)
			return
		}
		meta.BaseAmount = &amount
	}
}

// parseTransfer disables the transfer entirely if any transfer field is malformed.
func (meta *Metadata) parseTransfer(m map[string]string) {
	before := len(meta.Issues)

	if value := lookup(m, "requires_transfer", "requiresTransfer"); value != "" {
		requires, err := strconv.ParseBool(value)
		if err != nil {
			meta.issue("requires transfer %q is not a boolean", value)
		}
		meta.RequiresTransfer = requires
	}
	if value := lookup(m, "stripe_connect_account_id", "destination_account_id", "destinationAccountId"); value != "" {
		if err := validate.Var(value, "startswith=acct_"); err != nil {
			meta.issue("destination account %q is not a connected account", value)
		} else {
			meta.DestinationAccountID = value
		}
	}
	if value := lookup(m, "transfer_amount_minor", "transferAmount", "transfer_amount"); value != "" {
		minor, err := strconv.ParseInt(value, 10, 64)
		if err != nil || minor < 0 {
			meta.issue("transfer amount %q is not a whole number of minor units", value)
		} else {
			meta.TransferAmountMinor = minor
		}
	}

	if len(meta.Issues) > before {
		meta.TransferSkipped = true
		meta.RequiresTransfer = false
		meta.DestinationAccountID = ""
		meta.TransferAmountMinor = 0
	}
}
