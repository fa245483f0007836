package reconcile

import (
	"fmt"
	"strings"

	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/db"
)

// FeeType is one of the four payment stages a student goes through.
type FeeType int

const (
	FeeSelectionProcess FeeType = iota + 1
	FeeApplication
	FeeScholarship
	FeeI20Control
)

// FeeTypes lists every fee type in lifecycle order.
var FeeTypes = []FeeType{FeeSelectionProcess, FeeApplication, FeeScholarship, FeeI20Control}

var feeAliases = map[string]FeeType{
	"selection_process":     FeeSelectionProcess,
	"selection_process_fee": FeeSelectionProcess,
	"application_fee":       FeeApplication,
	"application":           FeeApplication,
	"scholarship_fee":       FeeScholarship,
	"scholarship":           FeeScholarship,
	"i20_control_fee":       FeeI20Control,
	"i20_control":           FeeI20Control,
	"i-20_control_fee":      FeeI20Control,
}

func ParseFeeType(s string) (FeeType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if ft, ok := feeAliases[key]; ok {
		return ft, nil
	}
	return 0, fmt.Errorf("unknown fee type %q", s)
}

func (f FeeType) String() string {
	switch f {
	case FeeSelectionProcess:
		return "selection_process"
	case FeeApplication:
		return "application_fee"
	case FeeScholarship:
		return "scholarship_fee"
	case FeeI20Control:
		return "i20_control_fee"
	default:
		return fmt.Sprintf("FeeType(%d)", int(f))
	}
}

// markerAction is the reconciliation marker tag written for a path.
func markerAction(viaPaymentIntent bool) string {
	if viaPaymentIntent {
		return db.ActionFeePayment
	}
	return db.ActionCheckoutSessionProcessed
}
