package webhook

import (
	"errors"
	"strconv"
	"strings"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrSignatureMismatch  = errors.New("no signing secret matches the payload")
)

// Environment is a deployment tier whose secrets may have signed an event.
type Environment struct {
	Name      string
	SecretKey string
	Secrets   []string
}

type Verifier struct {
	environments []Environment
	tolerance    time.Duration
}

// NewVerifier checks signatures against environments in the given order.
// A zero tolerance disables the timestamp age check.
func NewVerifier(environments []Environment, tolerance time.Duration) *Verifier {
	return &Verifier{environments: environments, tolerance: tolerance}
}

// Verify returns the environment whose secret signed payload.
func (v *Verifier) Verify(payload []byte, header string) (Environment, error) {
	if !wellFormed(header) {
		return Environment{}, ErrMalformedSignature
	}

	for _, env := range v.environments {
		for _, secret := range env.Secrets {
			err := v.validate(payload, header, secret)
			if err == nil {
				return env, nil
			}
			if errors.Is(err, stripewebhook.ErrNotSigned) || errors.Is(err, stripewebhook.ErrInvalidHeader) {
				return Environment{}, ErrMalformedSignature
			}
		}
	}

	return Environment{}, ErrSignatureMismatch
}

func (v *Verifier) validate(payload []byte, header, secret string) error {
	if v.tolerance <= 0 {
		return stripewebhook.ValidatePayloadIgnoringTolerance(payload, header, secret)
	}
	return stripewebhook.ValidatePayloadWithTolerance(payload, header, secret, v.tolerance)
}

// wellFormed requires an integer t= part and at least one v1= part.
func wellFormed(header string) bool {
	var hasTimestamp, hasSignature bool
	for _, pair := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return false
		}
		switch key {
		case "t":
			if _, err := strconv.ParseInt(value, 10, 64); err != nil {
				return false
			}
			hasTimestamp = true
		case "v1":
			hasSignature = hasSignature || value != ""
		}
	}
	return hasTimestamp && hasSignature
}
