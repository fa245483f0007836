package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
)

var ErrMalformedPayload = errors.New("malformed event payload")

// Kind is the handling path of an inbound provider event.
type Kind int

const (
	KindUnsupported Kind = iota
	KindCheckoutCompleted
	KindAsyncPaymentSucceeded
	KindAsyncPaymentFailed
	KindPaymentIntentSucceeded
)

var kinds = map[stripe.EventType]Kind{
	"checkout.session.completed":                KindCheckoutCompleted,
	"checkout.session.async_payment_succeeded": KindAsyncPaymentSucceeded,
	"checkout.session.async_payment_failed":    KindAsyncPaymentFailed,
	"payment_intent.succeeded":                  KindPaymentIntentSucceeded,
}

func Classify(eventType string) Kind {
	return kinds[stripe.EventType(eventType)]
}

func (k Kind) String() string {
	switch k {
	case KindCheckoutCompleted:
		return "checkout_completed"
	case KindAsyncPaymentSucceeded:
		return "async_payment_succeeded"
	case KindAsyncPaymentFailed:
		return "async_payment_failed"
	case KindPaymentIntentSucceeded:
		return "payment_intent_succeeded"
	default:
		return "unsupported"
	}
}

// IsCheckout reports whether the event carries a checkout session object.
func (k Kind) IsCheckout() bool {
	return k == KindCheckoutCompleted || k == KindAsyncPaymentSucceeded || k == KindAsyncPaymentFailed
}

type Session struct {
	ID                 string
	PaymentIntentID    string
	AmountTotal        int64
	Currency           string
	PaymentStatus      string
	PaymentMethodTypes []string
	Metadata           map[string]string
}

// UsesAnyMethod reports whether the session was opened for one of methods.
func (s Session) UsesAnyMethod(methods []string) bool {
	for _, m := range s.PaymentMethodTypes {
		if slices.Contains(methods, strings.ToLower(m)) {
			return true
		}
	}
	return false
}

type PaymentIntent struct {
	ID                 string
	Status             string
	Amount             int64
	AmountReceived     int64
	Currency           string
	PaymentMethodTypes []string
	Metadata           map[string]string
}

// Succeeded is the only proof of payment accepted for asynchronous methods.
func (pi PaymentIntent) Succeeded() bool {
	return pi.Status == string(stripe.PaymentIntentStatusSucceeded) && pi.AmountReceived > 0
}

type PaymentEvent struct {
	ID            string
	Type          string
	Kind          Kind
	Created       time.Time
	LiveMode      bool
	Session       *Session
	PaymentIntent *PaymentIntent
}

// Parse decodes a provider event body. Unsupported types are returned without
// their data object decoded.
func Parse(payload []byte) (*PaymentEvent, error) {
	var raw stripe.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if raw.ID == "" || raw.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedPayload)
	}

	e := &PaymentEvent{
		ID:       raw.ID,
		Type:     string(raw.Type),
		Kind:     Classify(string(raw.Type)),
		Created:  time.Unix(raw.Created, 0).UTC(),
		LiveMode: raw.Livemode,
	}
	if e.Kind == KindUnsupported {
		return e, nil
	}
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing data object", ErrMalformedPayload)
	}

	switch {
	case e.Kind.IsCheckout():
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(raw.Data.Raw, &cs); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", ErrMalformedPayload, err)
		}
		if cs.ID == "" {
			return nil, fmt.Errorf("%w: checkout session without id", ErrMalformedPayload)
		}
		s := SessionFromStripe(&cs)
		e.Session = &s
	case e.Kind == KindPaymentIntentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("%w: payment intent: %v", ErrMalformedPayload, err)
		}
		if pi.ID == "" {
			return nil, fmt.Errorf("%w: payment intent without id", ErrMalformedPayload)
		}
		p := PaymentIntentFromStripe(&pi)
		e.PaymentIntent = &p
	}

	return e, nil
}

func SessionFromStripe(cs *stripe.CheckoutSession) Session {
	s := Session{
		ID:                 cs.ID,
		AmountTotal:        cs.AmountTotal,
		Currency:           strings.ToUpper(string(cs.Currency)),
		PaymentStatus:      string(cs.PaymentStatus),
		PaymentMethodTypes: cs.PaymentMethodTypes,
		Metadata:           cs.Metadata,
	}
	if cs.PaymentIntent != nil {
		s.PaymentIntentID = cs.PaymentIntent.ID
	}
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	return s
}

func PaymentIntentFromStripe(pi *stripe.PaymentIntent) PaymentIntent {
	return PaymentIntent{
		ID:                 pi.ID,
		Status:             string(pi.Status),
		Amount:             pi.Amount,
		AmountReceived:     pi.AmountReceived,
		Currency:           strings.ToUpper(string(pi.Currency)),
		PaymentMethodTypes: pi.PaymentMethodTypes,
		Metadata:           pi.Metadata,
	}
}
