package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/event"
)

var ErrUnknownEnvironment = errors.New("unknown stripe environment")

type TransferRequest struct {
	AmountMinor          int64
	Currency             string
	DestinationAccountID string
	SessionID            string
	ApplicationID        string
	UniversityID         string
	StudentUserID        string
}

type Balance struct {
	Available map[string]int64
	Pending   map[string]int64
}

// Stripe holds one API client per environment, keyed by environment name.
type Stripe struct {
	clients map[string]*stripe.Client
	logger  *slog.Logger
}

func NewStripe(secretKeys map[string]string, opts []stripe.ClientOption, logger *slog.Logger) *Stripe {
	clients := make(map[string]*stripe.Client, len(secretKeys))
	for env, key := range secretKeys {
		clients[env] = stripe.NewClient(key, opts...)
	}
	return &Stripe{clients: clients, logger: logger}
}

func (s *Stripe) client(env string) (*stripe.Client, error) {
	c, ok := s.clients[env]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEnvironment, env)
	}
	return c, nil
}

// FindSessionByPaymentIntent returns nil when no checkout session references the payment intent.
func (s *Stripe) FindSessionByPaymentIntent(ctx context.Context, env, paymentIntentID string) (*event.Session, error) {
	c, err := s.client(env)
	if err != nil {
		return nil, err
	}

	params := &stripe.CheckoutSessionListParams{PaymentIntent: stripe.String(paymentIntentID)}
	params.Limit = stripe.Int64(1)

	for cs, err := range c.V1CheckoutSessions.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("list checkout sessions: %w", err)
		}
		session := event.SessionFromStripe(cs)
		if session.PaymentIntentID == "" {
			session.PaymentIntentID = paymentIntentID
		}
		return &session, nil
	}
	return nil, nil
}

func (s *Stripe) PaymentIntent(ctx context.Context, env, id string) (*event.PaymentIntent, error) {
	c, err := s.client(env)
	if err != nil {
		return nil, err
	}

	pi, err := c.V1PaymentIntents.Retrieve(ctx, id, nil)
	if err != nil {
		return nil, fmt.Errorf("retrieve payment intent: %w", err)
	}
	result := event.PaymentIntentFromStripe(pi)
	return &result, nil
}

// CreateTransfer moves funds to a connected account. Retries for the same session reuse the idempotency key.
func (s *Stripe) CreateTransfer(ctx context.Context, env string, req TransferRequest) (string, error) {
	c, err := s.client(env)
	if err != nil {
		return "", err
	}

	params := &stripe.TransferCreateParams{
		Amount:        stripe.Int64(req.AmountMinor),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		Destination:   stripe.String(req.DestinationAccountID),
		TransferGroup: stripe.String(req.SessionID),
	}
	params.SetIdempotencyKey("transfer_" + req.SessionID)
	params.AddMetadata("session_id", req.SessionID)
	params.AddMetadata("application_id", req.ApplicationID)
	params.AddMetadata("university_id", req.UniversityID)
	params.AddMetadata("student_user_id", req.StudentUserID)

	transfer, err := c.V1Transfers.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create transfer: %w", err)
	}
	return transfer.ID, nil
}

func (s *Stripe) Balance(ctx context.Context, env string) (*Balance, error) {
	c, err := s.client(env)
	if err != nil {
		return nil, err
	}

	b, err := c.V1Balance.Retrieve(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("retrieve balance: %w", err)
	}

	result := &Balance{Available: map[string]int64{}, Pending: map[string]int64{}}
	for _, a := range b.Available {
		result.Available[strings.ToUpper(string(a.Currency))] += a.Amount
	}
	for _, a := range b.Pending {
		result.Pending[strings.ToUpper(string(a.Currency))] += a.Amount
	}
	return result, nil
}
