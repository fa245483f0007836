package alert

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suaiden-dev/matriculausa-mvp-sub015/internal/config"
	"gopkg.in/gomail.v2"
)

type captureDialer struct {
	sent []*gomail.Message
	err  error
}

func (d *captureDialer) DialAndSend(m ...*gomail.Message) error {
	d.sent = append(d.sent, m...)
	return d.err
}

func TestMailer_Alert(t *testing.T) {
	d := &captureDialer{}
	m := NewMailer(d, "ops@example.com", []string{"a@example.com", "b@example.com"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, m.Alert(context.Background(), "Ledger mutation failed for cs_1", "details"))
	require.Len(t, d.sent, 1)

	msg := d.sent[0]
	assert.Equal(t, []string{"ops@example.com"}, msg.GetHeader("From"))
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, msg.GetHeader("To"))
	assert.Equal(t, []string{"[payment-reconciler] Ledger mutation failed for cs_1"}, msg.GetHeader("Subject"))

	var buf bytes.Buffer
	_, err := msg.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "details")
}

func TestMailer_AlertError(t *testing.T) {
	d := &captureDialer{err: errors.New("connection refused")}
	m := NewMailer(d, "ops@example.com", []string{"a@example.com"}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := m.Alert(context.Background(), "subject", "body")
	assert.ErrorContains(t, err, "connection refused")
}

func TestNew_WithoutHostIsNoop(t *testing.T) {
	a := New(config.Alert{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.IsType(t, Noop{}, a)
	assert.NoError(t, a.Alert(context.Background(), "s", "b"))

	a = New(config.Alert{Host: "smtp.example.com", Port: 587, To: []string{"ops@example.com"}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.IsType(t, &Mailer{}, a)
}
