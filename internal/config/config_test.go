package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
database:
  user: app
  password: secret
  name: tuition
  host: db
stripe:
  environments:
    - name: production
      secret-key: sk_live_x
      webhook-secrets: [whsec_prod]
    - name: staging
      secret-key: sk_test_x
      webhook-secrets: [whsec_stg_a, whsec_stg_b]
notification:
  url: http://notify.local/hook
`

func writeConfig(t *testing.T, body string) string {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
	return dir
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "postgres://app:secret@db:5432/tuition?sslmode=disable", cfg.Database.ConnString())
	require.Len(t, cfg.Stripe.Environments, 2)
	assert.Equal(t, "staging", cfg.Stripe.Environments[1].Name)
	assert.Equal(t, []string{"whsec_stg_a", "whsec_stg_b"}, cfg.Stripe.Environments[1].WebhookSecrets)
	assert.Equal(t, int64(180), cfg.Fees.ReferralReward)
	assert.Equal(t, "USD", cfg.Fees.BaseCurrency)
	assert.Contains(t, cfg.Fees.AsyncPaymentMethods, "pix")
	assert.Equal(t, 300, cfg.Stripe.SignatureToleranceSeconds)
	assert.Equal(t, "http://notify.local/hook", cfg.Notification.URL)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("FEES_REFERRAL_REWARD", "200")
	t.Setenv("SERVER_PORT", "9999")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, int64(200), cfg.Fees.ReferralReward)
	assert.Equal(t, "9999", cfg.Server.Port)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "no environments", body: "server:\n  port: \"8080\"\n"},
		{name: "no secrets", body: "stripe:\n  environments:\n    - name: production\n"},
		{name: "duplicate names", body: "stripe:\n  environments:\n    - name: a\n      webhook-secrets: [x]\n    - name: a\n      webhook-secrets: [y]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}
