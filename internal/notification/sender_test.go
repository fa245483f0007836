package notification

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSender_Send(t *testing.T) {
	tests := []struct {
		name           string
		mockResponse   func()
		expectedError  bool
		expectedErrMsg string
	}{
		{
			name: "Success",
			mockResponse: func() {
				gock.New("http://notify.local").
					Post("/hook").
					MatchType("json").
					Reply(200).
					JSON(map[string]string{"status": "ok"})
			},
		},
		{
			name: "Error",
			mockResponse: func() {
				gock.New("http://notify.local").
					Post("/hook").
					Reply(503).
					JSON(map[string]string{"error": "unavailable"})
			},
			expectedError:  true,
			expectedErrMsg: "503",
		},
		{
			name: "Timeout",
			mockResponse: func() {
				gock.New("http://notify.local").
					Post("/hook").
					Reply(200).
					Delay(2 * time.Second)
			},
			expectedError:  true,
			expectedErrMsg: "Client.Timeout exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer gock.Off()
			tt.mockResponse()

			sender := NewSender(500*time.Millisecond, discardLogger())
			err := sender.Send(context.Background(), "http://notify.local/hook", `{"event":"fee_paid"}`)

			if tt.expectedError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedErrMsg)
			} else {
				assert.NoError(t, err)
			}
			assert.True(t, gock.IsDone())
		})
	}
}
