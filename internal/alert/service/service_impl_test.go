package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/lexcredit/internal/alert/domain"
	"github.com/smallbiznis/lexcredit/internal/clock"
	"github.com/smallbiznis/lexcredit/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSlack struct {
	mu       sync.Mutex
	channels []string
	messages []string
}

func (r *recordingSlack) PostMessage(ctx context.Context, channelID string, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels = append(r.channels, channelID)
	r.messages = append(r.messages, message)
	return nil
}

func TestRaiseSuppressesRepeatsWithinWindow(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	rec := &recordingSlack{}
	svc := NewService(Params{
		Log:   zap.NewNop(),
		Clock: clk,
		Cfg:   config.Config{Alert: config.AlertConfig{SlackChannel: "#ops"}},
		Slack: rec,
	})

	alert := domain.Alert{
		Severity: domain.SeverityCritical,
		Key:      "ledger_inconsistency:42",
		Title:    "Ledger inconsistency",
		Message:  "account frozen",
		Fields:   map[string]string{"account_id": "42", "balance": "10"},
	}
	require.NoError(t, svc.Raise(context.Background(), alert))
	require.NoError(t, svc.Raise(context.Background(), alert))

	clk.Advance(20 * time.Minute)
	require.NoError(t, svc.Raise(context.Background(), alert))

	require.Len(t, rec.messages, 2)
	assert.Equal(t, "#ops", rec.channels[0])
	assert.Equal(t, "[CRITICAL] Ledger inconsistency\naccount frozen\n• account_id: 42\n• balance: 10", rec.messages[0])
}
