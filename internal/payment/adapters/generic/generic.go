// Package generic implements the gateway-neutral webhook envelope signed
// with HMAC-SHA256 over the raw body.
package generic

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/lexcredit/internal/payment/domain"
)

const (
	SignatureHeader = "X-Signature"
	signaturePrefix = "sha256="
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "generic"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{webhookSecret: secret}, nil
}

type Adapter struct {
	webhookSecret string
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	header := strings.TrimSpace(headers.Get(SignatureHeader))
	if header == "" {
		return paymentdomain.ErrInvalidSignature
	}
	signature := strings.TrimPrefix(strings.ToLower(header), signaturePrefix)

	expected := Sign(a.webhookSecret, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type eventPayload struct {
	AccountID      snowflake.ID `json:"account_id"`
	PaymentID      string       `json:"payment_id"`
	SubscriptionID string       `json:"subscription_id"`
	PlanID         string       `json:"plan_id"`
	Status         string       `json:"status"`
	Amount         int64        `json:"amount"`
	Currency       string       `json:"currency"`
	PeriodStart    *time.Time   `json:"period_start"`
	PeriodEnd      *time.Time   `json:"period_end"`
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.GatewayEvent, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	env.EventID = strings.TrimSpace(env.EventID)
	env.EventType = strings.ToLower(strings.TrimSpace(env.EventType))
	if env.EventID == "" || env.EventType == "" || env.OccurredAt.IsZero() {
		return nil, paymentdomain.ErrInvalidPayload
	}

	var data eventPayload
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, &data); err != nil {
			return nil, paymentdomain.ErrInvalidPayload
		}
	}

	event := &paymentdomain.GatewayEvent{
		Provider:   "generic",
		EventID:    env.EventID,
		Type:       env.EventType,
		OccurredAt: env.OccurredAt.UTC(),
		RawPayload: payload,
		Data: paymentdomain.EventData{
			AccountID:             data.AccountID,
			GatewayRef:            strings.TrimSpace(data.PaymentID),
			GatewaySubscriptionID: strings.TrimSpace(data.SubscriptionID),
			PlanID:                strings.TrimSpace(data.PlanID),
			SubscriptionStatus:    strings.ToLower(strings.TrimSpace(data.Status)),
			Amount:                data.Amount,
			Currency:              strings.ToUpper(strings.TrimSpace(data.Currency)),
		},
	}
	if data.PeriodStart != nil {
		event.Data.PeriodStart = data.PeriodStart.UTC()
	}
	if data.PeriodEnd != nil {
		event.Data.PeriodEnd = data.PeriodEnd.UTC()
	}
	return event, nil
}
