package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lexcredit/internal/clock"
	paymentdomain "github.com/smallbiznis/lexcredit/internal/payment/domain"
)

const defaultTolerance = 5 * time.Minute

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Adapter{
		webhookSecret: secret,
		tolerance:     tolerance,
		clock:         clk,
	}, nil
}

type Adapter struct {
	webhookSecret string
	tolerance     time.Duration
	clock         clock.Clock
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	age := a.clock.Now().Sub(time.Unix(unix, 0))
	if age > a.tolerance || age < -a.tolerance {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.GatewayEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.Type) == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	out := &paymentdomain.GatewayEvent{
		Provider:   "stripe",
		EventID:    event.ID,
		Type:       strings.TrimSpace(event.Type),
		OccurredAt: timestamp(event.Created, 0),
		RawPayload: payload,
	}

	var err error
	switch out.Type {
	case "payment_intent.succeeded":
		out.Type = paymentdomain.EventTypePaymentCaptured
		out.Data, err = parsePaymentIntent(event, true)
	case "payment_intent.payment_failed":
		out.Type = paymentdomain.EventTypePaymentFailed
		out.Data, err = parsePaymentIntent(event, false)
	case "customer.subscription.created":
		out.Type = paymentdomain.EventTypeSubscriptionCreated
		out.Data, err = parseSubscription(event)
	case "customer.subscription.deleted":
		out.Type = paymentdomain.EventTypeSubscriptionCanceled
		out.Data, err = parseSubscription(event)
	case "invoice.paid":
		out.Data, err = parseInvoice(event)
		if err == nil && out.Data.GatewaySubscriptionID != "" {
			out.Type = paymentdomain.EventTypeSubscriptionRenewed
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripePaymentIntent struct {
	ID             string         `json:"id"`
	Amount         int64          `json:"amount"`
	AmountReceived int64          `json:"amount_received"`
	Currency       string         `json:"currency"`
	Metadata       map[string]any `json:"metadata"`
}

type stripeSubscription struct {
	ID                 string         `json:"id"`
	Status             string         `json:"status"`
	CurrentPeriodStart int64          `json:"current_period_start"`
	CurrentPeriodEnd   int64          `json:"current_period_end"`
	Metadata           map[string]any `json:"metadata"`
}

type stripeInvoice struct {
	ID            string         `json:"id"`
	Subscription  string         `json:"subscription"`
	BillingReason string         `json:"billing_reason"`
	PeriodStart   int64          `json:"period_start"`
	PeriodEnd     int64          `json:"period_end"`
	Metadata      map[string]any `json:"metadata"`
}

func parsePaymentIntent(event stripeEvent, captured bool) (paymentdomain.EventData, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return paymentdomain.EventData{}, paymentdomain.ErrInvalidPayload
	}

	amount := intent.Amount
	if captured && intent.AmountReceived > 0 {
		amount = intent.AmountReceived
	}
	// Credits bought can differ from the charged minor units.
	if credits := readMetadataValue(intent.Metadata, "credits"); credits != "" {
		parsed, err := strconv.ParseInt(credits, 10, 64)
		if err != nil {
			return paymentdomain.EventData{}, paymentdomain.ErrInvalidPayload
		}
		amount = parsed
	}

	return paymentdomain.EventData{
		AccountID:             parseAccountID(intent.Metadata),
		GatewayRef:            intent.ID,
		GatewaySubscriptionID: readMetadataValue(intent.Metadata, "subscription_id"),
		PlanID:                readMetadataValue(intent.Metadata, "plan_id"),
		Amount:                amount,
		Currency:              strings.ToUpper(strings.TrimSpace(intent.Currency)),
	}, nil
}

func parseSubscription(event stripeEvent) (paymentdomain.EventData, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return paymentdomain.EventData{}, paymentdomain.ErrInvalidPayload
	}
	return paymentdomain.EventData{
		AccountID:             parseAccountID(sub.Metadata),
		GatewaySubscriptionID: sub.ID,
		PlanID:                readMetadataValue(sub.Metadata, "plan_id"),
		SubscriptionStatus:    strings.ToLower(strings.TrimSpace(sub.Status)),
		PeriodStart:           unixOrZero(sub.CurrentPeriodStart),
		PeriodEnd:             unixOrZero(sub.CurrentPeriodEnd),
	}, nil
}

func parseInvoice(event stripeEvent) (paymentdomain.EventData, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return paymentdomain.EventData{}, paymentdomain.ErrInvalidPayload
	}
	if invoice.BillingReason != "subscription_cycle" {
		return paymentdomain.EventData{}, nil
	}
	return paymentdomain.EventData{
		AccountID:             parseAccountID(invoice.Metadata),
		GatewaySubscriptionID: invoice.Subscription,
		PeriodStart:           unixOrZero(invoice.PeriodStart),
		PeriodEnd:             unixOrZero(invoice.PeriodEnd),
	}, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Time{}
	}
	return time.Unix(value, 0).UTC()
}

func unixOrZero(value int64) time.Time {
	return timestamp(value, 0)
}

// parseAccountID returns zero when metadata carries no usable account id;
// the processor rejects such events.
func parseAccountID(metadata map[string]any) snowflake.ID {
	raw := readMetadataValue(metadata, "account_id")
	if raw == "" {
		return 0
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0
	}
	return id
}

func readMetadataValue(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, ok := metadata[key]
	if !ok {
		return ""
	}
	switch cast := value.(type) {
	case string:
		return strings.TrimSpace(cast)
	case float64:
		if cast == 0 {
			return ""
		}
		return strconv.FormatInt(int64(cast), 10)
	case json.Number:
		return cast.String()
	case int64:
		return strconv.FormatInt(cast, 10)
	case int:
		return strconv.Itoa(cast)
	}
	return ""
}
