package domain

import (
	"context"
	"errors"
	"net/http"

	"github.com/bwmarrin/snowflake"
)

// WebhookService verifies, claims and applies one gateway delivery.
type WebhookService interface {
	Handle(ctx context.Context, payload []byte, headers http.Header) (*WebhookResult, error)
}

// SettlementService credits payments that were captured while their
// account was frozen.
type SettlementService interface {
	SettlePending(ctx context.Context, accountID snowflake.ID) (*SettlementResult, error)
}

var (
	ErrInvalidSignature   = errors.New("invalid_signature")
	ErrInvalidPayload     = errors.New("invalid_payload")
	ErrInvalidEvent       = errors.New("invalid_event")
	ErrInvalidConfig      = errors.New("invalid_payment_gateway_config")
	ErrProviderNotFound   = errors.New("payment_provider_not_found")
	ErrGatewayUnavailable = errors.New("payment_gateway_unavailable")
	ErrInvalidAccount     = errors.New("invalid_account")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidGatewayRef  = errors.New("invalid_gateway_ref")
	ErrUnknownPlan        = errors.New("unknown_plan")
	ErrAccountMismatch    = errors.New("subscription_account_mismatch")
)
