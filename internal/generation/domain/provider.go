package domain

import (
	"context"
	"fmt"
)

//go:generate mockgen -source=provider.go -destination=./mocks/mock_provider.go -package=mocks

type ProviderRequest struct {
	RequestID     string `json:"request_id"`
	AccountID     string `json:"account_id"`
	OperationKind string `json:"operation_kind"`
	Input         string `json:"input"`
}

type ProviderResponse struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Provider runs one generation. Implementations return *ProviderError when
// the provider definitively did not do the work; any other error is treated
// as an unknown outcome.
type Provider interface {
	Generate(ctx context.Context, req ProviderRequest) (ProviderResponse, error)
}

type ProviderError struct {
	Message    string
	Retriable  bool
	StatusCode int
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (%d): %s", e.StatusCode, e.Message)
	}
	return "provider error: " + e.Message
}
