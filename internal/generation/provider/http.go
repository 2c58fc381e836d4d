package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/smallbiznis/lexcredit/internal/config"
	"github.com/smallbiznis/lexcredit/internal/generation/domain"
	obstracing "github.com/smallbiznis/lexcredit/internal/observability/tracing"
	"go.uber.org/zap"
)

const maxResponseBytes = 4 << 20

// HTTPProvider posts generation requests as JSON. The provider request id
// is sent as Idempotency-Key so a provider that supports it can dedupe
// our retries; we never rely on it.
type HTTPProvider struct {
	url    string
	apiKey string
	client *http.Client
	log    *zap.Logger
}

func NewHTTPProvider(url, apiKey string, client *http.Client, log *zap.Logger) *HTTPProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProvider{
		url:    strings.TrimSpace(url),
		apiKey: strings.TrimSpace(apiKey),
		client: client,
		log:    log.Named("generation.provider"),
	}
}

type errorBody struct {
	Error     string `json:"error"`
	Retriable *bool  `json:"retriable"`
}

func (p *HTTPProvider) Generate(ctx context.Context, req domain.ProviderRequest) (domain.ProviderResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.ProviderResponse{}, &domain.ProviderError{Message: "encode request: " + err.Error()}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return domain.ProviderResponse{}, &domain.ProviderError{Message: "build request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.RequestID)
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		// The request may or may not have reached the provider.
		return domain.ProviderResponse{}, fmt.Errorf("provider call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.ProviderResponse{}, fmt.Errorf("read provider response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out domain.ProviderResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			// The provider did the work but we cannot read it.
			return domain.ProviderResponse{}, fmt.Errorf("decode provider response: %w", err)
		}
		return out, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return domain.ProviderResponse{}, providerError(resp.StatusCode, raw, false)
	case resp.StatusCode == http.StatusServiceUnavailable:
		// 503 is returned before any work starts.
		return domain.ProviderResponse{}, providerError(resp.StatusCode, raw, true)
	default:
		p.log.Warn("provider returned unexpected status",
			zap.Int("status", resp.StatusCode),
			zap.String("request_id", req.RequestID),
		)
		return domain.ProviderResponse{}, errors.New("provider returned status " + http.StatusText(resp.StatusCode))
	}
}

func providerError(status int, raw []byte, retriable bool) *domain.ProviderError {
	perr := &domain.ProviderError{StatusCode: status, Retriable: retriable, Message: http.StatusText(status)}
	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		if msg := strings.TrimSpace(body.Error); msg != "" {
			perr.Message = msg
		}
		if body.Retriable != nil {
			perr.Retriable = *body.Retriable
		}
	}
	return perr
}

// NewFromConfig falls back to a provider that rejects every request when
// no url is configured.
func NewFromConfig(cfg config.Config, log *zap.Logger) domain.Provider {
	if strings.TrimSpace(cfg.Generation.ProviderURL) == "" {
		log.Warn("generation provider url not configured")
		return unconfigured{}
	}
	// The service bounds each call with its own deadline.
	client := obstracing.WrapHTTPClient(&http.Client{})
	return NewHTTPProvider(cfg.Generation.ProviderURL, cfg.Generation.ProviderAPIKey, client, log)
}

type unconfigured struct{}

func (unconfigured) Generate(ctx context.Context, req domain.ProviderRequest) (domain.ProviderResponse, error) {
	return domain.ProviderResponse{}, &domain.ProviderError{Message: "generation provider not configured"}
}
