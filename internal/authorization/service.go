package authorization

import (
	"context"
	"errors"

	"github.com/smallbiznis/lexcredit/internal/config"
)

const (
	RoleService  = "service"
	RoleOperator = "operator"
)

const (
	ObjectGeneration   = "generation"
	ObjectUsage        = "usage"
	ObjectLedger       = "ledger"
	ObjectSubscription = "subscription"
	ObjectUsageRecord  = "usage_record"
)

const (
	ActionGenerationRun = "generation.run"
	ActionUsageView     = "usage.view"

	ActionLedgerView      = "ledger.view"
	ActionLedgerReconcile = "ledger.reconcile"
	ActionLedgerUnfreeze  = "ledger.unfreeze"

	ActionSubscriptionCancel = "subscription.cancel"

	ActionUsageRecordView    = "usage_record.view"
	ActionUsageRecordResolve = "usage_record.resolve"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidActor    = errors.New("invalid_actor")
	ErrInvalidObject   = errors.New("invalid_object")
	ErrInvalidAction   = errors.New("invalid_action")
	ErrUnknownRole     = errors.New("unknown_role")
)

// Service authenticates internal API keys and checks their role against the
// casbin policy.
type Service interface {
	Authenticate(ctx context.Context, secret string) (*config.APIKey, error)
	Authorize(ctx context.Context, actor string, object string, action string) error
}

// Subject is the casbin subject for an API key.
func Subject(key *config.APIKey) string {
	if key == nil {
		return ""
	}
	return "api_key:" + key.Name
}
