package authorization

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"github.com/smallbiznis/lexcredit/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

type Params struct {
	fx.In

	Log      *zap.Logger
	Cfg      config.Config
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	keys     []config.APIKey
	enforcer *casbin.SyncedEnforcer
}

// NewEnforcer loads the policy from the casbin_rule table, seeds the role
// permissions and binds every configured API key to its role.
func NewEnforcer(db *gorm.DB, cfg config.Config) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	for i := range cfg.APIKeys {
		key := cfg.APIKeys[i]
		if err := ensureGrouping(enforcer, Subject(&key), roleName(key.Role)); err != nil {
			return nil, err
		}
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		keys:     p.Cfg.APIKeys,
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authenticate(ctx context.Context, secret string) (*config.APIKey, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrUnauthenticated
	}
	digest := sha256.Sum256([]byte(secret))

	var match *config.APIKey
	for i := range s.keys {
		// compare against every key so timing does not reveal the position
		if subtle.ConstantTimeCompare(digest[:], s.keys[i].Digest[:]) == 1 {
			match = &s.keys[i]
		}
	}
	if match == nil {
		return nil, ErrUnauthenticated
	}
	return match, nil
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	allowed, err := s.enforcer.Enforce(actor, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Warn("authorization denied",
			zap.String("actor", actor),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func roleName(role string) string {
	return fmt.Sprintf("role:%s", strings.ToLower(strings.TrimSpace(role)))
}

// ensureGrouping binds subject to exactly one role, dropping links left over
// from an earlier configuration.
func ensureGrouping(enforcer *casbin.SyncedEnforcer, subject string, role string) error {
	if subject == "" {
		return ErrInvalidActor
	}
	if role != roleName(RoleService) && role != roleName(RoleOperator) {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	existing, err := enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == role {
			continue
		}
		params := make([]any, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		if _, err := enforcer.RemoveGroupingPolicy(params...); err != nil {
			return err
		}
	}

	has, err := enforcer.HasGroupingPolicy(subject, role)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = enforcer.AddGroupingPolicy(subject, role)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	service := roleName(RoleService)
	operator := roleName(RoleOperator)
	policies := [][]string{
		// Internal callers run generations and read usage
		{service, ObjectGeneration, ActionGenerationRun},
		{service, ObjectUsage, ActionUsageView},

		// Operators can do everything
		{operator, ObjectGeneration, ActionGenerationRun},
		{operator, ObjectUsage, ActionUsageView},
		{operator, ObjectLedger, ActionLedgerView},
		{operator, ObjectLedger, ActionLedgerReconcile},
		{operator, ObjectLedger, ActionLedgerUnfreeze},
		{operator, ObjectSubscription, ActionSubscriptionCancel},
		{operator, ObjectUsageRecord, ActionUsageRecordView},
		{operator, ObjectUsageRecord, ActionUsageRecordResolve},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
