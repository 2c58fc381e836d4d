package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/gosimple/slug"
	"github.com/spf13/viper"
)

type PlanType string

const (
	PlanTypeBalance PlanType = "balance"
	PlanTypeQuota   PlanType = "quota"
)

// Plan describes how an account on the plan pays for metered operations.
type Plan struct {
	ID              string           `mapstructure:"id"`
	Name            string           `mapstructure:"name"`
	Type            PlanType         `mapstructure:"type"`
	PeriodAllotment int64            `mapstructure:"period_allotment"`
	RenewalCredits  int64            `mapstructure:"renewal_credits"`
	Costs           map[string]int64 `mapstructure:"costs"`
}

// PlanCatalog is the hot-reloadable set of plans and operation prices.
type PlanCatalog struct {
	DefaultPlan string           `mapstructure:"default_plan"`
	Operations  map[string]int64 `mapstructure:"operations"`
	Plans       []Plan           `mapstructure:"plans"`
}

func DefaultPlanCatalog() PlanCatalog {
	return PlanCatalog{
		DefaultPlan: "prepaid",
		Operations: map[string]int64{
			"draft_document":   2,
			"summarize_case":   1,
			"review_contract":  3,
			"translate_letter": 1,
		},
		Plans: []Plan{
			{ID: "prepaid", Name: "Prepaid credits", Type: PlanTypeBalance},
			{ID: "practice-monthly", Name: "Practice monthly", Type: PlanTypeBalance, RenewalCredits: 200},
			{ID: "firm-quota", Name: "Firm quota", Type: PlanTypeQuota, PeriodAllotment: 500},
		},
	}
}

// Plan returns the plan with the given id. Ids are compared in slug form.
func (c PlanCatalog) Plan(id string) (Plan, bool) {
	key := slug.Make(id)
	for _, p := range c.Plans {
		if p.ID == key {
			return p, true
		}
	}
	return Plan{}, false
}

// Default returns the plan used by accounts without a subscription.
func (c PlanCatalog) Default() Plan {
	p, _ := c.Plan(c.DefaultPlan)
	return p
}

// CostOf resolves the price of an operation kind on a plan. Plan overrides
// win over the catalog-wide price.
func (c PlanCatalog) CostOf(plan Plan, operationKind string) (int64, bool) {
	kind := normalizeOperation(operationKind)
	if cost, ok := plan.Costs[kind]; ok {
		return cost, true
	}
	cost, ok := c.Operations[kind]
	return cost, ok
}

type PlanCatalogHolder struct {
	current atomic.Value // holds PlanCatalog
}

// NewStaticPlanCatalogHolder wraps a fixed catalog, used by tests and tools.
func NewStaticPlanCatalogHolder(cat PlanCatalog) (*PlanCatalogHolder, error) {
	cat = normalizeCatalog(cat)
	if err := validatePlanCatalog(cat); err != nil {
		return nil, err
	}
	holder := &PlanCatalogHolder{}
	holder.current.Store(cat)
	return holder, nil
}

// NewPlanCatalogHolder loads plans.yml (PLANS_FILE or the search paths) and
// keeps watching it. Without a file the default catalog is served.
func NewPlanCatalogHolder(cfg Config) (*PlanCatalogHolder, error) {
	v := viper.New()

	if cfg.PlansFile != "" {
		v.SetConfigFile(cfg.PlansFile)
	} else {
		v.SetConfigName("plans")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/lexcredit/config")
		v.AddConfigPath("/etc/lexcredit")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		return NewStaticPlanCatalogHolder(DefaultPlanCatalog())
	}

	cat, err := decodePlanCatalog(v)
	if err != nil {
		return nil, err
	}

	holder := &PlanCatalogHolder{}
	holder.current.Store(cat)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePlanCatalog(v)
		if err != nil {
			log.Printf("[plan-catalog] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[plan-catalog] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PlanCatalogHolder) Get() PlanCatalog {
	return h.current.Load().(PlanCatalog)
}

func decodePlanCatalog(v *viper.Viper) (PlanCatalog, error) {
	var cat PlanCatalog
	if err := v.UnmarshalKey("catalog", &cat); err != nil {
		return PlanCatalog{}, err
	}
	cat = normalizeCatalog(cat)
	if err := validatePlanCatalog(cat); err != nil {
		return PlanCatalog{}, err
	}
	return cat, nil
}

func normalizeCatalog(cat PlanCatalog) PlanCatalog {
	out := PlanCatalog{
		DefaultPlan: slug.Make(cat.DefaultPlan),
		Operations:  normalizeCosts(cat.Operations),
		Plans:       make([]Plan, 0, len(cat.Plans)),
	}
	for _, p := range cat.Plans {
		p.ID = slug.Make(p.ID)
		p.Type = PlanType(strings.ToLower(strings.TrimSpace(string(p.Type))))
		p.Costs = normalizeCosts(p.Costs)
		out.Plans = append(out.Plans, p)
	}
	return out
}

func normalizeCosts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[normalizeOperation(k)] = v
	}
	return out
}

func normalizeOperation(kind string) string {
	return strings.ToLower(strings.TrimSpace(kind))
}

func validatePlanCatalog(cat PlanCatalog) error {
	if len(cat.Plans) == 0 {
		return errors.New("catalog.plans cannot be empty")
	}
	if len(cat.Operations) == 0 {
		return errors.New("catalog.operations cannot be empty")
	}
	for kind, cost := range cat.Operations {
		if cost <= 0 {
			return fmt.Errorf("operation %q must cost at least 1", kind)
		}
	}
	seen := make(map[string]struct{}, len(cat.Plans))
	for _, p := range cat.Plans {
		if p.ID == "" {
			return errors.New("plan id is required")
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate plan %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		switch p.Type {
		case PlanTypeBalance:
		case PlanTypeQuota:
			if p.PeriodAllotment <= 0 {
				return fmt.Errorf("quota plan %q needs a positive period_allotment", p.ID)
			}
		default:
			return fmt.Errorf("plan %q has unknown type %q", p.ID, p.Type)
		}
		for kind, cost := range p.Costs {
			if cost <= 0 {
				return fmt.Errorf("plan %q: operation %q must cost at least 1", p.ID, kind)
			}
		}
		if p.RenewalCredits < 0 {
			return fmt.Errorf("plan %q: renewal_credits cannot be negative", p.ID)
		}
	}
	if _, ok := cat.Plan(cat.DefaultPlan); !ok {
		return fmt.Errorf("default plan %q is not defined", cat.DefaultPlan)
	}
	return nil
}
