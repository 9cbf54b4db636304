package knowledge

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dyluth/nightshift/internal/config"
	"github.com/dyluth/nightshift/pkg/ledger"
)

// TypeSpec is the schema, decay and routing of one knowledge type.
type TypeSpec struct {
	Name           string
	HalfLife       time.Duration
	RequiredFields []string
	Route          []string // Worker kinds, or config.RouteAll
}

// broadcast reports whether every worker is a recipient.
func (s TypeSpec) broadcast() bool {
	for _, r := range s.Route {
		if r == config.RouteAll {
			return true
		}
	}
	return false
}

func (s TypeSpec) routesTo(kind string) bool {
	if s.broadcast() {
		return true
	}
	for _, r := range s.Route {
		if r == kind {
			return true
		}
	}
	return false
}

// missingFields returns the required fields absent from payload, sorted.
func (s TypeSpec) missingFields(payload map[string]interface{}) []string {
	var missing []string
	for _, field := range s.RequiredFields {
		if v, ok := payload[field]; !ok || v == nil {
			missing = append(missing, field)
		}
	}
	sort.Strings(missing)
	return missing
}

// SpecsFromConfig converts the configured knowledge types.
func SpecsFromConfig(cfg *config.KnowledgeConfig) map[string]TypeSpec {
	specs := make(map[string]TypeSpec, len(cfg.Types))
	for name, kt := range cfg.Types {
		route := kt.Route
		if len(route) == 0 {
			route = []string{config.RouteAll}
		}
		specs[name] = TypeSpec{
			Name:           name,
			HalfLife:       kt.HalfLife.Duration,
			RequiredFields: kt.RequiredFields,
			Route:          route,
		}
	}
	return specs
}

// ValidationError reports a rejected publish. Nothing is written when it is returned.
type ValidationError struct {
	KnowledgeType string
	MissingFields []string
	Reason        string
}

func (e *ValidationError) Error() string {
	if len(e.MissingFields) > 0 {
		return fmt.Sprintf("invalid %s payload: missing required fields: %s",
			e.KnowledgeType, strings.Join(e.MissingFields, ", "))
	}
	return fmt.Sprintf("invalid %s knowledge: %s", e.KnowledgeType, e.Reason)
}

// Freshness returns exp(-Δt/τ) where Δt is the item's age at now and τ its
// decay constant. Items from the future count as fully fresh. The result never
// reaches zero so that older items always weigh strictly less but remain visible.
func Freshness(item *ledger.KnowledgeItem, now time.Time) float64 {
	if item.HalfLifeSec <= 0 {
		return 1.0
	}
	age := now.Sub(time.UnixMilli(item.CreatedAtMs)).Seconds()
	if age <= 0 {
		return 1.0
	}
	return math.Max(math.Exp(-age/float64(item.HalfLifeSec)), math.SmallestNonzeroFloat64)
}
