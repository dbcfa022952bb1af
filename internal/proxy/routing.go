package proxy

import (
	"math"
	"sort"

	"github.com/runestonehq/runestone/internal/aliases"
	"github.com/runestonehq/runestone/internal/providers"
	"github.com/runestonehq/runestone/internal/telemetry"
)

// Policy selects how the router orders candidate instances.
type Policy string

const (
	PolicyDefault Policy = "default"
	PolicyHealth  Policy = "health"
	PolicyCost    Policy = "cost"
)

// DefaultHealthThreshold is τ: instances scoring below it are considered
// unhealthy by the health policy and the failover walk.
const DefaultHealthThreshold = 0.3

// Router resolves a request to an ordered candidate list. The first entry is
// the primary; the failover manager walks the rest.
type Router struct {
	registry *providers.Registry
	aliases  *aliases.Resolver
	policy   Policy
	tau      float64
}

func NewRouter(registry *providers.Registry, res *aliases.Resolver, policy Policy, tau float64) *Router {
	if policy == "" {
		policy = PolicyDefault
	}
	if tau <= 0 {
		tau = DefaultHealthThreshold
	}
	return &Router{registry: registry, aliases: res, policy: policy, tau: tau}
}

// Threshold returns τ for the health view and failover walk.
func (r *Router) Threshold() float64 { return r.tau }

// Route resolves req to its candidates. It rewrites req.Model when an alias
// matched, so drivers always see the resolved model id. An explicit provider
// in the request pins the choice to that single instance.
func (r *Router) Route(req *providers.RequestEnvelope) ([]*providers.Instance, error) {
	if req.Provider != "" {
		inst, ok := r.registry.Get(req.Provider)
		if !ok {
			return nil, r.routeError(req, "unknown provider %q", req.Provider)
		}
		r.decide(req, inst)
		return []*providers.Instance{inst}, nil
	}

	vendor := ""
	if r.aliases != nil {
		var resolved string
		var aliased bool
		vendor, resolved, aliased = r.aliases.Resolve(req.Model)
		if aliased {
			req.Model = resolved
		}
	}

	var candidates []*providers.Instance
	if vendor != "" {
		for _, inst := range r.registry.ByVendor(vendor) {
			if inst.SupportsModel(req.Model) {
				candidates = append(candidates, inst)
			}
		}
	} else {
		candidates = r.registry.InstancesForModel(req.Model)
	}
	if len(candidates) == 0 {
		return nil, r.routeError(req, "no provider serves model %q", req.Model)
	}

	r.order(candidates, req.Model)
	r.decide(req, candidates[0])
	return candidates, nil
}

// order sorts candidates in place by the active policy. Registry listings are
// already name-sorted, which is the default policy's order.
func (r *Router) order(candidates []*providers.Instance, model string) {
	switch r.policy {
	case PolicyHealth:
		sort.SliceStable(candidates, func(a, b int) bool {
			sa, sb := candidates[a].HealthScore(), candidates[b].HealthScore()
			if sa != sb {
				return sa > sb
			}
			return candidates[a].AvgLatency() < candidates[b].AvgLatency()
		})
	case PolicyCost:
		sort.SliceStable(candidates, func(a, b int) bool {
			ca, cb := instanceCost(candidates[a], model), instanceCost(candidates[b], model)
			if ca != cb {
				return ca < cb
			}
			return candidates[a].HealthScore() > candidates[b].HealthScore()
		})
	}
}

// instanceCost is the per-1k combined token price, or +Inf when the table has
// no entry (never fabricate a cost, never prefer an unknown one).
func instanceCost(inst *providers.Instance, model string) float64 {
	mc, ok := providers.LookupCost(&inst.Config, model)
	if !ok {
		return math.Inf(1)
	}
	return mc.PromptUSDPer1K + mc.CompletionUSDPer1K
}

func (r *Router) decide(req *providers.RequestEnvelope, inst *providers.Instance) {
	telemetry.Emit(telemetry.RouterDecide, nil, telemetry.Metadata{
		"policy":     string(r.policy),
		"provider":   inst.Name(),
		"model":      req.Model,
		"request_id": req.RequestID,
	})
}

func (r *Router) routeError(req *providers.RequestEnvelope, format string, args ...any) error {
	telemetry.Emit(telemetry.RouterRouteError, nil, telemetry.Metadata{
		"policy":     string(r.policy),
		"model":      req.Model,
		"request_id": req.RequestID,
	})
	return providers.Errf(providers.ClassBadRequest, format, args...)
}
