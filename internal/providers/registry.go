package providers

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ewmaAlpha is the smoothing factor for health score and latency averages.
const ewmaAlpha = 0.2

// healthState tracks rolling instance health. Mutated under its own mutex so
// registry readers never contend with result recording.
type healthState struct {
	mu          sync.Mutex
	score       float64 // EWMA of success (1.0) / failure (0.0), starts at 1.0
	latencyMs   float64 // EWMA of request latency
	lastSuccess time.Time
	successes   uint64
	failures    uint64
}

// Instance is one registered upstream provider instance.
type Instance struct {
	Config InstanceConfig
	Driver Driver

	// Valid is false when registration-time validation failed. Invalid
	// instances are recorded for introspection but never selected.
	Valid         bool
	ValidationErr error

	health *healthState
}

// Name returns the stable instance name (e.g. "openai-main").
func (i *Instance) Name() string { return i.Config.Name }

// Vendor returns the vendor tag that selected this instance's driver.
func (i *Instance) Vendor() string { return i.Config.Vendor }

// RecordResult feeds the instance's rolling health score and latency average.
func (i *Instance) RecordResult(ok bool, latency time.Duration) {
	h := i.health
	h.mu.Lock()
	defer h.mu.Unlock()
	v := 0.0
	if ok {
		v = 1.0
		h.successes++
		h.lastSuccess = time.Now()
	} else {
		h.failures++
	}
	h.score = h.score*(1-ewmaAlpha) + v*ewmaAlpha
	h.latencyMs = h.latencyMs*(1-ewmaAlpha) + float64(latency.Milliseconds())*ewmaAlpha
}

// HealthScore returns the rolling success score in [0, 1].
func (i *Instance) HealthScore() float64 {
	i.health.mu.Lock()
	defer i.health.mu.Unlock()
	return i.health.score
}

// AvgLatency returns the rolling latency average.
func (i *Instance) AvgLatency() time.Duration {
	i.health.mu.Lock()
	defer i.health.mu.Unlock()
	return time.Duration(i.health.latencyMs) * time.Millisecond
}

// HealthStats returns a consistent view of the rolling counters.
func (i *Instance) HealthStats() (score float64, avgLatency time.Duration, lastSuccess time.Time, successRate float64) {
	h := i.health
	h.mu.Lock()
	defer h.mu.Unlock()
	total := h.successes + h.failures
	rate := 1.0
	if total > 0 {
		rate = float64(h.successes) / float64(total)
	}
	return h.score, time.Duration(h.latencyMs) * time.Millisecond, h.lastSuccess, rate
}

// SupportsModel reports whether the instance serves the given model id.
// An empty Models list means "serve anything the driver accepts".
func (i *Instance) SupportsModel(model string) bool {
	if len(i.Config.Models) == 0 {
		return true
	}
	for _, m := range i.Config.Models {
		if m == model {
			return true
		}
	}
	return false
}

// Registry stores provider instances by name. Reads go through an atomic
// snapshot pointer (copy-on-write) so the request hot path never locks;
// registration copies the map under a writer mutex and swaps the pointer.
type Registry struct {
	mu sync.Mutex // serialises writers only
	m  atomic.Pointer[map[string]*Instance]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[string]*Instance)
	r.m.Store(&empty)
	return r
}

// Register validates cfg eagerly and stores the instance. Instances that fail
// validation are recorded (visible in snapshots) but never returned by
// selection. Duplicate names are an error.
func (r *Registry) Register(cfg InstanceConfig, driver Driver) error {
	if cfg.Name == "" {
		return fmt.Errorf("registry: instance name is required")
	}
	if driver == nil {
		return fmt.Errorf("registry: driver is required for %q", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}

	inst := &Instance{
		Config: cfg,
		Driver: driver,
		Valid:  true,
		health: &healthState{score: 1.0},
	}
	if err := driver.Validate(&inst.Config); err != nil {
		inst.Valid = false
		inst.ValidationErr = err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.m.Load()
	if _, exists := old[cfg.Name]; exists {
		return fmt.Errorf("registry: duplicate instance name %q", cfg.Name)
	}
	next := make(map[string]*Instance, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[cfg.Name] = inst
	r.m.Store(&next)
	return nil
}

// Get returns the named instance if it exists and passed validation.
func (r *Registry) Get(name string) (*Instance, bool) {
	inst, ok := (*r.m.Load())[name]
	if !ok || !inst.Valid {
		return nil, false
	}
	return inst, true
}

// ByVendor returns all valid instances for a vendor tag, sorted by name for
// deterministic selection.
func (r *Registry) ByVendor(vendor string) []*Instance {
	var out []*Instance
	for _, inst := range *r.m.Load() {
		if inst.Valid && inst.Config.Vendor == vendor {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name() < out[b].Name() })
	return out
}

// All returns every valid instance, sorted by name.
func (r *Registry) All() []*Instance {
	var out []*Instance
	for _, inst := range *r.m.Load() {
		if inst.Valid {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name() < out[b].Name() })
	return out
}

// Names returns the names of all valid instances, sorted.
func (r *Registry) Names() []string {
	insts := r.All()
	names := make([]string, len(insts))
	for i, inst := range insts {
		names[i] = inst.Name()
	}
	return names
}

// Models returns the union of model ids served by valid instances, sorted.
func (r *Registry) Models() []string {
	seen := map[string]bool{}
	for _, inst := range r.All() {
		for _, m := range inst.Driver.SupportedModels(&inst.Config) {
			seen[m] = true
		}
	}
	out := make([]string, 0, len(seen))
	for m := range seen {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// InstancesForModel returns valid instances that serve the given model.
func (r *Registry) InstancesForModel(model string) []*Instance {
	var out []*Instance
	for _, inst := range r.All() {
		if inst.SupportsModel(model) {
			out = append(out, inst)
		}
	}
	return out
}
