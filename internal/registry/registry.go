// Package registry tracks the fleet of model-server instances and
// provides health-aware instance selection.
package registry

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sageerrors "github.com/docsage/docsage/internal/errors"
)

// HealthState is the health of a model-server instance.
type HealthState int

const (
	// StateDegraded is the initial state, used while probes are
	// inconclusive. Selectable only when no Healthy instance exists.
	StateDegraded HealthState = iota
	// StateHealthy means the last probe or request succeeded.
	StateHealthy
	// StateUnhealthy means the instance hit the consecutive-failure
	// threshold and is excluded from selection.
	StateUnhealthy
)

// String returns the wire representation of the state.
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "degraded"
	}
}

// Strategy selects among eligible instances.
type Strategy string

const (
	// StrategyLeastLatency picks the lowest EWMA latency; ties broken by
	// in-flight count, then round-robin.
	StrategyLeastLatency Strategy = "least_latency"
	// StrategyLeastLoaded picks the lowest in-flight count; ties broken
	// by EWMA latency.
	StrategyLeastLoaded Strategy = "least_loaded"
	// StrategyRoundRobin cycles through eligible instances.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategySticky hashes the conversation id to an instance so a
	// conversation keeps hitting the same KV cache; falls through to
	// least_latency when the sticky choice is not Healthy.
	StrategySticky Strategy = "sticky_by_conversation"
)

// ParseStrategy converts a config string into a Strategy.
// Unknown values fall back to least_latency.
func ParseStrategy(s string) Strategy {
	switch Strategy(s) {
	case StrategyLeastLoaded, StrategyRoundRobin, StrategySticky:
		return Strategy(s)
	default:
		return StrategyLeastLatency
	}
}

// ewmaAlpha is the smoothing factor for per-model latency averages.
const ewmaAlpha = 0.3

// Instance is a registered model-server endpoint with its rolling stats.
// All mutable fields except inFlight are guarded by the registry mutex.
type Instance struct {
	Name string
	URL  string

	models          map[string]struct{}
	state           HealthState
	consecFailures  int
	successStreak   int
	everSucceeded   bool
	lastProbe       time.Time
	ewmaLatencyMS   map[string]float64
	inFlight        atomic.Int64
}

// InFlight returns the number of requests currently routed to the instance.
func (i *Instance) InFlight() int64 {
	return i.inFlight.Load()
}

// InstanceStats is an immutable snapshot of one instance, serialized by
// the /instances and /health endpoints.
type InstanceStats struct {
	Name          string             `json:"name"`
	URL           string             `json:"url"`
	Models        []string           `json:"models"`
	Status        string             `json:"status"`
	EWMALatencyMS map[string]float64 `json:"ewma_latency_ms"`
	InFlight      int64              `json:"in_flight"`
	LastProbe     time.Time          `json:"last_probe"`
}

// Config controls registry behavior.
type Config struct {
	// ProbeInterval is the period between health probes.
	ProbeInterval time.Duration
	// FailureThreshold is the consecutive-failure count that demotes an
	// instance to Unhealthy.
	FailureThreshold int
	// PickWait bounds how long Pick blocks waiting for an eligible
	// instance before returning NoAvailableInstance.
	PickWait time.Duration
	// ProbeTimeout bounds a single probe request.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the standard probe and selection settings.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:    15 * time.Second,
		FailureThreshold: 3,
		PickWait:         50 * time.Millisecond,
		ProbeTimeout:     5 * time.Second,
	}
}

// Registry is the process-wide instance pool. Single writer (health
// monitor + outcome recorder) under the mutex; Pick and Snapshot read
// under RLock.
type Registry struct {
	mu        sync.RWMutex
	instances []*Instance
	cfg       Config
	logger    *slog.Logger
	rrCounter atomic.Uint64

	probeStop chan struct{}
	probeDone chan struct{}
}

// New creates an empty registry.
func New(cfg Config, logger *slog.Logger) *Registry {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.PickWait <= 0 {
		cfg.PickWait = 50 * time.Millisecond
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:    cfg,
		logger: logger,
	}
}

// Register adds an instance with initial state Degraded. It becomes
// Healthy on its first successful probe or request.
func (r *Registry) Register(name, url string, models []string) *Instance {
	inst := &Instance{
		Name:          name,
		URL:           strings.TrimRight(url, "/"),
		models:        make(map[string]struct{}, len(models)),
		state:         StateDegraded,
		ewmaLatencyMS: make(map[string]float64),
	}
	for _, m := range models {
		inst.models[m] = struct{}{}
	}

	r.mu.Lock()
	r.instances = append(r.instances, inst)
	r.mu.Unlock()

	r.logger.Info("instance registered",
		slog.String("instance", name),
		slog.String("url", inst.URL),
		slog.Int("models", len(models)))
	return inst
}

// Pick returns an instance hosting modelID, preferring Healthy instances
// and falling back to Degraded ones when no Healthy instance exists.
// It blocks at most cfg.PickWait before failing with NoAvailableInstance.
func (r *Registry) Pick(ctx context.Context, modelID string, strategy Strategy, conversationID string) (*Instance, error) {
	deadline := time.Now().Add(r.cfg.PickWait)
	for {
		if inst := r.tryPick(modelID, strategy, conversationID); inst != nil {
			return inst, nil
		}

		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}

	return nil, sageerrors.New(sageerrors.ErrCodeNoInstance,
		"no available instance hosts model "+modelID, nil).
		WithDetail("model", modelID).
		WithDetail("strategy", string(strategy))
}

// tryPick runs one selection round without waiting.
func (r *Registry) tryPick(modelID string, strategy Strategy, conversationID string) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var healthy, degraded []*Instance
	for _, inst := range r.instances {
		if !inst.hosts(modelID) {
			continue
		}
		switch inst.state {
		case StateHealthy:
			healthy = append(healthy, inst)
		case StateDegraded:
			degraded = append(degraded, inst)
		}
	}

	eligible := healthy
	stickyOK := true
	if len(eligible) == 0 {
		eligible = degraded
		stickyOK = false // sticky requires a Healthy target
	}
	if len(eligible) == 0 {
		return nil
	}

	switch strategy {
	case StrategyLeastLoaded:
		return r.pickLeastLoaded(eligible, modelID)
	case StrategyRoundRobin:
		return r.pickRoundRobin(eligible)
	case StrategySticky:
		if stickyOK && conversationID != "" {
			return r.pickSticky(eligible, conversationID)
		}
		return r.pickLeastLatency(eligible, modelID)
	default:
		return r.pickLeastLatency(eligible, modelID)
	}
}

func (r *Registry) pickLeastLatency(eligible []*Instance, modelID string) *Instance {
	best := eligible[0]
	for _, inst := range eligible[1:] {
		bi, bb := inst.ewmaLatencyMS[modelID], best.ewmaLatencyMS[modelID]
		switch {
		case bi < bb:
			best = inst
		case bi == bb && inst.inFlight.Load() < best.inFlight.Load():
			best = inst
		}
	}
	// Round-robin among exact ties on both latency and load.
	var ties []*Instance
	for _, inst := range eligible {
		if inst.ewmaLatencyMS[modelID] == best.ewmaLatencyMS[modelID] &&
			inst.inFlight.Load() == best.inFlight.Load() {
			ties = append(ties, inst)
		}
	}
	if len(ties) > 1 {
		return ties[r.rrCounter.Add(1)%uint64(len(ties))]
	}
	return best
}

func (r *Registry) pickLeastLoaded(eligible []*Instance, modelID string) *Instance {
	best := eligible[0]
	for _, inst := range eligible[1:] {
		li, lb := inst.inFlight.Load(), best.inFlight.Load()
		switch {
		case li < lb:
			best = inst
		case li == lb && inst.ewmaLatencyMS[modelID] < best.ewmaLatencyMS[modelID]:
			best = inst
		}
	}
	return best
}

func (r *Registry) pickRoundRobin(eligible []*Instance) *Instance {
	return eligible[r.rrCounter.Add(1)%uint64(len(eligible))]
}

func (r *Registry) pickSticky(eligible []*Instance, conversationID string) *Instance {
	// Sort by name so the hash target is stable across pick calls.
	sorted := make([]*Instance, len(eligible))
	copy(sorted, eligible)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return sorted[h.Sum32()%uint32(len(sorted))]
}

// hosts reports whether the instance carries modelID, matching either the
// full id or its base name without the tag suffix.
func (i *Instance) hosts(modelID string) bool {
	if _, ok := i.models[modelID]; ok {
		return true
	}
	base := strings.SplitN(modelID, ":", 2)[0]
	for m := range i.models {
		if strings.SplitN(m, ":", 2)[0] == base {
			return true
		}
	}
	return false
}

// BeginRequest marks a downstream call as started on the instance.
func (r *Registry) BeginRequest(inst *Instance) {
	inst.inFlight.Add(1)
}

// EndRequest marks a downstream call as finished on the instance.
func (r *Registry) EndRequest(inst *Instance) {
	inst.inFlight.Add(-1)
}

// RecordOutcome updates EWMA latency and failure counters after a
// downstream call. Cancelled calls must not be recorded: they count as
// neither success nor failure.
func (r *Registry) RecordOutcome(inst *Instance, modelID string, latency time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ok && latency > 0 {
		sample := float64(latency.Milliseconds())
		if prev, exists := inst.ewmaLatencyMS[modelID]; exists {
			inst.ewmaLatencyMS[modelID] = ewmaAlpha*sample + (1-ewmaAlpha)*prev
		} else {
			inst.ewmaLatencyMS[modelID] = sample
		}
	}

	r.recordResultLocked(inst, ok)
}

// Demote forces an instance to Unhealthy, used when it returns
// internally-inconsistent results such as a wrong-dimension embedding.
func (r *Registry) Demote(inst *Instance, reason string) {
	r.mu.Lock()
	inst.state = StateUnhealthy
	inst.consecFailures = r.cfg.FailureThreshold
	inst.successStreak = 0
	r.mu.Unlock()

	r.logger.Warn("instance demoted",
		slog.String("instance", inst.Name),
		slog.String("reason", reason))
}

// recordResultLocked applies the health state machine. Caller holds r.mu.
//
// Initial = Degraded. First-ever success -> Healthy. FailureThreshold
// consecutive failures -> Unhealthy. Two consecutive successes after
// Unhealthy -> Healthy.
func (r *Registry) recordResultLocked(inst *Instance, ok bool) {
	if ok {
		inst.consecFailures = 0
		switch {
		case !inst.everSucceeded:
			inst.everSucceeded = true
			inst.successStreak = 0
			r.transitionLocked(inst, StateHealthy)
		case inst.state == StateUnhealthy:
			inst.successStreak++
			if inst.successStreak >= 2 {
				inst.successStreak = 0
				r.transitionLocked(inst, StateHealthy)
			}
		default:
			r.transitionLocked(inst, StateHealthy)
		}
		return
	}

	inst.successStreak = 0
	inst.consecFailures++
	if inst.consecFailures >= r.cfg.FailureThreshold {
		r.transitionLocked(inst, StateUnhealthy)
	}
}

func (r *Registry) transitionLocked(inst *Instance, next HealthState) {
	if inst.state == next {
		return
	}
	r.logger.Info("instance health transition",
		slog.String("instance", inst.Name),
		slog.String("from", inst.state.String()),
		slog.String("to", next.String()))
	inst.state = next
}

// State returns the instance's current health state.
func (r *Registry) State(inst *Instance) HealthState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return inst.state
}

// Snapshot returns per-instance stats for the health endpoints.
func (r *Registry) Snapshot() []InstanceStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]InstanceStats, 0, len(r.instances))
	for _, inst := range r.instances {
		models := make([]string, 0, len(inst.models))
		for m := range inst.models {
			models = append(models, m)
		}
		sort.Strings(models)

		lat := make(map[string]float64, len(inst.ewmaLatencyMS))
		for k, v := range inst.ewmaLatencyMS {
			lat[k] = v
		}

		out = append(out, InstanceStats{
			Name:          inst.Name,
			URL:           inst.URL,
			Models:        models,
			Status:        inst.state.String(),
			EWMALatencyMS: lat,
			InFlight:      inst.inFlight.Load(),
			LastProbe:     inst.lastProbe,
		})
	}
	return out
}

// InstanceCountForModels returns how many registered instances host at
// least one of the given models. Used to size the generation semaphore.
func (r *Registry) InstanceCountForModels(models []string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, inst := range r.instances {
		for _, m := range models {
			if inst.hosts(m) {
				n++
				break
			}
		}
	}
	return n
}
