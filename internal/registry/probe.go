package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// probeRetryBackoff is the wait before the single probe retry.
const probeRetryBackoff = 500 * time.Millisecond

// tagsResponse is the model-list payload returned by GET /api/tags.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Start launches the background health monitor. Each instance is probed
// every ProbeInterval with a lightweight model-list call. Stop shuts the
// loop down.
func (r *Registry) Start(ctx context.Context) {
	r.probeStop = make(chan struct{})
	r.probeDone = make(chan struct{})

	go func() {
		defer close(r.probeDone)

		// Probe immediately so instances leave Degraded without
		// waiting a full interval.
		r.probeAll(ctx)

		ticker := time.NewTicker(r.cfg.ProbeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.probeStop:
				return
			case <-ticker.C:
				r.probeAll(ctx)
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (r *Registry) Stop() {
	if r.probeStop == nil {
		return
	}
	close(r.probeStop)
	<-r.probeDone
	r.probeStop = nil
}

// probeAll probes every registered instance concurrently.
func (r *Registry) probeAll(ctx context.Context) {
	r.mu.RLock()
	instances := make([]*Instance, len(r.instances))
	copy(instances, r.instances)
	r.mu.RUnlock()

	done := make(chan struct{}, len(instances))
	for _, inst := range instances {
		go func(inst *Instance) {
			defer func() { done <- struct{}{} }()
			r.probeInstance(ctx, inst)
		}(inst)
	}
	for range instances {
		<-done
	}
}

// probeInstance issues the model-list probe, retrying once after a short
// backoff, then applies the outcome to the health state machine.
func (r *Registry) probeInstance(ctx context.Context, inst *Instance) {
	models, err := r.listModels(ctx, inst)
	if err != nil {
		select {
		case <-ctx.Done():
			return
		case <-time.After(probeRetryBackoff):
		}
		models, err = r.listModels(ctx, inst)
	}

	r.mu.Lock()
	inst.lastProbe = time.Now()
	if err == nil {
		// Refresh the loaded-model set from the live instance.
		inst.models = make(map[string]struct{}, len(models))
		for _, m := range models {
			inst.models[m] = struct{}{}
		}
	}
	r.recordResultLocked(inst, err == nil)
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("health probe failed",
			slog.String("instance", inst.Name),
			slog.String("error", err.Error()))
	}
}

// listModels calls GET {url}/api/tags and returns the model names.
func (r *Registry) listModels(ctx context.Context, inst *Instance) ([]string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, inst.URL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
