package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/opencui/structi-sub001/internal/meta"
	"github.com/opencui/structi-sub001/internal/metrics"
	"github.com/opencui/structi-sub001/internal/recognizer"
)

var ErrAgentNotFound = errors.New("agent not found")

type entry struct {
	rt       *Runtime
	loadedAt time.Time
}

// Info summarizes a cached runtime.
type Info struct {
	Agent   string    `json:"agent"`
	Version int64     `json:"version"`
	Lang    string    `json:"lang"`
	BuiltAt time.Time `json:"built_at"`
	Frames  int       `json:"frames"`
	Index   int       `json:"exemplars"`
}

// Registry caches one runtime per agent. Versions only move forward; an
// expired entry is revalidated against the provider on next use and keeps
// serving if the provider fails.
type Registry struct {
	mu         sync.RWMutex
	data       map[string]entry
	ttl        time.Duration
	provider   meta.Provider
	normalizer recognizer.Normalizer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	loads      singleflight.Group
}

func NewRegistry(provider meta.Provider, normalizer recognizer.Normalizer, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		data:       make(map[string]entry),
		ttl:        ttl,
		provider:   provider,
		normalizer: normalizer,
		metrics:    m,
		logger:     logger,
	}
}

// Runtime returns the cached runtime, loading it on first use.
func (r *Registry) Runtime(ctx context.Context, agent string) (*Runtime, error) {
	r.mu.RLock()
	e, ok := r.data[agent]
	r.mu.RUnlock()
	if ok && !r.isExpired(e) {
		return e.rt, nil
	}

	rt, err := r.Reload(ctx, agent)
	if err != nil {
		if ok {
			r.logger.Warn("agent revalidation failed, serving cached version", "agent", agent, "version", e.rt.Version, "error", err)
			return e.rt, nil
		}
		return nil, err
	}
	return rt, nil
}

// Reload fetches the agent's bundle and rebuilds the runtime when the
// version moved forward. Concurrent reloads of one agent share a build.
func (r *Registry) Reload(ctx context.Context, agent string) (*Runtime, error) {
	if r.provider == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agent)
	}
	v, err, _ := r.loads.Do(agent, func() (any, error) {
		return r.reload(ctx, agent)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Runtime), nil
}

func (r *Registry) reload(ctx context.Context, agent string) (*Runtime, error) {
	b, err := r.provider.Load(ctx, agent)
	if err != nil {
		if errors.Is(err, meta.ErrNotFound) {
			err = fmt.Errorf("%w: %s", ErrAgentNotFound, agent)
		}
		r.metrics.ObserveReload(agent, err)
		return nil, err
	}

	r.mu.Lock()
	current, ok := r.data[agent]
	if ok && b.Version <= current.rt.Version {
		current.loadedAt = time.Now()
		r.data[agent] = current
		r.mu.Unlock()
		if b.Version < current.rt.Version {
			r.logger.Warn("ignoring older agent bundle", "agent", agent, "version", b.Version, "current", current.rt.Version)
		}
		return current.rt, nil
	}
	r.mu.Unlock()

	start := time.Now()
	rt, err := Build(b, r.normalizer, r.logger)
	r.metrics.ObserveReload(agent, err)
	if err != nil {
		return nil, err
	}
	r.Set(rt)
	r.logger.Info("agent loaded",
		"agent", agent,
		"version", rt.Version,
		"frames", len(rt.Schema.Frames),
		"exemplars", rt.Index.Len(),
		"build_ms", time.Since(start).Milliseconds(),
	)
	return r.current(agent), nil
}

// Set installs rt unless a newer version is already cached. It reports
// whether rt was installed.
func (r *Registry) Set(rt *Runtime) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.data[rt.Agent]
	if ok && rt.Version < current.rt.Version {
		return false
	}
	r.data[rt.Agent] = entry{rt: rt, loadedAt: time.Now()}
	return true
}

func (r *Registry) current(agent string) *Runtime {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.data[agent].rt
}

func (r *Registry) Remove(agent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, agent)
}

// List describes every cached runtime, sorted by agent.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.data))
	for _, e := range r.data {
		out = append(out, Info{
			Agent:   e.rt.Agent,
			Version: e.rt.Version,
			Lang:    e.rt.Lang,
			BuiltAt: e.rt.BuiltAt,
			Frames:  len(e.rt.Schema.Frames),
			Index:   e.rt.Index.Len(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// Preload builds every agent the provider knows about. Individual failures
// are logged; only listing the agents can fail the call.
func (r *Registry) Preload(ctx context.Context, parallelism int) error {
	if r.provider == nil {
		return nil
	}
	names, err := r.provider.Agents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, name := range names {
		name := name // per-iteration copy (go 1.21 loop semantics)
		g.Go(func() error {
			if _, err := r.Reload(gctx, name); err != nil {
				r.logger.Warn("agent preload failed", "agent", name, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Registry) isExpired(e entry) bool {
	if r.ttl <= 0 {
		return false
	}
	return time.Since(e.loadedAt) > r.ttl
}
