// Package upstreammgr owns the live set of upstream clients, their compiled
// router, and per-upstream health state, all guarded by a single RWMutex so
// that reload() can swap the whole state atomically (spec §4.6).
package upstreammgr

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ocimirror/ocimirror/internal/metadata"
	"github.com/ocimirror/ocimirror/internal/router"
	"github.com/ocimirror/ocimirror/internal/upstream"
)

// Provider supplies upstream configuration and persists CRUD writes back to
// durable storage (the config file or metadata store, depending on
// deployment). reload() re-reads from it.
type Provider interface {
	ListUpstreams(ctx context.Context) ([]metadata.UpstreamConfig, error)
	ListRoutes(ctx context.Context) ([]metadata.Route, error)
	UpsertUpstream(ctx context.Context, cfg metadata.UpstreamConfig) error
	DeleteUpstream(ctx context.Context, name string) error
	ReplaceRoutes(ctx context.Context, upstreamName string, routes []metadata.Route) error
}

// Health is the last known health state of one upstream.
type Health struct {
	Healthy            bool
	LastCheck          time.Time
	LastError          string
	ConsecutiveFailures int
}

// UpstreamInfo is what find_upstream/get_upstream_by_name hand back to callers.
type UpstreamInfo struct {
	Name   string
	Client upstream.Interface
	Config metadata.UpstreamConfig
	Health Health
}

// unhealthyThreshold: an upstream with fewer than this many consecutive
// failures is still "considered healthy" even if the last probe failed
// (spec §4.6 find_upstream()).
const unhealthyThreshold = 3

// reloadCooldown rate-limits manual reloads to one per this interval
// (spec §4.6: "at most one manual reload per 5 seconds").
const reloadCooldown = 5 * time.Second

type state struct {
	clients map[string]upstream.Interface
	configs map[string]metadata.UpstreamConfig
	health  map[string]Health
	router  *router.Router
	deflt   string
}

// Manager is the upstream manager described in spec §4.6.
type Manager struct {
	provider     Provider
	log          *slog.Logger
	clientFactory func(upstream.Config) upstream.Interface

	mu    sync.RWMutex
	state state

	lastReloadUnixNano atomic.Int64
}

// New constructs a Manager and performs an initial reload from provider.
func New(ctx context.Context, provider Provider, log *slog.Logger) (*Manager, error) {
	return NewWithClientFactory(ctx, provider, log, func(cfg upstream.Config) upstream.Interface { return upstream.New(cfg) })
}

// NewWithClientFactory is like New but lets the caller override how
// upstream.Interface clients are constructed — used by tests to substitute
// fakes instead of real HTTP clients.
func NewWithClientFactory(ctx context.Context, provider Provider, log *slog.Logger, factory func(upstream.Config) upstream.Interface) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{provider: provider, log: log, clientFactory: factory}
	if err := m.Reload(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads configuration, rebuilds clients and the router, and swaps
// state under a write lock (spec §4.6). Disabled upstreams are skipped.
func (m *Manager) Reload(ctx context.Context) error {
	configs, err := m.provider.ListUpstreams(ctx)
	if err != nil {
		return err
	}
	routeSpecs, err := m.provider.ListRoutes(ctx)
	if err != nil {
		return err
	}

	clients := make(map[string]upstream.Interface, len(configs))
	configByName := make(map[string]metadata.UpstreamConfig, len(configs))
	var defaultName string

	for _, c := range configs {
		if !c.Enabled {
			continue
		}
		clients[c.Name] = m.clientFactory(upstream.Config{
			Name:           c.Name,
			BaseURL:        c.BaseURL,
			RegistryPrefix: c.RegistryPrefix,
			Username:       c.Username,
			Password:       c.Password,
			SkipTLSVerify:  c.SkipTLSVerify,
		})
		configByName[c.Name] = c
		if c.Default {
			defaultName = c.Name
		}
	}

	specs := make([]router.RouteSpec, 0, len(routeSpecs))
	for _, r := range routeSpecs {
		if _, enabled := clients[r.UpstreamName]; !enabled {
			continue
		}
		specs = append(specs, router.RouteSpec{UpstreamName: r.UpstreamName, Pattern: r.Pattern, Priority: r.Priority})
	}

	m.mu.Lock()
	oldHealth := m.state.health
	newHealth := make(map[string]Health, len(clients))
	for name := range clients {
		if h, ok := oldHealth[name]; ok {
			newHealth[name] = h
		} else {
			newHealth[name] = Health{Healthy: true}
		}
	}
	m.state = state{
		clients: clients,
		configs: configByName,
		health:  newHealth,
		router:  router.New(specs),
		deflt:   defaultName,
	}
	m.mu.Unlock()

	m.log.Info("upstream configuration reloaded", "upstreams", len(clients), "routes", len(specs))
	return nil
}

// isConsideredHealthy mirrors spec §4.6: healthy OR consecutive_failures < 3.
func isConsideredHealthy(h Health) bool {
	return h.Healthy || h.ConsecutiveFailures < unhealthyThreshold
}

// FindUpstream resolves the best upstream for repo: the best route-match
// that is considered healthy; falling back to the default; else any
// considered-healthy upstream; else none (spec §4.6).
func (m *Manager) FindUpstream(repo string) (UpstreamInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state.router != nil {
		if match, ok := m.state.router.Select(repo); ok {
			if info, found := m.lookupLocked(match.UpstreamName); found && isConsideredHealthy(info.Health) {
				return info, true
			}
		}
	}

	if m.state.deflt != "" {
		if info, found := m.lookupLocked(m.state.deflt); found && isConsideredHealthy(info.Health) {
			return info, true
		}
	}

	for name := range m.state.clients {
		if info, found := m.lookupLocked(name); found && isConsideredHealthy(info.Health) {
			return info, true
		}
	}
	return UpstreamInfo{}, false
}

// GetUpstreamByName returns the named upstream regardless of health.
func (m *Manager) GetUpstreamByName(name string) (UpstreamInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(name)
}

func (m *Manager) lookupLocked(name string) (UpstreamInfo, bool) {
	client, ok := m.state.clients[name]
	if !ok {
		return UpstreamInfo{}, false
	}
	return UpstreamInfo{
		Name:   name,
		Client: client,
		Config: m.state.configs[name],
		Health: m.state.health[name],
	}, true
}

// CheckUpstreamHealth pings name and records the result (spec §4.6).
func (m *Manager) CheckUpstreamHealth(ctx context.Context, name string) {
	m.mu.RLock()
	client, ok := m.state.clients[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	ok = client.Ping(ctx)
	if ok {
		m.MarkHealthy(name)
	} else {
		m.MarkUnhealthy(name, "ping failed")
	}
}

// CheckAllHealth probes every upstream sequentially and returns the
// resulting health snapshot (spec §4.6).
func (m *Manager) CheckAllHealth(ctx context.Context) map[string]Health {
	m.mu.RLock()
	names := make([]string, 0, len(m.state.clients))
	for name := range m.state.clients {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.CheckUpstreamHealth(ctx, name)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Health, len(m.state.health))
	for k, v := range m.state.health {
		out[k] = v
	}
	return out
}

// CheckAllHealthConcurrently probes every upstream in parallel via
// errgroup, bounding total wall-clock to the slowest single probe rather
// than the sum (used by the background health-probe loop; CheckAllHealth
// remains available for callers that need strict sequential semantics).
func (m *Manager) CheckAllHealthConcurrently(ctx context.Context) map[string]Health {
	m.mu.RLock()
	names := make([]string, 0, len(m.state.clients))
	for name := range m.state.clients {
		names = append(names, name)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		name := name
		g.Go(func() error {
			m.CheckUpstreamHealth(gctx, name)
			return nil
		})
	}
	_ = g.Wait()

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Health, len(m.state.health))
	for k, v := range m.state.health {
		out[k] = v
	}
	return out
}

// MarkUnhealthy records a failed probe: increments consecutive_failures and
// sets healthy=false (spec §4.6).
func (m *Manager) MarkUnhealthy(name, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.state.health[name]
	h.Healthy = false
	h.LastCheck = time.Now()
	h.LastError = reason
	h.ConsecutiveFailures++
	m.state.health[name] = h
	m.log.Warn("upstream marked unhealthy", "upstream", name, "reason", reason, "consecutive_failures", h.ConsecutiveFailures)
}

// MarkHealthy records a successful probe, resetting the failure counter and
// logging recovery if the upstream was previously unhealthy (spec §4.6).
func (m *Manager) MarkHealthy(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.state.health[name]
	wasUnhealthy := !h.Healthy
	h.Healthy = true
	h.LastCheck = time.Now()
	h.LastError = ""
	h.ConsecutiveFailures = 0
	m.state.health[name] = h
	if wasUnhealthy {
		m.log.Info("upstream recovered", "upstream", name)
	}
}

// RequestReload attempts a manual reload, rate-limited to one per
// reloadCooldown using a single atomic timestamp compare-and-swap
// (spec §4.6). Returns false if the cooldown hasn't elapsed.
func (m *Manager) RequestReload(ctx context.Context) (bool, error) {
	now := time.Now().UnixNano()
	for {
		last := m.lastReloadUnixNano.Load()
		if now-last < int64(reloadCooldown) {
			return false, nil
		}
		if m.lastReloadUnixNano.CompareAndSwap(last, now) {
			break
		}
	}
	return true, m.Reload(ctx)
}

// AddOrUpdateUpstream delegates to the provider then reloads (spec §4.6
// config write path).
func (m *Manager) AddOrUpdateUpstream(ctx context.Context, cfg metadata.UpstreamConfig) error {
	if err := m.provider.UpsertUpstream(ctx, cfg); err != nil {
		return err
	}
	return m.Reload(ctx)
}

// RemoveUpstream delegates to the provider then reloads.
func (m *Manager) RemoveUpstream(ctx context.Context, name string) error {
	if err := m.provider.DeleteUpstream(ctx, name); err != nil {
		return err
	}
	return m.Reload(ctx)
}

// SetRoutes replaces all routes for an upstream then reloads.
func (m *Manager) SetRoutes(ctx context.Context, upstreamName string, routes []metadata.Route) error {
	if err := m.provider.ReplaceRoutes(ctx, upstreamName, routes); err != nil {
		return err
	}
	return m.Reload(ctx)
}

// RunHealthLoop probes all upstreams on a fixed interval until ctx is
// canceled. Not itself mandated by spec §4.6, which describes on-demand
// probing; this loop exists so health state stays fresh between requests.
func (m *Manager) RunHealthLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAllHealthConcurrently(ctx)
		}
	}
}
