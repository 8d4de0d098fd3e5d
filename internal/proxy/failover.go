package proxy

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Failover strategies. A group's strategy decides the order in which its
// members are tried; the walk itself is the same for all of them.
const (
	StrategyRoundRobin    = "round_robin"
	StrategyPriority      = "priority"
	StrategyHealthAware   = "health_aware"
	StrategyCostOptimized = "cost_optimized" // priority order where priority encodes cost rank
	StrategyLoadBalanced  = "load_balanced"
	StrategyFastestFirst  = "fastest_first"
)

// ErrNoCandidates is returned when every member of a group is unhealthy or
// filtered out.
var ErrNoCandidates = errors.New("failover: no healthy candidates")

type (
	// Member is one provider inside a failover group.
	Member struct {
		Provider string
		// Priority orders members for priority/cost_optimized strategies;
		// lower is tried first.
		Priority int
		// Weight biases load_balanced selection. Zero counts as one.
		Weight int
	}

	// Group is a named failover unit.
	Group struct {
		Name     string
		Members  []Member
		Strategy string
		// MaxAttempts caps how many members one request may burn through.
		// Zero means all of them.
		MaxAttempts int
		// HealthThreshold is the minimum health score (0..1) for a member to
		// be considered. Zero uses the manager default.
		HealthThreshold float64
	}

	memberStats struct {
		total          int64
		successful     int64
		totalLatencyMs int64
		lastUsed       time.Time
	}

	// Manager owns failover groups, member statistics, and health scores.
	// Selection reads breaker state so open providers never appear in a
	// candidate list.
	Manager struct {
		mu     sync.RWMutex
		groups map[string]*Group
		stats  map[string]*memberStats // keyed by group/provider
		health map[string]float64      // keyed by provider, 0..1

		cb               *CircuitBreaker
		defaultThreshold float64

		cursorMu sync.Mutex
		cursors  map[string]int // round-robin position per group
	}
)

// NewManager creates a failover manager. cb may be nil (breaker checks are
// skipped). defaultThreshold applies to groups with no explicit threshold.
func NewManager(cb *CircuitBreaker, defaultThreshold float64) *Manager {
	if defaultThreshold <= 0 {
		defaultThreshold = 0.5
	}
	return &Manager{
		groups:           make(map[string]*Group),
		stats:            make(map[string]*memberStats),
		health:           make(map[string]float64),
		cb:               cb,
		defaultThreshold: defaultThreshold,
		cursors:          make(map[string]int),
	}
}

// AddGroup registers or replaces a group.
func (m *Manager) AddGroup(g Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.Name] = &g
}

// Group returns a copy of the named group, or false.
func (m *Manager) Group(name string) (Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[name]
	if !ok {
		return Group{}, false
	}
	return *g, true
}

// SetHealthScore records the latest health score for provider (0..1).
// Providers with no recorded score count as fully healthy: no data is not
// evidence of failure.
func (m *Manager) SetHealthScore(provider string, score float64) {
	m.mu.Lock()
	m.health[provider] = score
	m.mu.Unlock()
}

// HealthScore returns the current score for provider (1.0 when unknown).
func (m *Manager) HealthScore(provider string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.health[provider]
	if !ok {
		return 1.0
	}
	return s
}

// Candidates returns the ordered providers a request to group should try,
// already filtered to healthy members and capped at MaxAttempts.
func (m *Manager) Candidates(group string) ([]string, error) {
	m.mu.RLock()
	g, ok := m.groups[group]
	if !ok {
		m.mu.RUnlock()
		return nil, ErrNoCandidates
	}
	threshold := g.HealthThreshold
	if threshold <= 0 {
		threshold = m.defaultThreshold
	}

	healthy := make([]Member, 0, len(g.Members))
	for _, mem := range g.Members {
		if s, tracked := m.health[mem.Provider]; tracked && s < threshold {
			continue
		}
		if m.cb != nil && m.cb.State(mem.Provider) == cbOpen {
			continue
		}
		healthy = append(healthy, mem)
	}
	strategy := g.Strategy
	maxAttempts := g.MaxAttempts
	m.mu.RUnlock()

	if len(healthy) == 0 {
		return nil, ErrNoCandidates
	}

	ordered := m.order(group, strategy, healthy)
	if maxAttempts > 0 && len(ordered) > maxAttempts {
		ordered = ordered[:maxAttempts]
	}
	return ordered, nil
}

func (m *Manager) order(group, strategy string, members []Member) []string {
	switch strategy {
	case StrategyRoundRobin:
		m.cursorMu.Lock()
		start := m.cursors[group] % len(members)
		m.cursors[group]++
		m.cursorMu.Unlock()
		out := make([]string, 0, len(members))
		for i := 0; i < len(members); i++ {
			out = append(out, members[(start+i)%len(members)].Provider)
		}
		return out

	case StrategyHealthAware:
		sort.SliceStable(members, func(i, j int) bool {
			return m.HealthScore(members[i].Provider) > m.HealthScore(members[j].Provider)
		})

	case StrategyLoadBalanced:
		return m.weightedOrder(members)

	case StrategyFastestFirst:
		m.mu.RLock()
		latency := func(p string) float64 {
			s, ok := m.stats[group+"/"+p]
			if !ok || s.total == 0 {
				return 0 // untried members go first
			}
			return float64(s.totalLatencyMs) / float64(s.total)
		}
		sort.SliceStable(members, func(i, j int) bool {
			return latency(members[i].Provider) < latency(members[j].Provider)
		})
		m.mu.RUnlock()

	default: // priority, cost_optimized
		sort.SliceStable(members, func(i, j int) bool {
			return members[i].Priority < members[j].Priority
		})
	}

	out := make([]string, len(members))
	for i, mem := range members {
		out[i] = mem.Provider
	}
	return out
}

// weightedOrder draws members without replacement, weighted by Weight.
func (m *Manager) weightedOrder(members []Member) []string {
	pool := make([]Member, len(members))
	copy(pool, members)
	out := make([]string, 0, len(pool))

	for len(pool) > 0 {
		total := 0
		for _, mem := range pool {
			w := mem.Weight
			if w <= 0 {
				w = 1
			}
			total += w
		}
		pick := rand.Intn(total)
		for i, mem := range pool {
			w := mem.Weight
			if w <= 0 {
				w = 1
			}
			if pick < w {
				out = append(out, mem.Provider)
				pool = append(pool[:i], pool[i+1:]...)
				break
			}
			pick -= w
		}
	}
	return out
}

// RecordAttempt updates per-member stats after one upstream call.
func (m *Manager) RecordAttempt(group, provider string, success bool, latency time.Duration) {
	key := group + "/" + provider
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stats[key]
	if !ok {
		s = &memberStats{}
		m.stats[key] = s
	}
	s.total++
	if success {
		s.successful++
	}
	s.totalLatencyMs += latency.Milliseconds()
	s.lastUsed = time.Now()
}

// MemberStats is the exported snapshot of one member's counters.
type MemberStats struct {
	Provider       string
	Total          int64
	Successful     int64
	AvgLatencyMs   int64
	LastUsed       time.Time
	SuccessPercent float64
}

// Stats returns per-member snapshots for group, sorted by provider name.
func (m *Manager) Stats(group string) []MemberStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[group]
	if !ok {
		return nil
	}
	out := make([]MemberStats, 0, len(g.Members))
	for _, mem := range g.Members {
		ms := MemberStats{Provider: mem.Provider}
		if s, ok := m.stats[group+"/"+mem.Provider]; ok && s.total > 0 {
			ms.Total = s.total
			ms.Successful = s.successful
			ms.AvgLatencyMs = s.totalLatencyMs / s.total
			ms.LastUsed = s.lastUsed
			ms.SuccessPercent = 100 * float64(s.successful) / float64(s.total)
		}
		out = append(out, ms)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Rebalance recomputes health scores from recent member stats. Called from
// the gateway's 60s ticker; success ratio feeds back into health so a
// provider failing live traffic decays even between active health probes.
func (m *Manager) Rebalance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.groups {
		for _, mem := range g.Members {
			s, ok := m.stats[g.Name+"/"+mem.Provider]
			if !ok || s.total == 0 {
				continue
			}
			ratio := float64(s.successful) / float64(s.total)
			// Blend with the probe-reported score when present.
			if probe, tracked := m.health[mem.Provider]; tracked {
				ratio = (ratio + probe) / 2
			}
			m.health[mem.Provider] = ratio
			// Decay counters so old failures age out.
			s.total /= 2
			s.successful /= 2
			s.totalLatencyMs /= 2
		}
	}
}
