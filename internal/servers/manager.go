// Package servers tracks the region servers this master knows about and
// sends them open and close directives.
package servers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"regionmaster/internal/region"
)

var (
	// ErrServerNotOnline is returned for directives to a server that is not online.
	ErrServerNotOnline = errors.New("servers: server not online")
	// ErrServerDead is returned to a report from a server already expired.
	ErrServerDead = errors.New("servers: server already processed as dead")
)

// OpeningState is a region server's answer to an open directive.
type OpeningState uint8

const (
	Opened OpeningState = iota
	AlreadyOpened
	FailedOpening
)

func (s OpeningState) String() string {
	switch s {
	case Opened:
		return "OPENED"
	case AlreadyOpened:
		return "ALREADY_OPENED"
	case FailedOpening:
		return "FAILED_OPENING"
	}
	return fmt.Sprintf("OpeningState(%d)", uint8(s))
}

// RegionServerInvoker delivers directives to region servers. version is the
// transition node version the server must find before acting.
type RegionServerInvoker interface {
	OpenRegion(ctx context.Context, sn region.ServerName, r region.Region, version int32) (OpeningState, error)
	CloseRegion(ctx context.Context, sn region.ServerName, r region.Region, version int32) (bool, error)
}

// Load is what a region server reports with each heartbeat.
type Load struct {
	Regions  int
	Requests int64
}

// Listener is told about servers joining and being expired. Calls are made
// without the manager lock held.
type Listener interface {
	ServerAdded(sn region.ServerName)
	ServerRemoved(sn region.ServerName)
}

type serverInfo struct {
	load       Load
	lastReport time.Time
}

// Options configures a Manager.
type Options struct {
	// ExpiryTimeout is how long a server may stay silent before it is expired.
	ExpiryTimeout time.Duration
	SweepInterval time.Duration
	// MinServers is how many servers WaitForCheckIn waits for.
	MinServers int
	// CheckInWindow is how long after startup a server missing from the
	// registry may still be on its way. Zero trusts the registry at once.
	CheckInWindow time.Duration
	Invoker       RegionServerInvoker
	Logger        *zap.Logger
}

// Manager is the registry of online and dead servers.
type Manager struct {
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
	started time.Time

	mu        sync.RWMutex
	online    map[region.ServerName]*serverInfo
	dead      map[region.ServerName]time.Time
	listeners []Listener
}

// NewManager creates an empty registry.
func NewManager(opts Options) *Manager {
	if opts.ExpiryTimeout <= 0 {
		opts.ExpiryTimeout = 30 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:    opts,
		logger:  logger.Named("servers"),
		now:     time.Now,
		started: time.Now(),
		online:  make(map[region.ServerName]*serverInfo),
		dead:    make(map[region.ServerName]time.Time),
	}
}

// SetInvoker installs the directive transport.
func (m *Manager) SetInvoker(inv RegionServerInvoker) {
	m.mu.Lock()
	m.opts.Invoker = inv
	m.mu.Unlock()
}

// AddListener registers l for membership changes.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

func (m *Manager) listenersSnapshot() []Listener {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.listeners)
}

// RegionServerReport records a heartbeat. A report from a new start code
// on a known host and port expires the previous instance first.
func (m *Manager) RegionServerReport(sn region.ServerName, load Load) error {
	if sn.IsZero() {
		return fmt.Errorf("servers: empty server name")
	}
	var replaced []region.ServerName
	m.mu.Lock()
	if _, ok := m.dead[sn]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerDead, sn)
	}
	info, known := m.online[sn]
	if !known {
		for other := range m.online {
			if other.SameHostPort(sn) {
				replaced = append(replaced, other)
			}
		}
		info = &serverInfo{}
		m.online[sn] = info
	}
	info.load = load
	info.lastReport = m.now()
	m.mu.Unlock()

	for _, old := range replaced {
		m.logger.Info("server restarted with a new start code", zap.Stringer("old", old), zap.Stringer("new", sn))
		m.Expire(old)
	}
	if !known {
		m.logger.Info("server online", zap.Stringer("server", sn))
		for _, l := range m.listenersSnapshot() {
			l.ServerAdded(sn)
		}
	}
	return nil
}

// Expire moves sn from the online set to the dead set and notifies
// listeners. Expiring a server that is not online is a no-op.
func (m *Manager) Expire(sn region.ServerName) {
	m.mu.Lock()
	if _, ok := m.online[sn]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.online, sn)
	m.dead[sn] = m.now()
	m.mu.Unlock()

	m.logger.Warn("server expired", zap.Stringer("server", sn))
	for _, l := range m.listenersSnapshot() {
		l.ServerRemoved(sn)
	}
}

// IsOnline reports whether sn is in the online set.
func (m *Manager) IsOnline(sn region.ServerName) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.online[sn]
	return ok
}

// IsDead reports whether sn has been expired.
func (m *Manager) IsDead(sn region.ServerName) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.dead[sn]
	return ok
}

// DeadServers lists the expired servers.
func (m *Manager) DeadServers() []region.ServerName {
	m.mu.RLock()
	out := maps.Keys(m.dead)
	m.mu.RUnlock()
	sortServers(out)
	return out
}

// OnlineServers lists the online servers ordered by name.
func (m *Manager) OnlineServers() []region.ServerName {
	m.mu.RLock()
	out := maps.Keys(m.online)
	m.mu.RUnlock()
	sortServers(out)
	return out
}

// Load returns the last reported load of sn.
func (m *Manager) Load(sn region.ServerName) (Load, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.online[sn]
	if !ok {
		return Load{}, false
	}
	return info.load, true
}

// DestinationCandidates lists online servers not in exclude, least loaded first.
func (m *Manager) DestinationCandidates(exclude ...region.ServerName) []region.ServerName {
	m.mu.RLock()
	type cand struct {
		sn   region.ServerName
		load int
	}
	cands := make([]cand, 0, len(m.online))
	for sn, info := range m.online {
		if slices.Contains(exclude, sn) {
			continue
		}
		cands = append(cands, cand{sn: sn, load: info.load.Regions})
	}
	m.mu.RUnlock()
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].load != cands[j].load {
			return cands[i].load < cands[j].load
		}
		return cands[i].sn.String() < cands[j].sn.String()
	})
	out := make([]region.ServerName, len(cands))
	for i, c := range cands {
		out[i] = c.sn
	}
	return out
}

func sortServers(sns []region.ServerName) {
	sort.Slice(sns, func(i, j int) bool { return sns[i].String() < sns[j].String() })
}

// CheckInDone reports whether the check-in window has passed. Until then a
// server absent from the registry may simply not have reported yet.
func (m *Manager) CheckInDone() bool {
	return m.now().Sub(m.started) >= m.opts.CheckInWindow
}

// WaitForCheckIn blocks until the check-in window has passed and at least
// MinServers servers are online.
func (m *Manager) WaitForCheckIn(ctx context.Context) error {
	interval := 100 * time.Millisecond
	if w := m.opts.CheckInWindow; w > 0 && w < interval {
		interval = w
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastLogged := m.now()
	for {
		online := len(m.OnlineServers())
		if m.CheckInDone() && online >= m.opts.MinServers {
			m.logger.Info("servers checked in", zap.Int("online", online))
			return nil
		}
		if m.now().Sub(lastLogged) >= 10*time.Second {
			m.logger.Info("waiting for region servers to check in",
				zap.Int("online", online), zap.Int("min_servers", m.opts.MinServers))
			lastLogged = m.now()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run expires servers that stopped reporting until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.expireSilent()
		}
	}
}

func (m *Manager) expireSilent() {
	deadline := m.now().Add(-m.opts.ExpiryTimeout)
	var stale []region.ServerName
	m.mu.RLock()
	for sn, info := range m.online {
		if info.lastReport.Before(deadline) {
			stale = append(stale, sn)
		}
	}
	m.mu.RUnlock()
	for _, sn := range stale {
		m.Expire(sn)
	}
}

func (m *Manager) invoker() RegionServerInvoker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts.Invoker
}

// SendRegionOpen asks sn to open r.
func (m *Manager) SendRegionOpen(ctx context.Context, sn region.ServerName, r region.Region, version int32) (OpeningState, error) {
	if !m.IsOnline(sn) {
		return FailedOpening, fmt.Errorf("%w: %s", ErrServerNotOnline, sn)
	}
	inv := m.invoker()
	if inv == nil {
		return FailedOpening, fmt.Errorf("servers: no region server invoker configured")
	}
	return inv.OpenRegion(ctx, sn, r, version)
}

// SendRegionClose asks sn to close r.
func (m *Manager) SendRegionClose(ctx context.Context, sn region.ServerName, r region.Region, version int32) (bool, error) {
	if !m.IsOnline(sn) {
		return false, fmt.Errorf("%w: %s", ErrServerNotOnline, sn)
	}
	inv := m.invoker()
	if inv == nil {
		return false, fmt.Errorf("servers: no region server invoker configured")
	}
	return inv.CloseRegion(ctx, sn, r, version)
}
