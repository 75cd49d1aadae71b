// Package assignment decides which region server hosts each region and
// drives regions through open and close by writing versioned transition
// nodes and reacting to the records region servers write back.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"regionmaster/internal/balancer"
	"regionmaster/internal/catalog"
	"regionmaster/internal/coord"
	"regionmaster/internal/executor"
	"regionmaster/internal/observability/metrics"
	"regionmaster/internal/observability/tracing"
	"regionmaster/internal/region"
	"regionmaster/internal/retry"
	"regionmaster/internal/servers"
	"regionmaster/internal/tablestate"
	"regionmaster/internal/transition"
)

var (
	// ErrJoinAborted is returned by JoinCluster when the cluster view could
	// not be read. Abort has been called by then.
	ErrJoinAborted = errors.New("assignment: join aborted")
	// ErrRegionNotOnline is returned by Unassign and Move for a region that
	// is not open anywhere.
	ErrRegionNotOnline = errors.New("assignment: region not online")
)

const lockStripes = 64

// Hooks are called at fixed points of the engine. They run synchronously
// and must not call back into the Manager.
type Hooks struct {
	// OnAssign is called for every assignment attempt, including
	// reassignments driven by transition records and timeouts.
	OnAssign func(r region.Region, forceNewPlan bool)
	// BeforeProcessRegionInTransition is called by JoinCluster before a
	// recovered transition node is re-driven.
	BeforeProcessRegionInTransition func(rec transition.Record, version int32)
}

// Options configures a Manager. Coord, Catalog and Servers are required.
type Options struct {
	// ServerName is written into the records this master creates.
	ServerName region.ServerName
	Namespace  string

	Coord    coord.Client
	Catalog  catalog.Catalog
	Servers  *servers.Manager
	Balancer *balancer.Adapter
	Tables   *tablestate.Tracker
	// Executor runs open and close directives. A pool owned by the
	// Manager is created when nil.
	Executor *executor.Pool

	EventWorkers int
	// ServerWorkers bounds how many dead servers are recovered at once.
	ServerWorkers        int
	QueueSize            int
	TransitionTimeout    time.Duration
	TimeoutMonitorPeriod time.Duration
	// BalancerPeriod enables the periodic balancer when positive.
	BalancerPeriod time.Duration
	OpenRetry      retry.Policy

	Hooks   Hooks
	Metrics *metrics.AssignmentCollector
	Logger  *zap.Logger
	// Abort is called when the master can no longer trust its view of the
	// cluster. The default logs at fatal level, which exits the process.
	Abort func(reason string, err error)
}

// Manager is the assignment engine.
type Manager struct {
	opts    Options
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *metrics.AssignmentCollector

	nodes    *transition.Nodes
	states   *RegionStates
	catalog  catalog.Catalog
	servers  *servers.Manager
	balancer *balancer.Adapter
	tables   *tablestate.Tracker

	events         *executor.Pool
	directives     *executor.Pool
	serverOps      *executor.Pool
	ownsDirectives bool

	// unclaimed holds regions the catalog places on servers that had not
	// checked in when JoinCluster ran.
	unclaimedMu sync.Mutex
	unclaimed   map[region.ServerName][]region.Region

	locks [lockStripes]sync.Mutex
	now   func() time.Time

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	unwatch     func()
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager validates opts and builds a stopped Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Coord == nil {
		return nil, fmt.Errorf("assignment: coordination client is required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("assignment: catalog is required")
	}
	if opts.Servers == nil {
		return nil, fmt.Errorf("assignment: server manager is required")
	}
	if opts.Namespace == "" {
		opts.Namespace = "regionmaster"
	}
	if opts.EventWorkers <= 0 {
		opts.EventWorkers = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.ServerWorkers <= 0 {
		opts.ServerWorkers = 3
	}
	if opts.TransitionTimeout <= 0 {
		opts.TransitionTimeout = 30 * time.Second
	}
	if opts.TimeoutMonitorPeriod <= 0 {
		opts.TimeoutMonitorPeriod = opts.TransitionTimeout / 3
	}
	if opts.OpenRetry == (retry.Policy{}) {
		opts.OpenRetry = retry.DefaultPolicy
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("assignment")
	if opts.Abort == nil {
		opts.Abort = func(reason string, err error) {
			logger.Fatal("aborting master", zap.String("reason", reason), zap.Error(err))
		}
	}
	if opts.Balancer == nil {
		opts.Balancer = balancer.NewAdapter(balancer.NewDefaultBalancer(time.Now().UnixNano()), opts.Servers)
	}
	if opts.Tables == nil {
		opts.Tables = tablestate.NewTracker(opts.Coord, opts.Namespace)
	}

	m := &Manager{
		opts:      opts,
		logger:    logger,
		tracer:    tracing.Tracer(),
		metrics:   opts.Metrics,
		nodes:     transition.NewNodes(opts.Coord, opts.Namespace),
		states:    NewRegionStates(),
		catalog:   opts.Catalog,
		servers:   opts.Servers,
		balancer:  opts.Balancer,
		tables:    opts.Tables,
		events:    executor.NewKeyedPool(opts.EventWorkers, opts.QueueSize, logger.Named("events")),
		serverOps: executor.NewPool(opts.ServerWorkers, opts.QueueSize, logger.Named("serverops")),
		unclaimed: make(map[region.ServerName][]region.Region),
		now:       time.Now,
	}
	m.directives = opts.Executor
	if m.directives == nil {
		m.directives = executor.NewPool(opts.EventWorkers, opts.QueueSize, logger.Named("directives"))
		m.ownsDirectives = true
	}
	return m, nil
}

// States exposes the region state table.
func (m *Manager) States() *RegionStates { return m.states }

// Nodes exposes the transition node helpers bound to this master's namespace.
func (m *Manager) Nodes() *transition.Nodes { return m.nodes }

// Tables exposes the table state tracker.
func (m *Manager) Tables() *tablestate.Tracker { return m.tables }

func (m *Manager) lockFor(encoded string) *sync.Mutex {
	return &m.locks[xxhash.Sum64String(encoded)%lockStripes]
}

// Start begins watching transition nodes and server membership and starts
// the timeout monitor. JoinCluster is normally called right after.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.stopped {
		return executor.ErrClosed
	}
	if m.started {
		return nil
	}
	unwatch, err := m.nodes.Watch(m)
	if err != nil {
		return fmt.Errorf("watch %s: %w", m.nodes.Root(), err)
	}
	m.unwatch = unwatch
	m.servers.AddListener(serverListener{m: m})

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runTimeoutMonitor(runCtx)
	}()
	if m.opts.BalancerPeriod > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runBalancerLoop(runCtx)
		}()
	}
	m.started = true
	m.logger.Info("assignment manager started",
		zap.String("namespace", m.opts.Namespace),
		zap.Stringer("server", m.opts.ServerName))
	return nil
}

// Stop unwatches, stops the background loops and drains the pools.
func (m *Manager) Stop() {
	m.lifecycleMu.Lock()
	if m.stopped {
		m.lifecycleMu.Unlock()
		return
	}
	m.stopped = true
	if m.unwatch != nil {
		m.unwatch()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.lifecycleMu.Unlock()

	m.wg.Wait()
	m.events.Close()
	m.serverOps.Close()
	if m.ownsDirectives {
		m.directives.Close()
	}
}

// Process implements coord.Watcher. It decodes the record and queues it
// on the worker owning the region so records of one region apply in order.
func (m *Manager) Process(ev coord.Event) {
	if ev.Type == coord.NodeDeleted {
		return
	}
	rec, err := transition.Unmarshal(ev.Data)
	if err != nil {
		m.logger.Warn("ignoring undecodable transition node", zap.String("path", ev.Path), zap.Error(err))
		return
	}
	encoded := rec.EncodedName()
	err = m.events.SubmitKeyed(context.Background(), encoded, "transition "+rec.Type.String(), func(ctx context.Context) {
		m.handleRecord(ctx, rec, ev.Version)
	})
	if err != nil {
		m.logger.Debug("dropping transition event", zap.String("region", encoded), zap.Error(err))
	}
}

// dispatch hands task to the directive pool without blocking, since it is
// also called from directive tasks. Callers must not hold a region lock.
func (m *Manager) dispatch(name string, task executor.Task) {
	if task == nil {
		return
	}
	if err := m.directives.Dispatch(name, task); err != nil {
		m.logger.Warn("directive not dispatched", zap.String("task", name), zap.Error(err))
	}
}

func (m *Manager) reportGauges() {
	m.metrics.SetRegionsInTransition(m.states.Count())
	m.metrics.SetServers(len(m.servers.OnlineServers()), len(m.servers.DeadServers()))
}

type serverListener struct {
	m *Manager
}

func (l serverListener) ServerAdded(sn region.ServerName) {
	m := l.m
	m.logger.Info("region server online", zap.Stringer("server", sn))
	m.claim(sn)
	m.reportGauges()
	err := m.serverOps.Dispatch("place offline regions", func(ctx context.Context) {
		m.placeOffline(ctx)
	})
	if err != nil {
		m.logger.Warn("placing offline regions not scheduled", zap.Error(err))
	}
}

func (l serverListener) ServerRemoved(sn region.ServerName) {
	m := l.m
	m.logger.Info("region server expired, scheduling recovery", zap.Stringer("server", sn))
	m.reportGauges()
	err := m.serverOps.Dispatch("server shutdown "+sn.String(), func(ctx context.Context) {
		if err := m.ProcessServerShutdown(ctx, sn); err != nil {
			m.logger.Error("server shutdown processing failed", zap.Stringer("server", sn), zap.Error(err))
		}
	})
	if err != nil {
		m.logger.Error("server shutdown not scheduled", zap.Stringer("server", sn), zap.Error(err))
	}
}

// placeOffline retries the regions left OFFLINE without a destination
// because no server could take them.
func (m *Manager) placeOffline(ctx context.Context) {
	for _, rs := range m.states.InTransition() {
		if rs.State != region.Offline || !rs.Server.IsZero() {
			continue
		}
		encoded := rs.Region.EncodedName()
		mu := m.lockFor(encoded)
		mu.Lock()
		var task executor.Task
		var err error
		if cur, ok := m.states.Get(encoded); ok && cur.State == region.Offline && cur.Server.IsZero() {
			task, err = m.reassignLocked(ctx, cur, true)
		}
		mu.Unlock()
		if err != nil {
			m.logger.Warn("placing offline region failed", zap.String("region", encoded), zap.Error(err))
		}
		m.dispatch("open "+encoded, task)
	}
}
