package assignment

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"regionmaster/internal/coord"
	"regionmaster/internal/executor"
	"regionmaster/internal/observability/tracing"
	"regionmaster/internal/region"
	"regionmaster/internal/retry"
	"regionmaster/internal/servers"
	"regionmaster/internal/tablestate"
	"regionmaster/internal/transition"
)

// Assign opens r on a server. It returns once the OFFLINE node is written
// and the open directive is queued; the outcome arrives through transition
// records. A region already in transition is left alone. forceNewPlan
// discards any existing plan. A region no server can take stays OFFLINE in
// transition and is placed once one can.
func (m *Manager) Assign(ctx context.Context, r region.Region, forceNewPlan bool) error {
	encoded := r.EncodedName()
	ctx, span := m.tracer.Start(ctx, "assignment.Assign", tracing.RegionAttrs(encoded, ""))
	defer span.End()

	if h := m.opts.Hooks.OnAssign; h != nil {
		h(r, forceNewPlan)
	}
	mu := m.lockFor(encoded)
	mu.Lock()
	task, err := m.assignLocked(ctx, r, forceNewPlan)
	mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	m.dispatch("open "+encoded, task)
	return nil
}

func (m *Manager) assignLocked(ctx context.Context, r region.Region, forceNewPlan bool) (executor.Task, error) {
	encoded := r.EncodedName()
	if rs, ok := m.states.Get(encoded); ok {
		m.logger.Debug("region already in transition", zap.String("region", encoded), zap.Stringer("state", rs.State))
		return nil, nil
	}
	if m.tables.IsDisablingOrDisabled(r.Table) {
		m.logger.Info("table disabled, not assigning", zap.String("region", encoded), zap.String("table", r.Table))
		return nil, nil
	}
	plan, err := m.planFor(r, forceNewPlan)
	if err != nil {
		// parked OFFLINE without a node; placed once a server shows up or
		// the timeout monitor fires
		m.states.Update(r, region.Offline, region.ServerName{}, coord.AnyVersion)
		return nil, fmt.Errorf("plan %s: %w", encoded, err)
	}
	return m.createOfflineLocked(ctx, r, plan)
}

func (m *Manager) createOfflineLocked(ctx context.Context, r region.Region, plan region.RegionPlan) (executor.Task, error) {
	encoded := r.EncodedName()
	m.states.Update(r, region.Offline, plan.Destination, coord.AnyVersion)
	version, err := m.nodes.CreateOffline(ctx, r, m.opts.ServerName)
	if errors.Is(err, coord.ErrNodeExists) {
		m.states.Remove(encoded)
		m.logger.Info("transition node exists, another actor owns the region", zap.String("region", encoded))
		return nil, nil
	}
	if err != nil {
		m.states.Remove(encoded)
		return nil, fmt.Errorf("create offline node for %s: %w", encoded, err)
	}
	m.states.Update(r, region.PendingOpen, plan.Destination, version)
	m.metrics.Assign()
	m.logger.Debug("assigning region",
		zap.String("region", encoded),
		zap.Stringer("server", plan.Destination),
		zap.Int32("version", version))
	return m.openTask(r, plan.Destination, version), nil
}

// planFor returns the plan to use for r. The stored plan is kept unless
// force is set, its destination went away or it is excluded.
func (m *Manager) planFor(r region.Region, force bool, exclude ...region.ServerName) (region.RegionPlan, error) {
	encoded := r.EncodedName()
	if !force {
		if p, ok := m.states.Plan(encoded); ok && m.servers.IsOnline(p.Destination) && !slices.Contains(exclude, p.Destination) {
			return p, nil
		}
	}
	_, source, _ := m.states.ServerOf(encoded)
	p, err := m.balancer.Plan(r, source, exclude...)
	if err != nil {
		return region.RegionPlan{}, err
	}
	m.states.SetPlan(p)
	return p, nil
}

// reassignLocked takes back a region whose current attempt is over by
// forcing its node to OFFLINE at the version last seen, then sends it to
// a destination. A version mismatch means a newer record is on its way and
// nothing is done. An entry that never had a node gets a fresh one.
func (m *Manager) reassignLocked(ctx context.Context, rs region.RegionState, force bool, exclude ...region.ServerName) (executor.Task, error) {
	r := rs.Region
	encoded := r.EncodedName()
	if h := m.opts.Hooks.OnAssign; h != nil {
		h(r, force)
	}
	if m.tables.IsDisablingOrDisabled(r.Table) {
		if err := m.nodes.Remove(ctx, encoded); err != nil {
			return nil, err
		}
		m.states.Remove(encoded)
		m.states.DropPlan(encoded)
		m.states.RegionOffline(r)
		return nil, nil
	}
	plan, err := m.planFor(r, force, exclude...)
	if err != nil {
		m.states.Update(r, region.Offline, region.ServerName{}, rs.Version)
		return nil, fmt.Errorf("plan %s: %w", encoded, err)
	}
	if rs.Version == coord.AnyVersion {
		return m.createOfflineLocked(ctx, r, plan)
	}
	version, err := m.nodes.ForceOffline(ctx, r, m.opts.ServerName, rs.Version)
	if errors.Is(err, coord.ErrBadVersion) {
		m.logger.Debug("node moved on, not reassigning", zap.String("region", encoded), zap.Int32("version", rs.Version))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("force %s offline: %w", encoded, err)
	}
	m.states.Update(r, region.PendingOpen, plan.Destination, version)
	m.metrics.Assign()
	m.logger.Info("reassigning region",
		zap.String("region", encoded),
		zap.Stringer("server", plan.Destination),
		zap.Int32("version", version))
	return m.openTask(r, plan.Destination, version), nil
}

func (m *Manager) openTask(r region.Region, dest region.ServerName, version int32) executor.Task {
	return func(ctx context.Context) {
		state, err := retry.Do(ctx, m.opts.OpenRetry, func() (servers.OpeningState, error) {
			st, err := m.servers.SendRegionOpen(ctx, dest, r, version)
			if errors.Is(err, servers.ErrServerNotOnline) {
				return st, retry.Permanent(err)
			}
			return st, err
		})
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			m.logger.Warn("open directive failed, picking another server",
				zap.String("region", r.EncodedName()), zap.Stringer("server", dest), zap.Error(err))
			m.retryOpen(ctx, r, dest, version)
		case state == servers.AlreadyOpened:
			m.alreadyOpened(ctx, r, dest, version)
		case state == servers.FailedOpening:
			m.logger.Warn("region server refused to open region",
				zap.String("region", r.EncodedName()), zap.Stringer("server", dest))
			m.retryOpen(ctx, r, dest, version)
		}
	}
}

// attemptLocked returns the entry if it still describes the attempt sent
// to sn at version.
func (m *Manager) attemptLocked(encoded string, sn region.ServerName, version int32, states ...region.State) (region.RegionState, bool) {
	rs, ok := m.states.Get(encoded)
	if !ok || rs.Server != sn || rs.Version != version {
		return rs, false
	}
	return rs, slices.Contains(states, rs.State)
}

func (m *Manager) retryOpen(ctx context.Context, r region.Region, failed region.ServerName, version int32) {
	encoded := r.EncodedName()
	mu := m.lockFor(encoded)
	mu.Lock()
	rs, ok := m.attemptLocked(encoded, failed, version, region.PendingOpen)
	if !ok {
		mu.Unlock()
		return
	}
	m.states.DropPlan(encoded)
	task, err := m.reassignLocked(ctx, rs, true, failed)
	mu.Unlock()
	if err != nil {
		m.logger.Warn("reassign failed", zap.String("region", encoded), zap.Error(err))
	}
	m.dispatch("open "+encoded, task)
}

func (m *Manager) alreadyOpened(ctx context.Context, r region.Region, sn region.ServerName, version int32) {
	encoded := r.EncodedName()
	mu := m.lockFor(encoded)
	mu.Lock()
	defer mu.Unlock()
	if _, ok := m.attemptLocked(encoded, sn, version, region.PendingOpen); !ok {
		return
	}
	if err := m.nodes.Delete(ctx, encoded, transition.MasterOffline, version); err != nil && !errors.Is(err, coord.ErrNoNode) {
		m.logger.Warn("deleting offline node of opened region", zap.String("region", encoded), zap.Error(err))
		return
	}
	m.states.RegionOnline(r, sn)
	m.logger.Info("region already open", zap.String("region", encoded), zap.Stringer("server", sn))
}

// Unassign closes r on the server it is open on. When the region turns out
// to be splitting the close is considered done.
func (m *Manager) Unassign(ctx context.Context, r region.Region) error {
	encoded := r.EncodedName()
	ctx, span := m.tracer.Start(ctx, "assignment.Unassign", tracing.RegionAttrs(encoded, ""))
	defer span.End()

	mu := m.lockFor(encoded)
	mu.Lock()
	task, err := m.unassignLocked(ctx, r)
	mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	m.dispatch("close "+encoded, task)
	return nil
}

func (m *Manager) unassignLocked(ctx context.Context, r region.Region) (executor.Task, error) {
	encoded := r.EncodedName()
	if rs, ok := m.states.Get(encoded); ok {
		m.logger.Debug("region already in transition", zap.String("region", encoded), zap.Stringer("state", rs.State))
		return nil, nil
	}
	online, sn, ok := m.states.ServerOf(encoded)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotOnline, encoded)
	}
	m.states.Update(online, region.PendingClose, sn, coord.AnyVersion)
	version, err := m.nodes.CreateClosing(ctx, online, m.opts.ServerName)
	if errors.Is(err, coord.ErrNodeExists) {
		m.states.Remove(encoded)
		rec, _, rerr := m.nodes.Read(ctx, encoded)
		if rerr == nil && (rec.Type == transition.ServerSplitting || rec.Type == transition.ServerSplit) {
			m.logger.Info("region is splitting, close not needed", zap.String("region", encoded))
			return nil, nil
		}
		m.logger.Info("transition node exists, another actor owns the region", zap.String("region", encoded))
		return nil, nil
	}
	if err != nil {
		m.states.Remove(encoded)
		return nil, fmt.Errorf("create closing node for %s: %w", encoded, err)
	}
	m.states.Update(online, region.PendingClose, sn, version)
	m.metrics.Unassign()
	return m.closeTask(online, sn, version), nil
}

func (m *Manager) closeTask(r region.Region, sn region.ServerName, version int32) executor.Task {
	return func(ctx context.Context) {
		closed, err := retry.Do(ctx, m.opts.OpenRetry, func() (bool, error) {
			ok, err := m.servers.SendRegionClose(ctx, sn, r, version)
			if errors.Is(err, servers.ErrServerNotOnline) {
				return ok, retry.Permanent(err)
			}
			return ok, err
		})
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, servers.ErrServerNotOnline):
			m.closeTargetGone(ctx, r, sn, version)
		case err != nil:
			m.logger.Warn("close directive failed, leaving it to the timeout monitor",
				zap.String("region", r.EncodedName()), zap.Stringer("server", sn), zap.Error(err))
		case !closed:
			m.logger.Warn("region server did not accept close",
				zap.String("region", r.EncodedName()), zap.Stringer("server", sn))
		}
	}
}

// closeTargetGone handles a close sent to a server that is not online.
// Dead servers are cleaned up by server shutdown processing; for a server
// never seen the region is assumed closed and assigned elsewhere.
func (m *Manager) closeTargetGone(ctx context.Context, r region.Region, sn region.ServerName, version int32) {
	if m.servers.IsDead(sn) {
		return
	}
	encoded := r.EncodedName()
	mu := m.lockFor(encoded)
	mu.Lock()
	if _, ok := m.attemptLocked(encoded, sn, version, region.PendingClose, region.Closing, region.FailedClose); !ok {
		mu.Unlock()
		return
	}
	err := m.nodes.Remove(ctx, encoded)
	if err == nil {
		m.states.Remove(encoded)
		m.states.RegionOffline(r)
	}
	mu.Unlock()
	if err != nil {
		m.logger.Warn("removing node of region on unknown server", zap.String("region", encoded), zap.Error(err))
		return
	}
	m.logger.Info("close target unknown, assigning elsewhere", zap.String("region", encoded), zap.Stringer("server", sn))
	if err := m.Assign(ctx, r, true); err != nil {
		m.logger.Warn("assign after lost close failed", zap.String("region", encoded), zap.Error(err))
	}
}

// Balance moves a region by closing it on the plan's source; the open on
// the destination follows once the close is reported.
func (m *Manager) Balance(ctx context.Context, plan region.RegionPlan) error {
	m.logger.Info("balancing", zap.Stringer("plan", plan))
	m.states.SetPlan(plan)
	if err := m.Unassign(ctx, plan.Region); err != nil {
		m.states.DropPlan(plan.Region.EncodedName())
		return err
	}
	return nil
}

// Move balances r from wherever it is open to dest.
func (m *Manager) Move(ctx context.Context, r region.Region, dest region.ServerName) error {
	online, source, ok := m.states.ServerOf(r.EncodedName())
	if !ok {
		return fmt.Errorf("%w: %s", ErrRegionNotOnline, r.EncodedName())
	}
	if !m.servers.IsOnline(dest) {
		return fmt.Errorf("%w: %s", servers.ErrServerNotOnline, dest)
	}
	if source == dest {
		return nil
	}
	return m.Balance(ctx, region.RegionPlan{Region: online, Source: source, Destination: dest})
}

// RunBalancer applies the balancer's plans and returns how many moves were
// started. Nothing is done while regions are in transition.
func (m *Manager) RunBalancer(ctx context.Context) (int, error) {
	if n := m.states.Count(); n > 0 {
		m.logger.Debug("regions in transition, skipping balance", zap.Int("count", n))
		return 0, nil
	}
	assignments := m.states.ServerRegions()
	for _, sn := range m.servers.OnlineServers() {
		if _, ok := assignments[sn]; !ok {
			assignments[sn] = nil
		}
	}
	plans := m.balancer.Balancer().BalanceCluster(assignments)
	moved := 0
	for _, p := range plans {
		if err := m.Balance(ctx, p); err != nil {
			if errors.Is(err, ErrRegionNotOnline) {
				continue
			}
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// EnableTable marks table enabling, assigns its regions that are not open
// and marks it enabled.
func (m *Manager) EnableTable(ctx context.Context, table string) error {
	if err := m.tables.SetEnabling(ctx, table); err != nil {
		return err
	}
	rows, err := m.catalog.ScanAll(ctx)
	if err != nil {
		return err
	}
	if err := m.tables.SetEnabled(ctx, table); err != nil {
		return err
	}
	for _, row := range rows {
		r := row.Region
		if r.Table != table || r.Split || r.Offline {
			continue
		}
		if _, _, ok := m.states.ServerOf(r.EncodedName()); ok {
			continue
		}
		if err := m.Assign(ctx, r, false); err != nil {
			m.logger.Warn("assign on enable failed", zap.String("region", r.EncodedName()), zap.Error(err))
		}
	}
	return nil
}

// DisableTable marks table disabling and closes its regions. The table
// becomes disabled once the last region is closed.
func (m *Manager) DisableTable(ctx context.Context, table string) error {
	if err := m.tables.SetDisabling(ctx, table); err != nil {
		return err
	}
	for _, regions := range m.states.ServerRegions() {
		for _, r := range regions {
			if r.Table != table {
				continue
			}
			if err := m.Unassign(ctx, r); err != nil && !errors.Is(err, ErrRegionNotOnline) {
				return err
			}
		}
	}
	return m.maybeFinishDisable(ctx, table)
}

func (m *Manager) maybeFinishDisable(ctx context.Context, table string) error {
	if m.tables.Get(table) != tablestate.Disabling || m.states.TableInUse(table) {
		return nil
	}
	m.logger.Info("table disabled", zap.String("table", table))
	return m.tables.SetDisabled(ctx, table)
}
