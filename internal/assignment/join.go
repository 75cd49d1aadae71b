package assignment

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"regionmaster/internal/catalog"
	"regionmaster/internal/coord"
	"regionmaster/internal/executor"
	"regionmaster/internal/region"
	"regionmaster/internal/transition"
)

type seed struct {
	rec     transition.Record
	version int32
	region  region.Region
}

func (m *Manager) abort(reason string, err error) error {
	m.logger.Error("join aborted", zap.String("reason", reason), zap.Error(err))
	m.opts.Abort(reason, err)
	return fmt.Errorf("%w: %s: %v", ErrJoinAborted, reason, err)
}

// JoinCluster rebuilds the assignment view after this master took over:
// transition nodes left by the previous master are adopted and re-driven,
// regions open on live servers are recorded, regions of dead servers are
// recovered and unassigned regions of enabled tables are assigned. Failing
// to read the transition nodes or the catalog aborts the master.
func (m *Manager) JoinCluster(ctx context.Context) (err error) {
	ctx, span := m.tracer.Start(ctx, "assignment.JoinCluster")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	m.states.Clear()
	if err := m.tables.Load(ctx); err != nil {
		return m.abort("load table states", err)
	}
	names, err := m.nodes.List(ctx)
	if err != nil {
		return m.abort("list regions in transition", err)
	}
	rows, err := m.catalog.ScanAll(ctx)
	if err != nil {
		return m.abort("scan catalog", err)
	}
	byName := make(map[string]catalog.Row, len(rows))
	for _, row := range rows {
		byName[row.Region.EncodedName()] = row
	}

	seeds, err := m.seedTransitions(ctx, names, byName)
	if err != nil {
		return m.abort("read regions in transition", err)
	}

	dead := make(map[region.ServerName]struct{})
	awaiting := make(map[region.ServerName][]region.Region)
	var unassigned []region.Region
	for _, row := range rows {
		r := row.Region
		encoded := r.EncodedName()
		if r.Split || r.Offline || m.states.IsInTransition(encoded) {
			continue
		}
		switch {
		case row.Server.IsZero():
			if m.tables.IsEnabled(r.Table) {
				unassigned = append(unassigned, r)
			}
		case m.servers.IsOnline(row.Server):
			m.states.RegionOnline(r, row.Server)
		case m.servers.IsDead(row.Server) || m.servers.CheckInDone():
			dead[row.Server] = struct{}{}
		default:
			awaiting[row.Server] = append(awaiting[row.Server], r)
		}
	}

	for _, s := range seeds {
		if h := m.opts.Hooks.BeforeProcessRegionInTransition; h != nil {
			h(s.rec, s.version)
		}
		owner, err := m.redrive(ctx, s)
		if err != nil {
			m.logger.Warn("re-driving region in transition failed", zap.String("region", s.region.EncodedName()), zap.Error(err))
		}
		switch {
		case owner.IsZero():
		case m.servers.IsDead(owner) || m.servers.CheckInDone():
			dead[owner] = struct{}{}
		default:
			if _, ok := awaiting[owner]; !ok {
				awaiting[owner] = nil
			}
		}
	}
	m.awaitCheckIn(awaiting)

	for sn := range dead {
		if err := m.ProcessServerShutdown(ctx, sn); err != nil {
			m.logger.Warn("recovering regions of dead server failed", zap.Stringer("server", sn), zap.Error(err))
		}
	}
	if len(unassigned) > 0 {
		plans, err := m.balancer.BulkPlans(unassigned)
		if err != nil {
			m.logger.Warn("bulk assignment plan failed", zap.Int("regions", len(unassigned)), zap.Error(err))
		}
		for _, p := range plans {
			m.states.SetPlan(p)
		}
	}
	for _, r := range unassigned {
		if err := m.Assign(ctx, r, false); err != nil {
			m.logger.Warn("assigning unassigned region failed", zap.String("region", r.EncodedName()), zap.Error(err))
		}
	}
	m.reportGauges()
	m.logger.Info("joined cluster",
		zap.Int("regions_in_transition", len(seeds)),
		zap.Int("catalog_rows", len(rows)),
		zap.Int("dead_servers", len(dead)),
		zap.Int("awaiting_check_in", len(awaiting)),
		zap.Int("unassigned", len(unassigned)))
	return nil
}

// awaitCheckIn parks the regions of servers that are neither online nor
// known dead. They are claimed when their server reports and recovered as
// a dead server's once the check-in window is over.
func (m *Manager) awaitCheckIn(awaiting map[region.ServerName][]region.Region) {
	if len(awaiting) == 0 {
		return
	}
	m.unclaimedMu.Lock()
	for sn, regions := range awaiting {
		m.unclaimed[sn] = append(m.unclaimed[sn], regions...)
	}
	m.unclaimedMu.Unlock()
	for sn := range awaiting {
		// reported while the catalog was being read
		if m.servers.IsOnline(sn) {
			m.claim(sn)
		}
	}
}

// claim records the parked regions of sn as open there.
func (m *Manager) claim(sn region.ServerName) {
	m.unclaimedMu.Lock()
	regions, ok := m.unclaimed[sn]
	delete(m.unclaimed, sn)
	m.unclaimedMu.Unlock()
	if !ok {
		return
	}
	for _, r := range regions {
		encoded := r.EncodedName()
		mu := m.lockFor(encoded)
		mu.Lock()
		if !m.states.IsInTransition(encoded) {
			m.states.RegionOnline(r, sn)
		}
		mu.Unlock()
	}
	m.logger.Info("region server checked in", zap.Stringer("server", sn), zap.Int("regions", len(regions)))
}

// recoverUnclaimed treats the servers that missed the check-in window as
// dead.
func (m *Manager) recoverUnclaimed(ctx context.Context) {
	if !m.servers.CheckInDone() {
		return
	}
	m.unclaimedMu.Lock()
	var missing []region.ServerName
	for sn := range m.unclaimed {
		missing = append(missing, sn)
	}
	m.unclaimedMu.Unlock()
	for _, sn := range missing {
		if m.servers.IsOnline(sn) {
			m.claim(sn)
			continue
		}
		m.unclaimedMu.Lock()
		_, ok := m.unclaimed[sn]
		delete(m.unclaimed, sn)
		m.unclaimedMu.Unlock()
		if !ok {
			continue
		}
		m.logger.Warn("region server never checked in, recovering its regions", zap.Stringer("server", sn))
		if err := m.ProcessServerShutdown(ctx, sn); err != nil {
			m.logger.Warn("recovering regions of dead server failed", zap.Stringer("server", sn), zap.Error(err))
		}
	}
}

// seedTransitions creates an entry for every transition node. Nodes of
// regions the catalog does not know are removed.
func (m *Manager) seedTransitions(ctx context.Context, names []string, byName map[string]catalog.Row) ([]seed, error) {
	var seeds []seed
	for _, encoded := range names {
		s, ok, err := m.seedOne(ctx, encoded, byName)
		if err != nil {
			return nil, err
		}
		if ok {
			seeds = append(seeds, s)
		}
	}
	return seeds, nil
}

func (m *Manager) seedOne(ctx context.Context, encoded string, byName map[string]catalog.Row) (seed, bool, error) {
	mu := m.lockFor(encoded)
	mu.Lock()
	defer mu.Unlock()
	if m.states.IsInTransition(encoded) {
		// a watch event got here first
		return seed{}, false, nil
	}
	rec, version, err := m.nodes.Read(ctx, encoded)
	switch {
	case errors.Is(err, coord.ErrNoNode):
		return seed{}, false, nil
	case errors.Is(err, transition.ErrCorruptRecord):
		m.logger.Warn("removing undecodable transition node", zap.String("region", encoded), zap.Error(err))
		return seed{}, false, m.nodes.Remove(ctx, encoded)
	case err != nil:
		return seed{}, false, err
	}
	row, ok := byName[encoded]
	if !ok {
		m.logger.Warn("removing transition node of region unknown to the catalog", zap.String("region", encoded), zap.Stringer("type", rec.Type))
		return seed{}, false, m.nodes.Remove(ctx, encoded)
	}
	sn := rec.Server
	switch rec.Type {
	case transition.MasterOffline:
		sn = region.ServerName{}
	case transition.MasterClosing:
		sn = row.Server
	}
	m.states.Update(row.Region, rec.Type.State(), sn, version)
	return seed{rec: rec, version: version, region: row.Region}, true, nil
}

// redrive resumes a recovered transition the way the watch callback would
// have. Open-side transitions of a dead server are reassigned at once. For
// close and split side transitions of a dead server the owner is returned
// so its recovery handles them.
func (m *Manager) redrive(ctx context.Context, s seed) (region.ServerName, error) {
	encoded := s.region.EncodedName()
	mu := m.lockFor(encoded)
	mu.Lock()
	owner, task, err := m.redriveLocked(ctx, s)
	mu.Unlock()
	m.dispatch("redrive "+encoded, task)
	return owner, err
}

func (m *Manager) redriveLocked(ctx context.Context, s seed) (region.ServerName, executor.Task, error) {
	encoded := s.region.EncodedName()
	rs, ok := m.states.Get(encoded)
	if !ok || rs.Version != s.version {
		return region.ServerName{}, nil, nil
	}
	rec, version, err := m.nodes.Read(ctx, encoded)
	if errors.Is(err, coord.ErrNoNode) {
		m.states.Remove(encoded)
		return region.ServerName{}, nil, nil
	}
	if err != nil {
		return region.ServerName{}, nil, err
	}
	if version != s.version {
		// the record that replaced it is queued
		return region.ServerName{}, nil, nil
	}

	switch rec.Type {
	case transition.MasterOffline:
		task, err := m.reassignLocked(ctx, rs, false)
		return region.ServerName{}, task, err
	case transition.ServerOpening, transition.ServerOpened, transition.ServerFailedOpen:
		if !m.servers.IsOnline(rec.Server) {
			m.logger.Info("owner of opening region is dead, reassigning",
				zap.String("region", encoded), zap.Stringer("server", rec.Server))
			m.states.DropPlan(encoded)
			task, err := m.reassignLocked(ctx, rs, true, rec.Server)
			return region.ServerName{}, task, err
		}
		switch rec.Type {
		case transition.ServerOpened:
			return region.ServerName{}, nil, m.completeOpenLocked(ctx, rs.Region, rec.Server, version)
		case transition.ServerFailedOpen:
			task, err := m.failedOpenLocked(ctx, rs, rec.Server)
			return region.ServerName{}, task, err
		}
		// OPENING: wait for the next record or the timeout monitor
		return region.ServerName{}, nil, nil
	}

	if !m.servers.IsOnline(rs.Server) {
		return rs.Server, nil, nil
	}
	switch rec.Type {
	case transition.MasterClosing:
		rs = m.states.Update(rs.Region, region.PendingClose, rs.Server, version)
		return region.ServerName{}, m.closeTask(rs.Region, rs.Server, version), nil
	case transition.ServerClosed:
		task, err := m.closedLocked(ctx, rs)
		return region.ServerName{}, task, err
	case transition.ServerFailedClose:
		task, err := m.failedCloseLocked(ctx, rs, version)
		return region.ServerName{}, task, err
	case transition.ServerSplit:
		task, err := m.splitLocked(ctx, rs.Region, rec, version)
		return region.ServerName{}, task, err
	}
	// SPLITTING: the region server finishes the split
	return region.ServerName{}, nil, nil
}
