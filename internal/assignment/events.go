package assignment

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"regionmaster/internal/coord"
	"regionmaster/internal/executor"
	"regionmaster/internal/region"
	"regionmaster/internal/transition"
)

func (m *Manager) handleRecord(ctx context.Context, rec transition.Record, version int32) {
	encoded := rec.EncodedName()
	mu := m.lockFor(encoded)
	mu.Lock()
	task, err := m.applyRecord(ctx, rec, version)
	mu.Unlock()
	if err != nil {
		m.logger.Warn("applying transition failed",
			zap.String("region", encoded),
			zap.Stringer("type", rec.Type),
			zap.Int32("version", version),
			zap.Error(err))
	}
	m.dispatch("transition follow-up "+encoded, task)
	m.metrics.SetRegionsInTransition(m.states.Count())
}

// applyRecord moves the region's entry according to a record written by a
// region server. Records that are not the next step for the entry are
// dropped.
func (m *Manager) applyRecord(ctx context.Context, rec transition.Record, version int32) (executor.Task, error) {
	if rec.Type == transition.MasterOffline || rec.Type == transition.MasterClosing {
		return nil, nil
	}
	encoded := rec.EncodedName()
	log := m.logger.With(
		zap.String("region", encoded),
		zap.Stringer("type", rec.Type),
		zap.Stringer("server", rec.Server),
		zap.Int32("version", version))

	rs, inTransition := m.states.Get(encoded)
	if inTransition && rs.Version != coord.AnyVersion && version <= rs.Version {
		m.metrics.StaleTransition()
		log.Debug("dropping stale transition", zap.Int32("seen", rs.Version))
		return nil, nil
	}
	m.metrics.Transition(rec.Type.String())

	switch rec.Type {
	case transition.ServerOpening, transition.ServerOpened:
		if !m.servers.IsOnline(rec.Server) {
			m.metrics.StaleTransition()
			log.Warn("open progress from a server that is not online")
			return nil, nil
		}
		if !inTransition || (rs.State != region.PendingOpen && rs.State != region.Opening) {
			log.Warn("unexpected open progress", zap.Stringer("state", rs.State), zap.Bool("in_transition", inTransition))
			return nil, nil
		}
		if rec.Type == transition.ServerOpening {
			m.states.Update(rs.Region, region.Opening, rec.Server, version)
			return nil, nil
		}
		return nil, m.completeOpenLocked(ctx, rs.Region, rec.Server, version)

	case transition.ServerFailedOpen:
		if !inTransition || (rs.State != region.PendingOpen && rs.State != region.Opening) {
			log.Warn("unexpected failed open", zap.Stringer("state", rs.State), zap.Bool("in_transition", inTransition))
			return nil, nil
		}
		rs = m.states.Update(rs.Region, region.FailedOpen, rec.Server, version)
		return m.failedOpenLocked(ctx, rs, rec.Server)

	case transition.ServerClosed:
		if inTransition && rs.State != region.PendingClose && rs.State != region.Closing && rs.State != region.FailedClose {
			log.Warn("unexpected close", zap.Stringer("state", rs.State))
			return nil, nil
		}
		r, ok := m.resolveRegion(ctx, rec, rs, inTransition)
		if !ok {
			log.Warn("closed record for unknown region")
			return nil, nil
		}
		rs = m.states.Update(r, region.Closed, rec.Server, version)
		return m.closedLocked(ctx, rs)

	case transition.ServerFailedClose:
		if !inTransition || !rs.State.IsClosing() {
			log.Warn("unexpected failed close", zap.Stringer("state", rs.State), zap.Bool("in_transition", inTransition))
			return nil, nil
		}
		return m.failedCloseLocked(ctx, rs, version)

	case transition.ServerSplitting:
		r, ok := m.resolveRegion(ctx, rec, rs, inTransition)
		if !ok {
			log.Warn("splitting record for unknown region")
			return nil, nil
		}
		m.states.Update(r, region.Splitting, rec.Server, version)
		return nil, nil

	case transition.ServerSplit:
		if inTransition && rs.State != region.Splitting {
			log.Warn("unexpected split", zap.Stringer("state", rs.State))
			return nil, nil
		}
		r, ok := m.resolveRegion(ctx, rec, rs, inTransition)
		if !ok {
			log.Warn("split record for unknown region")
			return nil, nil
		}
		return m.splitLocked(ctx, r, rec, version)
	}
	log.Warn("unknown transition type")
	return nil, nil
}

// resolveRegion finds the region a record names: from its entry, from the
// online map, or from the catalog.
func (m *Manager) resolveRegion(ctx context.Context, rec transition.Record, rs region.RegionState, inTransition bool) (region.Region, bool) {
	if inTransition {
		return rs.Region, true
	}
	if r, _, ok := m.states.ServerOf(rec.EncodedName()); ok {
		return r, true
	}
	row, err := m.catalog.Get(ctx, rec.RegionName)
	if err != nil {
		return region.Region{}, false
	}
	return row.Region, true
}

func (m *Manager) completeOpenLocked(ctx context.Context, r region.Region, sn region.ServerName, version int32) error {
	encoded := r.EncodedName()
	err := m.nodes.Delete(ctx, encoded, transition.ServerOpened, version)
	switch {
	case errors.Is(err, coord.ErrBadVersion), errors.Is(err, transition.ErrUnexpectedState):
		m.metrics.StaleTransition()
		return nil
	case err != nil && !errors.Is(err, coord.ErrNoNode):
		return err
	}
	m.states.RegionOnline(r, sn)
	m.logger.Info("region opened", zap.String("region", encoded), zap.Stringer("server", sn))
	return nil
}

// failedOpenLocked always picks a new destination: the server that failed
// and the destination of the previous plan are both excluded.
func (m *Manager) failedOpenLocked(ctx context.Context, rs region.RegionState, failed region.ServerName) (executor.Task, error) {
	encoded := rs.Region.EncodedName()
	exclude := []region.ServerName{failed}
	if p, ok := m.states.Plan(encoded); ok && p.Destination != failed {
		exclude = append(exclude, p.Destination)
		if len(m.servers.DestinationCandidates(exclude...)) == 0 {
			// only keep the failed server out
			exclude = exclude[:1]
		}
	}
	m.states.DropPlan(encoded)
	return m.reassignLocked(ctx, rs, true, exclude...)
}

// closedLocked finishes a close. Regions of disabled tables stay offline;
// others are opened again using the current plan, if any.
func (m *Manager) closedLocked(ctx context.Context, rs region.RegionState) (executor.Task, error) {
	r := rs.Region
	encoded := r.EncodedName()
	m.states.RegionOffline(r)
	if m.tables.IsDisablingOrDisabled(r.Table) {
		err := m.nodes.Delete(ctx, encoded, transition.ServerClosed, rs.Version)
		switch {
		case errors.Is(err, coord.ErrBadVersion), errors.Is(err, transition.ErrUnexpectedState):
			m.metrics.StaleTransition()
			return nil, nil
		case err != nil && !errors.Is(err, coord.ErrNoNode):
			return nil, err
		}
		m.states.Remove(encoded)
		m.states.DropPlan(encoded)
		m.logger.Info("region closed, table disabled", zap.String("region", encoded))
		return nil, m.maybeFinishDisable(ctx, r.Table)
	}
	return m.reassignLocked(ctx, rs, false)
}

// failedCloseLocked hands the node back to CLOSING and sends the close again.
func (m *Manager) failedCloseLocked(ctx context.Context, rs region.RegionState, version int32) (executor.Task, error) {
	r := rs.Region
	v, err := m.nodes.Transition(ctx, r, m.opts.ServerName, transition.ServerFailedClose, transition.MasterClosing, version, nil)
	if errors.Is(err, coord.ErrBadVersion) || errors.Is(err, transition.ErrUnexpectedState) {
		m.metrics.StaleTransition()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.states.Update(r, region.FailedClose, rs.Server, v)
	m.logger.Warn("close failed, retrying", zap.String("region", r.EncodedName()), zap.Stringer("server", rs.Server))
	return m.closeTask(r, rs.Server, v), nil
}

// splitLocked retires the parent and brings the daughters online on the
// server that split it. When that server is gone the daughters are
// assigned instead.
func (m *Manager) splitLocked(ctx context.Context, parent region.Region, rec transition.Record, version int32) (executor.Task, error) {
	encoded := parent.EncodedName()
	a, b, err := transition.Daughters(rec.Payload)
	if err != nil {
		return nil, err
	}
	err = m.nodes.Delete(ctx, encoded, transition.ServerSplit, version)
	switch {
	case errors.Is(err, coord.ErrBadVersion), errors.Is(err, transition.ErrUnexpectedState):
		m.metrics.StaleTransition()
		return nil, nil
	case err != nil && !errors.Is(err, coord.ErrNoNode):
		return nil, err
	}
	m.states.RegionOffline(parent)
	m.states.Remove(encoded)
	m.states.DropPlan(encoded)
	m.logger.Info("region split",
		zap.String("region", encoded),
		zap.String("daughter_a", a.EncodedName()),
		zap.String("daughter_b", b.EncodedName()))
	if m.servers.IsOnline(rec.Server) {
		m.states.RegionOnline(a, rec.Server)
		m.states.RegionOnline(b, rec.Server)
		return nil, nil
	}
	return func(ctx context.Context) {
		for _, d := range []region.Region{a, b} {
			if err := m.Assign(ctx, d, true); err != nil {
				m.logger.Warn("assigning daughter failed", zap.String("region", d.EncodedName()), zap.Error(err))
			}
		}
	}, nil
}
