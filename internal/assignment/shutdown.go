package assignment

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"regionmaster/internal/catalog"
	"regionmaster/internal/observability/tracing"
	"regionmaster/internal/region"
)

// ProcessServerShutdown recovers the regions of a dead server. Opening
// regions are reassigned elsewhere. Closing and splitting regions lose
// their node and entry since there is nothing left to close; a finished
// split brings up the daughters instead of the parent. Regions of disabled
// tables stay offline. Everything else hosted on sn is assigned with a new
// plan.
func (m *Manager) ProcessServerShutdown(ctx context.Context, sn region.ServerName) (err error) {
	ctx, span := m.tracer.Start(ctx, "assignment.ProcessServerShutdown", tracing.RegionAttrs("", sn.String()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rows, err := catalog.HostedOn(ctx, m.catalog, sn)
	if err != nil {
		return fmt.Errorf("scan catalog for %s: %w", sn, err)
	}
	log := m.logger.With(zap.Stringer("server", sn))
	log.Info("processing dead server", zap.Int("catalog_rows", len(rows)))

	handled := make(map[string]struct{})
	var toAssign []region.Region
	touchedTables := make(map[string]struct{})

	for _, rs := range m.states.OnServer(sn) {
		encoded := rs.Region.EncodedName()
		handled[encoded] = struct{}{}
		assign, err := m.recoverTransition(ctx, sn, encoded)
		if err != nil {
			log.Warn("recovering region in transition failed", zap.String("region", encoded), zap.Error(err))
			continue
		}
		toAssign = append(toAssign, assign...)
		touchedTables[rs.Region.Table] = struct{}{}
	}

	candidates := make([]catalog.Row, 0, len(rows))
	candidates = append(candidates, rows...)
	for _, r := range m.states.RegionsOn(sn) {
		candidates = append(candidates, catalog.Row{Region: r, Server: sn})
	}
	for _, row := range candidates {
		r := row.Region
		encoded := r.EncodedName()
		if _, ok := handled[encoded]; ok {
			continue
		}
		handled[encoded] = struct{}{}
		if row.SplitDone() {
			toAssign = append(toAssign, m.daughtersToAssign(row)...)
			continue
		}
		if r.Split || r.Offline || m.states.IsInTransition(encoded) {
			continue
		}
		if _, cur, ok := m.states.ServerOf(encoded); ok && cur != sn {
			continue
		}
		m.states.RegionOffline(r)
		touchedTables[r.Table] = struct{}{}
		if m.tables.IsDisablingOrDisabled(r.Table) {
			continue
		}
		toAssign = append(toAssign, r)
	}

	assigned := make(map[string]struct{}, len(toAssign))
	for _, r := range toAssign {
		if _, ok := assigned[r.EncodedName()]; ok {
			continue
		}
		assigned[r.EncodedName()] = struct{}{}
		if err := m.Assign(ctx, r, true); err != nil {
			log.Warn("assigning region of dead server failed", zap.String("region", r.EncodedName()), zap.Error(err))
		}
	}
	for table := range touchedTables {
		if err := m.maybeFinishDisable(ctx, table); err != nil {
			log.Warn("finishing disable failed", zap.String("table", table), zap.Error(err))
		}
	}
	m.metrics.ServerShutdown()
	m.reportGauges()
	log.Info("dead server processed", zap.Int("assigned", len(assigned)))
	return nil
}

// recoverTransition handles one in-transition region of the dead server
// and returns the regions that need an assign.
func (m *Manager) recoverTransition(ctx context.Context, sn region.ServerName, encoded string) ([]region.Region, error) {
	mu := m.lockFor(encoded)
	mu.Lock()
	rs, ok := m.states.Get(encoded)
	if !ok || rs.Server != sn {
		mu.Unlock()
		return nil, nil
	}
	if rs.State.IsOpening() {
		m.states.DropPlan(encoded)
		task, err := m.reassignLocked(ctx, rs, true, sn)
		mu.Unlock()
		m.dispatch("open "+encoded, task)
		return nil, err
	}
	defer mu.Unlock()

	if err := m.nodes.Remove(ctx, encoded); err != nil {
		return nil, err
	}
	m.states.Remove(encoded)
	m.states.DropPlan(encoded)
	m.states.RegionOffline(rs.Region)

	row, err := m.catalog.Get(ctx, rs.Region.Name())
	if err == nil && row.SplitDone() {
		m.logger.Info("split finished before server died, assigning daughters", zap.String("region", encoded))
		return m.daughtersToAssign(row), nil
	}
	if m.tables.IsDisablingOrDisabled(rs.Region.Table) {
		m.logger.Info("table disabled, leaving region offline", zap.String("region", encoded))
		return nil, nil
	}
	return []region.Region{rs.Region}, nil
}

// daughtersToAssign returns the daughters of a split row that are not
// open on a live server.
func (m *Manager) daughtersToAssign(row catalog.Row) []region.Region {
	var out []region.Region
	for _, d := range row.Daughters() {
		if _, dsn, ok := m.states.ServerOf(d.EncodedName()); ok && m.servers.IsOnline(dsn) {
			continue
		}
		if m.states.IsInTransition(d.EncodedName()) {
			continue
		}
		out = append(out, d)
	}
	return out
}
