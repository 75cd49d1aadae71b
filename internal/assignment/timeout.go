package assignment

import (
	"context"
	"time"

	"go.uber.org/zap"

	"regionmaster/internal/executor"
	"regionmaster/internal/region"
)

func (m *Manager) runTimeoutMonitor(ctx context.Context) {
	ticker := time.NewTicker(m.opts.TimeoutMonitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckTimeouts(ctx)
		}
	}
}

// CheckTimeouts re-drives every transition that has not moved for longer
// than the transition timeout. Opens are reassigned with a new plan, closes
// are sent again. Splits are left to the region server. Servers that
// missed the check-in window are recovered first.
func (m *Manager) CheckTimeouts(ctx context.Context) {
	m.reportGauges()
	m.recoverUnclaimed(ctx)
	deadline := m.now().Add(-m.opts.TransitionTimeout)
	for _, rs := range m.states.OlderThan(deadline) {
		encoded := rs.Region.EncodedName()
		mu := m.lockFor(encoded)
		mu.Lock()
		task, err := m.timeoutLocked(ctx, rs)
		mu.Unlock()
		if err != nil {
			m.logger.Warn("re-driving timed out transition failed", zap.String("region", encoded), zap.Error(err))
		}
		m.dispatch("timeout "+encoded, task)
	}
}

func (m *Manager) timeoutLocked(ctx context.Context, seen region.RegionState) (executor.Task, error) {
	encoded := seen.Region.EncodedName()
	rs, ok := m.states.Get(encoded)
	if !ok || !rs.Stamp.Equal(seen.Stamp) {
		return nil, nil
	}
	log := m.logger.With(
		zap.String("region", encoded),
		zap.Stringer("state", rs.State),
		zap.Stringer("server", rs.Server))

	switch rs.State {
	case region.Offline, region.PendingOpen, region.Opening, region.FailedOpen:
		m.metrics.Timeout()
		log.Info("open timed out, reassigning")
		var exclude []region.ServerName
		if !rs.Server.IsZero() {
			exclude = append(exclude, rs.Server)
		}
		return m.reassignLocked(ctx, rs, true, exclude...)
	case region.Closed:
		m.metrics.Timeout()
		log.Info("closed region not reassigned in time")
		return m.closedLocked(ctx, rs)
	case region.PendingClose, region.Closing, region.FailedClose:
		m.metrics.Timeout()
		log.Info("close timed out, sending it again")
		m.states.Touch(encoded)
		return m.closeTask(rs.Region, rs.Server, rs.Version), nil
	}
	return nil, nil
}

func (m *Manager) runBalancerLoop(ctx context.Context) {
	ticker := time.NewTicker(m.opts.BalancerPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			moved, err := m.RunBalancer(ctx)
			if err != nil {
				m.logger.Warn("balancer run failed", zap.Error(err))
				continue
			}
			if moved > 0 {
				m.logger.Info("balancer moved regions", zap.Int("moved", moved))
			}
		}
	}
}
