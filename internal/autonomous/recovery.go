package autonomous

import (
	"context"
	"time"
)

// RecoveryReport summarizes one recovery scan.
type RecoveryReport struct {
	// Recovered lists task keys transitioned running -> paused.
	Recovered []string

	// Stale lists orphaned running tasks whose last activity fell outside
	// the grace window. They are surfaced for manual intervention, not
	// mutated; SweepStale moves them to failed explicitly.
	Stale []string
}

// RecoverOrphans scans for running tasks orphaned by a process restart. A
// task is recoverable only if it is not tracked by this process's active-run
// registry and its last activity is within the grace window. Recoverable
// tasks are marked paused with a reason, never auto-resumed.
func (m *Manager) RecoverOrphans(ctx context.Context) (*RecoveryReport, error) {
	tasks, err := m.store.ListTasksByStatus(ctx, StatusRunning)
	if err != nil {
		return nil, err
	}

	report := &RecoveryReport{}
	cutoff := time.Now().Add(-m.config.RecoveryGrace)

	for _, task := range tasks {
		if m.isActive(task.TaskKey) {
			continue
		}
		if task.LastActivityAt.Before(cutoff) {
			m.logger.Warn("stale orphaned task, manual intervention required",
				"task_key", task.TaskKey, "last_activity_at", task.LastActivityAt)
			report.Stale = append(report.Stale, task.TaskKey)
			continue
		}

		now := time.Now()
		task.Status = StatusPaused
		task.ErrorMessage = "recovered after process restart"
		task.SessionState.RecoveredAt = &now
		task.SessionState.IsRunning = false
		task.LastActivityAt = now
		if err := m.store.UpdateTask(ctx, task); err != nil {
			m.logger.Error("recover orphaned task", "task_key", task.TaskKey, "error", err)
			continue
		}

		m.logger.Info("orphaned task recovered to paused",
			"task_key", task.TaskKey, "step", task.CurrentStep)
		report.Recovered = append(report.Recovered, task.TaskKey)
	}

	return report, nil
}

// SweepStale moves orphaned running tasks whose last activity is older than
// olderThan to failed. Separate from recovery so stale tasks never silently
// disappear: operators opt in to the sweep.
func (m *Manager) SweepStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan < m.config.RecoveryGrace {
		olderThan = m.config.RecoveryGrace
	}

	tasks, err := m.store.ListTasksByStatus(ctx, StatusRunning)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-olderThan)
	var swept []string
	for _, task := range tasks {
		if m.isActive(task.TaskKey) || !task.LastActivityAt.Before(cutoff) {
			continue
		}
		if err := m.store.SetStatus(ctx, task.TaskKey, StatusFailed, "swept: no activity since "+task.LastActivityAt.Format(time.RFC3339)); err != nil {
			m.logger.Error("sweep stale task", "task_key", task.TaskKey, "error", err)
			continue
		}
		swept = append(swept, task.TaskKey)
	}
	return swept, nil
}
