package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyang/promptlab/internal/domain/execution"
	domainrun "github.com/alanyang/promptlab/internal/domain/run"
	portlocker "github.com/alanyang/promptlab/internal/port/locker"
	portrun "github.com/alanyang/promptlab/internal/port/run"
)

// RecoveryLockName is the advisory lock held while an instance's runs are swept.
func RecoveryLockName(instanceID string) string { return "recovery:" + instanceID }

type eventRecorder interface {
	RecordEvent(ctx context.Context, e execution.Event) (execution.Event, error)
}

// RecoverInterrupted fails every run a previous process with the same instance
// id left queued or running. Running ones first get a fail event so the event
// log agrees with the run's status. With a locker, replicas sharing the
// instance id take turns.
func RecoverInterrupted(
	ctx context.Context,
	instanceID string,
	runs portrun.Repository,
	recorder eventRecorder,
	locker portlocker.AdvisoryLocker,
) (int, error) {
	var recovered int
	sweep := func(ctx context.Context) error {
		n, err := sweepInterrupted(ctx, instanceID, runs, recorder)
		recovered = n
		return err
	}

	var err error
	if locker != nil {
		err = locker.WithLock(ctx, RecoveryLockName(instanceID), sweep)
	} else {
		err = sweep(ctx)
	}
	if err != nil {
		return recovered, fmt.Errorf("recovering interrupted runs: %w", err)
	}
	if recovered > 0 {
		slog.InfoContext(ctx, "recovery: failed interrupted runs", "instance_id", instanceID, "count", recovered)
	}
	return recovered, nil
}

func sweepInterrupted(ctx context.Context, instanceID string, runs portrun.Repository, recorder eventRecorder) (int, error) {
	stale, err := runs.List(ctx, domainrun.ListFilters{
		InstanceID: &instanceID,
		Statuses:   []domainrun.Status{domainrun.StatusQueued, domainrun.StatusRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("listing unfinished runs: %w", err)
	}

	var n int
	for _, req := range stale {
		if req.Status == domainrun.StatusRunning {
			ev := execution.New(execution.TypeFail, req.ID, req.CardID, execution.Payload{
				Total:     len(req.TestCases),
				Success:   execution.Bool(false),
				ErrorKind: execution.ErrorKindInterrupted,
			})
			if _, err := recorder.RecordEvent(ctx, ev); err != nil {
				return n, fmt.Errorf("recording fail event for run %s: %w", req.ID, err)
			}
		}
		if err := runs.UpdateStatus(ctx, req.ID, req.Status, domainrun.StatusFailed,
			string(execution.ErrorKindInterrupted)); err != nil {
			// Another replica may have finished it between List and here.
			slog.WarnContext(ctx, "recovery: status update skipped", "run_id", req.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
