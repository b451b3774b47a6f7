package gridsweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sort"
	"strings"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"

	"github.com/gridsweep-io/gridsweep/storage"
)

// trackerConfigFile is where the external energy tracker expects its
// configuration during a run.
const trackerConfigFile = ".codecarbon.config"

// Execute runs experiments from the table with a pool of n_jobs workers.
//
// With maxExperiments < 0 each worker loops until no open experiment
// remains; otherwise exactly maxExperiments claims are attempted in
// total. Claims happen in id order, or in random order when randomOrder
// is set. Every claimed experiment is finalized even when the routine
// fails: errors and panics are recorded in the row's error column and
// the row finishes as error. Execute itself only fails on setup problems;
// individual experiment failures are reflected in the table.
func (e *Experimenter) Execute(ctx context.Context, routine RoutineFunc, maxExperiments int, randomOrder bool) error {
	if err := e.table.EnsureSchema(ctx); err != nil {
		return err
	}

	cleanup, err := e.writeTrackerConfig()
	if err != nil {
		return err
	}

	defer cleanup()

	pool := pond.NewPool(e.cfg.NJobs)

	if maxExperiments < 0 {
		for i := 0; i < e.cfg.NJobs; i++ {
			pool.Submit(func() {
				e.workerLoop(ctx, routine, randomOrder)
			})
		}
	} else {
		for i := 0; i < maxExperiments; i++ {
			pool.Submit(func() {
				if err := e.executeNext(ctx, routine, randomOrder); err != nil &&
					!errors.Is(err, storage.ErrNoExperimentsLeft) {
					e.logger.Error("experiment execution failed", slog.Any("error", err))
				}
			})
		}
	}

	pool.StopAndWait()

	return ctx.Err()
}

// Unpause resumes the paused experiment with the given id and runs the
// routine on it in the calling goroutine.
func (e *Experimenter) Unpause(ctx context.Context, id int64, routine RoutineFunc) error {
	keyfields, err := e.table.PullPaused(ctx, id)
	if err != nil {
		return err
	}

	return e.runClaimed(ctx, id, keyfields, routine)
}

// InsertAndExecute inserts one keyfield assignment with status
// created_for_execution, so that concurrent Execute pools never claim
// it, and immediately runs the routine on it in the calling goroutine.
func (e *Experimenter) InsertAndExecute(ctx context.Context, keyfields map[string]any, routine RoutineFunc) error {
	if err := e.table.EnsureSchema(ctx); err != nil {
		return err
	}

	id, err := e.table.InsertForExecution(ctx, keyfields)
	if err != nil {
		return err
	}

	if err := e.table.MarkRunning(ctx, id); err != nil {
		return err
	}

	return e.runClaimed(ctx, id, keyfields, routine)
}

// workerLoop claims and runs experiments until the table is drained or
// the context ends.
func (e *Experimenter) workerLoop(ctx context.Context, routine RoutineFunc, randomOrder bool) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := e.executeNext(ctx, routine, randomOrder)

		switch {
		case err == nil:
			continue
		case errors.Is(err, storage.ErrNoExperimentsLeft):
			return
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return
		default:
			// A failed experiment is already finalized in the table;
			// keep draining the rest.
			e.logger.Error("experiment execution failed", slog.Any("error", err))
		}
	}
}

// executeNext claims one open experiment and runs the routine on it.
func (e *Experimenter) executeNext(ctx context.Context, routine RoutineFunc, randomOrder bool) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	id, keyfields, err := e.table.PullOpen(ctx, randomOrder)
	if err != nil {
		return err
	}

	return e.runClaimed(ctx, id, keyfields, routine)
}

// runClaimed runs the routine on an already running experiment and
// finalizes the row no matter how the routine ends.
func (e *Experimenter) runClaimed(ctx context.Context, id int64, keyfields map[string]any, routine RoutineFunc) error {
	proc := e.table.ResultProcessor(id)
	runID := uuid.NewString()

	logger := e.logger.With(
		slog.Int64("experiment_id", id),
		slog.String("run_id", runID),
	)

	if err := proc.SetName(ctx, e.name); err != nil {
		return err
	}

	if host, hostErr := os.Hostname(); hostErr == nil {
		if err := proc.SetMachine(ctx, host); err != nil {
			return err
		}
	}

	logger.Info("executing experiment")

	status, routineErr := e.invoke(ctx, keyfields, proc, routine)

	return e.finalize(ctx, proc, logger, status, routineErr)
}

// invoke calls the routine and converts panics into errors carrying the
// stack trace.
func (e *Experimenter) invoke(
	ctx context.Context,
	keyfields map[string]any,
	proc *storage.ResultProcessor,
	routine RoutineFunc,
) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n\n%s", r, debug.Stack())
		}
	}()

	return routine(ctx, keyfields, proc, e.cfg.Custom)
}

// finalize writes the terminal state of one run into the table.
func (e *Experimenter) finalize(
	ctx context.Context,
	proc *storage.ResultProcessor,
	logger *slog.Logger,
	status Status,
	routineErr error,
) error {
	if routineErr != nil {
		logger.Error("experiment failed", slog.Any("error", routineErr))

		if err := proc.WriteError(ctx, routineErr.Error()); err != nil {
			return err
		}

		if err := proc.ChangeStatus(ctx, storage.StatusError); err != nil {
			return err
		}

		return routineErr
	}

	switch status {
	case "", StatusDone:
		logger.Info("experiment done")

		return proc.ChangeStatus(ctx, storage.StatusDone)
	case StatusPaused:
		logger.Info("experiment paused")

		return proc.ChangeStatus(ctx, storage.StatusPaused)
	case StatusError:
		logger.Error("experiment reported failure")

		return proc.ChangeStatus(ctx, storage.StatusError)
	default:
		diagnostic := fmt.Sprintf("routine returned unexpected status %q", status)

		logger.Error("experiment returned unexpected status", slog.String("status", string(status)))

		if err := proc.WriteError(ctx, diagnostic); err != nil {
			return err
		}

		if err := proc.ChangeStatus(ctx, storage.StatusError); err != nil {
			return err
		}

		return fmt.Errorf("%w: %q", storage.ErrInvalidStatus, status)
	}
}

// writeTrackerConfig materializes the energy tracker configuration for
// the duration of an Execute call. The returned cleanup removes the file
// again; it is a no-op when tracking is not configured.
func (e *Experimenter) writeTrackerConfig() (func(), error) {
	if !e.table.TrackEmissions() {
		return func() {}, nil
	}

	keys := make([]string, 0, len(e.cfg.CodeCarbon))
	for key := range e.cfg.CodeCarbon {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	var b strings.Builder

	b.WriteString("[codecarbon]\n")

	for _, key := range keys {
		fmt.Fprintf(&b, "%s = %s\n", key, e.cfg.CodeCarbon[key])
	}

	if err := os.WriteFile(trackerConfigFile, []byte(b.String()), 0o644); err != nil {
		return nil, fmt.Errorf("writing tracker config: %w", err)
	}

	return func() {
		if err := os.Remove(trackerConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("removing tracker config failed", slog.Any("error", err))
		}
	}, nil
}
