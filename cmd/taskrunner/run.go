package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dabla/taskrunner/internal/backend"
	"github.com/dabla/taskrunner/internal/dags"
	"github.com/dabla/taskrunner/internal/model"
	"github.com/dabla/taskrunner/internal/store"
)

type runFlags struct {
	dagID      string
	taskID     string
	runID      string
	mapIndex   int
	bundle     string
	file       string
	backend    string
	maxTries   int
	retryDelay time.Duration
}

func newRunCmd(cfgFile *string) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise one task instance until it finishes",
		Long: `Creates the task instance (and its dag run when --run-id is not given or
does not exist), launches it through a backend, and follows retries,
reschedules, and deferrals until it is finished. Task output is printed as
it arrives; the final record is printed as JSON.`,
		Example: `  taskrunner run --dag example_etl --task extract
  taskrunner run --dag example_sensors --task wait --file dags/example_sensors.go --backend inprocess`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTaskInstance(cmd, *cfgFile, f)
		},
	}
	cmd.Flags().StringVar(&f.dagID, "dag", "", "dag id (required)")
	cmd.Flags().StringVar(&f.taskID, "task", "", "task id (required)")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "dag run id; a manual run is created when empty or missing")
	cmd.Flags().IntVar(&f.mapIndex, "map-index", model.Unmapped, "map index")
	cmd.Flags().StringVar(&f.bundle, "bundle", dags.BundleName, "bundle name")
	cmd.Flags().StringVar(&f.file, "file", dags.ETLFile, "dag file path within the bundle")
	cmd.Flags().StringVar(&f.backend, "backend", backend.Auto, "worker backend (auto, process, inprocess)")
	cmd.Flags().IntVar(&f.maxTries, "max-tries", 0, "retries allowed; 0 uses the task's own setting")
	cmd.Flags().DurationVar(&f.retryDelay, "retry-delay", 10*time.Second, "wait before a retry")
	cmd.MarkFlagRequired("dag")
	cmd.MarkFlagRequired("task")
	return cmd
}

func runTaskInstance(cmd *cobra.Command, cfgFile string, f runFlags) error {
	a, err := newApp(cfgFile, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := a.bundles().Get(f.bundle, "")
	if err != nil {
		return err
	}
	op, err := b.Task(f.file, f.dagID, f.taskID)
	if err != nil {
		return err
	}
	if f.maxTries == 0 {
		f.maxTries = op.Base().Retries
	}

	s, _, eng, err := a.newEngine(ctx, f.backend, f.retryDelay)
	if err != nil {
		return err
	}

	runID, err := ensureDagRun(ctx, s, f.dagID, f.runID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	ti := &model.TaskInstanceRecord{
		TaskInstance: model.TaskInstance{
			ID:        model.NewTaskInstanceID(),
			DagID:     f.dagID,
			TaskID:    f.taskID,
			RunID:     runID,
			MapIndex:  f.mapIndex,
			TryNumber: 1,
		},
		Bundle:     b.Info(),
		DagRelPath: f.file,
		State:      model.StateQueued,
		MaxTries:   f.maxTries,
		QueuedAt:   now,
	}

	lines, unsub := eng.Broker().Subscribe(ti.ID)
	defer unsub()
	if err := eng.Submit(ctx, ti); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		eng.Wait()
		close(done)
	}()

	out := cmd.OutOrStdout()
follow:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			fmt.Fprintln(out, line.Line)
		case <-ctx.Done():
			a.logger.Warn("interrupted; abandoning task instance", "ti_id", ti.ID)
			eng.Shutdown()
			break follow
		case <-done:
			break follow
		}
	}
	if lines != nil {
		for line := range lines {
			fmt.Fprintln(out, line.Line)
		}
	}

	final, err := s.GetTaskInstance(context.Background(), ti.ID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(final); err != nil {
		return err
	}
	if final.State != model.StateSuccess && final.State != model.StateSkipped {
		return fmt.Errorf("task instance %s finished in state %s", final.TaskInstance, final.State)
	}
	return nil
}

// ensureDagRun returns runID, creating a manual run for it when it is empty
// or unknown.
func ensureDagRun(ctx context.Context, s store.Store, dagID, runID string) (string, error) {
	now := time.Now().UTC()
	if runID != "" {
		if _, err := s.GetDagRun(ctx, dagID, runID); err == nil {
			return runID, nil
		}
	} else {
		runID = model.NewRunID("manual", now)
	}
	err := s.CreateDagRun(ctx, &model.DagRun{
		DagID:             dagID,
		RunID:             runID,
		LogicalDate:       &now,
		DataIntervalStart: &now,
		DataIntervalEnd:   &now,
		RunAfter:          now,
		StartDate:         now,
		RunType:           "manual",
		State:             model.DagRunRunning,
	})
	if err != nil {
		return "", fmt.Errorf("create dag run: %w", err)
	}
	return runID, nil
}
