package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookloop/internal/config"
	"github.com/austindbirch/hookloop/internal/dispatch"
	"github.com/austindbirch/hookloop/internal/executor"
	"github.com/austindbirch/hookloop/internal/logging"
	"github.com/austindbirch/hookloop/internal/queue"
	"github.com/austindbirch/hookloop/internal/tenant"
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Run one task locally through the executor, without the queue",
	Long: `Build an in-memory task and run it through the same executor table the
worker uses, retrying with the configured backoff until it succeeds or runs
out of attempts. Nothing is written to the database.

Example:
  hookctl exec --tenant t1 --work-type pr-maintenance --metadata '{"pr_number":42}'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenantID, _ := cmd.Flags().GetString("tenant")
		file, _ := cmd.Flags().GetString("tenants-file")
		workType, _ := cmd.Flags().GetString("work-type")
		mdJSON, _ := cmd.Flags().GetString("metadata")
		command, _ := cmd.Flags().GetString("command")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		noWait, _ := cmd.Flags().GetBool("no-wait")
		if tenantID == "" || workType == "" {
			return errors.New("--tenant and --work-type are required")
		}

		md, err := parseMetadata(mdJSON)
		if err != nil {
			return err
		}
		unit, err := queue.NewEphemeral(tenantID, queue.WorkType(workType), md)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		log := logging.New("hookctl")
		log.SetOutput(cmd.ErrOrStderr())

		cfg := config.FromEnv()
		if file == "" {
			file = cfg.Tenants.File
		}
		store, err := tenant.NewFileStore(ctx, file, log, nil)
		if err != nil {
			return err
		}
		tc, err := tenant.NewResolver(store).Resolve(ctx, tenantID)
		if err != nil {
			return err
		}

		if command != "" {
			cfg.Executor.Command = command
		}
		ex, err := localExecutor(cfg.Executor, log)
		if err != nil {
			return err
		}
		policy, err := dispatch.PolicyFromConfig(cfg.Dispatcher)
		if err != nil {
			return err
		}
		if maxAttempts > 0 {
			policy.MaxAttempts = maxAttempts
		}
		wait := sleepCtx
		if noWait {
			wait = func(context.Context, time.Duration) error { return nil }
		}

		_, err = runLocal(ctx, ex, tc, unit, policy, wait, cmd.OutOrStdout())
		return err
	},
}

func localExecutor(cfg config.Executor, log *logging.Logger) (*executor.Router, error) {
	repos, err := executor.NewGitHubAPI(cfg.GitHubBaseURL)
	if err != nil {
		return nil, err
	}
	runner := executor.ShellRunner{Command: cfg.Command, Timeout: cfg.CommandTimeout, TailBytes: cfg.OutputTailBytes}
	ws := executor.NewGitWorkspace(cfg.WorkDir, cfg.CloneBaseURL)
	return executor.NewRouter(executor.NewQualityLoop(repos, ws, runner, log).Handlers())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// runLocal drives an ephemeral unit through the retry policy the way a
// dispatcher loop drives a persisted task
func runLocal(ctx context.Context, ex executor.Executor, tc tenant.Context, unit *queue.Ephemeral, policy dispatch.Policy, wait func(context.Context, time.Duration) error, out io.Writer) (executor.Result, error) {
	for {
		if err := unit.MarkInProgress(ctx); err != nil {
			return executor.Result{}, err
		}
		attempt := unit.RetryCount() + 1
		fmt.Fprintf(out, "attempt %d: %s for %s\n", attempt, unit.WorkType(), tc.Repository)

		res, err := ex.Execute(ctx, executor.Request{Tenant: tc, Unit: unit, Attempt: attempt})
		if err != nil {
			if executor.IsPermanent(err) {
				_ = unit.MarkFailed(ctx, err.Error())
				fmt.Fprintf(out, "  permanent failure: %v\n", err)
				return res, err
			}
			res = executor.Failure(err.Error(), nil)
		}

		switch res.Outcome {
		case executor.OutcomeSuccess, executor.OutcomeNoWork:
			if err := unit.MarkCompleted(ctx); err != nil {
				return res, err
			}
			fmt.Fprintf(out, "  %s\n", res.Outcome)
			for _, f := range res.FollowUps {
				fmt.Fprintf(out, "  follow-up: %s (priority %d) %v\n", f.WorkType, f.Priority, f.Metadata)
			}
			return res, nil

		case executor.OutcomeFailure:
			fmt.Fprintf(out, "  failure: %s\n", res.Error)
			if !policy.ShouldRetry(attempt) {
				reason := fmt.Sprintf("max attempts reached (%d): %s", attempt, res.Error)
				_ = unit.MarkFailed(ctx, reason)
				return res, errors.New(reason)
			}
			delay := policy.Backoff(unit.RetryCount())
			if err := unit.Requeue(res.Resume); err != nil {
				return res, err
			}
			fmt.Fprintf(out, "  retrying in %s\n", delay.Round(time.Second))
			if err := wait(ctx, delay); err != nil {
				return res, err
			}

		default:
			reason := fmt.Sprintf("unknown outcome %q", res.Outcome)
			_ = unit.MarkFailed(ctx, reason)
			return res, errors.New(reason)
		}
	}
}

func init() {
	rootCmd.AddCommand(execCmd)

	execCmd.Flags().String("tenant", "", "tenant id")
	execCmd.Flags().String("tenants-file", "", "YAML tenant file (default TENANTS_FILE)")
	execCmd.Flags().String("work-type", "", "work type to run")
	execCmd.Flags().String("metadata", "", "task metadata as a JSON object")
	execCmd.Flags().String("command", "", "check command override (default EXECUTOR_COMMAND)")
	execCmd.Flags().Int("max-attempts", 0, "total executions (default MAX_ATTEMPTS)")
	execCmd.Flags().Bool("no-wait", false, "retry immediately instead of sleeping the backoff")
}
