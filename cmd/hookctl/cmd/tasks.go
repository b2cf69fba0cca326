package cmd

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookloop/internal/queue"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect tasks for the tenant in your token",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	Long: `List tasks for the tenant the token is scoped to.

Example:
  hookctl tasks list --state retrying --work-type pr-maintenance`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		workType, _ := cmd.Flags().GetString("work-type")
		limitStr, _ := cmd.Flags().GetString("limit")

		limit, err := parseLimit(limitStr)
		if err != nil {
			return err
		}
		q := url.Values{}
		if state != "" {
			q.Set("state", state)
		}
		if workType != "" {
			q.Set("work_type", workType)
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}

		var resp struct {
			Tasks []queue.Task `json:"tasks"`
		}
		if err := getJSON("/v1/tasks", q, &resp); err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		if len(resp.Tasks) == 0 {
			fmt.Fprintln(out, "No tasks found")
			return nil
		}
		for _, t := range resp.Tasks {
			fmt.Fprintf(out, "%s  %-24s %-11s p%-2d retries=%d  %s\n",
				t.ID, t.WorkType, t.State, t.Priority, t.RetryCount, formatTime(t.CreatedAt))
		}
		return nil
	},
}

var tasksGetCmd = &cobra.Command{
	Use:   "get [task-id]",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var t queue.Task
		if err := getJSON("/v1/tasks/"+url.PathEscape(args[0]), nil, &t); err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, t)
		}
		printTask(cmd, t)
		return nil
	},
}

var tasksAttemptsCmd = &cobra.Command{
	Use:   "attempts [task-id]",
	Short: "List execution attempts of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Attempts []queue.Attempt `json:"attempts"`
		}
		if err := getJSON("/v1/tasks/"+url.PathEscape(args[0])+"/attempts", nil, &resp); err != nil {
			return fmt.Errorf("failed to list attempts: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		if len(resp.Attempts) == 0 {
			fmt.Fprintln(out, "No attempts recorded")
			return nil
		}
		for _, a := range resp.Attempts {
			fmt.Fprintf(out, "#%d  %-8s started %s", a.Number, a.Status, formatTime(a.StartedAt))
			if a.BackoffSeconds > 0 {
				fmt.Fprintf(out, "  backoff=%ds", a.BackoffSeconds)
			}
			if a.Error != "" {
				fmt.Fprintf(out, "  error=%q", a.Error)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

var tasksTreeCmd = &cobra.Command{
	Use:   "tree [task-id]",
	Short: "Show a task and the follow-up tasks it spawned",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Root        queue.Task   `json:"root"`
			Descendants []queue.Task `json:"descendants"`
		}
		if err := getJSON("/v1/tasks/"+url.PathEscape(args[0])+"/tree", nil, &resp); err != nil {
			return fmt.Errorf("failed to get task tree: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}

		children := make(map[string][]queue.Task)
		for _, t := range resp.Descendants {
			children[t.ParentID] = append(children[t.ParentID], t)
		}
		var walk func(t queue.Task, depth int)
		walk = func(t queue.Task, depth int) {
			fmt.Fprintf(out, "%*s%s %s (%s)\n", depth*2, "", t.ID, t.WorkType, t.State)
			for _, c := range children[t.ID] {
				walk(c, depth+1)
			}
		}
		walk(resp.Root, 0)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth by state and priority",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Stats []queue.Stat `json:"stats"`
		}
		if err := getJSON("/v1/queue/stats", nil, &resp); err != nil {
			return fmt.Errorf("failed to get queue stats: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		if len(resp.Stats) == 0 {
			fmt.Fprintln(out, "Queue is empty")
			return nil
		}
		for _, s := range resp.Stats {
			fmt.Fprintf(out, "%-11s p%-2d %d\n", s.State, s.Priority, s.Count)
		}
		return nil
	},
}

func printTask(cmd *cobra.Command, t queue.Task) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task %s\n", t.ID)
	fmt.Fprintf(out, "  Work type: %s\n", t.WorkType)
	fmt.Fprintf(out, "  Priority: %d\n", t.Priority)
	fmt.Fprintf(out, "  State: %s\n", t.State)
	fmt.Fprintf(out, "  Retries: %d\n", t.RetryCount)
	if t.ParentID != "" {
		fmt.Fprintf(out, "  Parent: %s\n", t.ParentID)
	}
	if t.DeliveryID != "" {
		fmt.Fprintf(out, "  Delivery: %s\n", t.DeliveryID)
	}
	if t.LastError != "" {
		fmt.Fprintf(out, "  Last error: %s\n", t.LastError)
	}
	if t.State == queue.StateRetrying {
		fmt.Fprintf(out, "  Runs after: %s\n", formatTime(t.RunAfter))
	}
	fmt.Fprintf(out, "  Created: %s\n", formatTime(t.CreatedAt))
	fmt.Fprintf(out, "  Updated: %s\n", formatTime(t.UpdatedAt))
}

func init() {
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(statsCmd)
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksGetCmd)
	tasksCmd.AddCommand(tasksAttemptsCmd)
	tasksCmd.AddCommand(tasksTreeCmd)

	tasksListCmd.Flags().String("state", "", "filter by state (queued, in-progress, retrying, completed, failed)")
	tasksListCmd.Flags().String("work-type", "", "filter by work type")
	tasksListCmd.Flags().String("limit", "", "maximum number of results")
}
