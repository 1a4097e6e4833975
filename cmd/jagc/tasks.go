package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTasksCommand(newClientFromCmd func(*cobra.Command) *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scheduled tasks (§4.7)",
	}
	cmd.AddCommand(newTasksListCommand(newClientFromCmd))
	cmd.AddCommand(newTasksCreateCommand(newClientFromCmd))
	cmd.AddCommand(newTasksGetCommand(newClientFromCmd))
	cmd.AddCommand(newTasksEnableCommand(newClientFromCmd, true))
	cmd.AddCommand(newTasksEnableCommand(newClientFromCmd, false))
	cmd.AddCommand(newTasksDeleteCommand(newClientFromCmd))
	cmd.AddCommand(newTasksRunNowCommand(newClientFromCmd))
	return cmd
}

func newTasksListCommand(newClientFromCmd func(*cobra.Command) *client) *cobra.Command {
	var threadKey, state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientFromCmd(cmd)
			path := "/v1/tasks"
			if threadKey != "" || state != "" {
				path += "?"
				if threadKey != "" {
					path += "thread_key=" + threadKey
				}
				if state != "" {
					if threadKey != "" {
						path += "&"
					}
					path += "state=" + state
				}
			}
			var resp taskListResponse
			if err := c.get(cmd.Context(), path, &resp); err != nil {
				return err
			}
			for _, t := range resp.Tasks {
				printTask(t)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&threadKey, "thread", "", "filter by creator thread key")
	cmd.Flags().StringVar(&state, "state", "", "filter by state (enabled, disabled, pending, succeeded, failed)")
	return cmd
}

func newTasksCreateCommand(newClientFromCmd func(*cobra.Command) *client) *cobra.Command {
	var title, instructions, scheduleKind, cronExpr, rruleExpr, timezone, threadKey, onceAt string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new scheduled task",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientFromCmd(cmd)
			req := taskRequest{
				Title:            title,
				Instructions:     instructions,
				ScheduleKind:     scheduleKind,
				CronExpr:         cronExpr,
				RRuleExpr:        rruleExpr,
				Timezone:         orDefault(timezone, "UTC"),
				CreatorThreadKey: threadKey,
			}
			if onceAt != "" {
				t, err := time.Parse(time.RFC3339, onceAt)
				if err != nil {
					return fmt.Errorf("--once-at must be RFC3339: %w", err)
				}
				req.OnceAt = &t
			}
			var task taskResponse
			if err := c.post(cmd.Context(), "/v1/tasks", req, &task); err != nil {
				return err
			}
			printTask(task)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&instructions, "instructions", "", "instructions dispatched as the run's input text")
	cmd.Flags().StringVar(&scheduleKind, "schedule", "", "once | cron | rrule")
	cmd.Flags().StringVar(&onceAt, "once-at", "", "RFC3339 timestamp for schedule=once")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression for schedule=cron")
	cmd.Flags().StringVar(&rruleExpr, "rrule", "", "RRULE expression for schedule=rrule")
	cmd.Flags().StringVar(&timezone, "timezone", "UTC", "IANA timezone for schedule evaluation")
	cmd.Flags().StringVar(&threadKey, "thread", "cli:default", "creator thread key")
	return cmd
}

func newTasksGetCommand(newClientFromCmd func(*cobra.Command) *client) *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientFromCmd(cmd)
			var task taskResponse
			if err := c.get(cmd.Context(), "/v1/tasks/"+args[0], &task); err != nil {
				return err
			}
			printTask(task)
			return nil
		},
	}
}

func newTasksEnableCommand(newClientFromCmd func(*cobra.Command) *client, enable bool) *cobra.Command {
	use, short := "enable <task-id>", "Enable a scheduled task"
	if !enable {
		use, short = "disable <task-id>", "Disable a scheduled task"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientFromCmd(cmd)
			var task taskResponse
			if err := c.patch(cmd.Context(), "/v1/tasks/"+args[0], taskRequest{Enabled: &enable}, &task); err != nil {
				return err
			}
			printTask(task)
			return nil
		},
	}
}

func newTasksDeleteCommand(newClientFromCmd func(*cobra.Command) *client) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientFromCmd(cmd)
			if err := c.delete(cmd.Context(), "/v1/tasks/"+args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}

func newTasksRunNowCommand(newClientFromCmd func(*cobra.Command) *client) *cobra.Command {
	return &cobra.Command{
		Use:   "run-now <task-id>",
		Short: "Materialize and dispatch a task run immediately (§6)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientFromCmd(cmd)
			var result map[string]any
			if err := c.post(cmd.Context(), "/v1/tasks/"+args[0]+"/run-now", nil, &result); err != nil {
				return err
			}
			fmt.Printf("%+v\n", result)
			return nil
		},
	}
}

func printTask(t taskResponse) {
	fmt.Printf("task %s  %q  schedule=%s  enabled=%v  last_status=%s\n",
		t.TaskID, t.Title, t.ScheduleKind, t.Enabled, t.LastRunStatus)
}
