package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newThreadCommand(newClientFromCmd func(*cobra.Command) *client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "thread",
		Short: "Operate on a conversation thread (§6)",
	}
	cmd.AddCommand(newThreadCancelCommand(newClientFromCmd))
	cmd.AddCommand(newThreadResetSessionCommand(newClientFromCmd))
	cmd.AddCommand(newThreadShareCommand(newClientFromCmd))
	return cmd
}

func newThreadCancelCommand(newClientFromCmd func(*cobra.Command) *client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <thread-key>",
		Short: "Cancel the thread's active run, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientFromCmd(cmd)
			var result map[string]any
			if err := c.post(cmd.Context(), "/v1/threads/"+args[0]+"/cancel", nil, &result); err != nil {
				return err
			}
			fmt.Printf("cancelled=%v\n", result["cancelled"])
			return nil
		},
	}
}

func newThreadResetSessionCommand(newClientFromCmd func(*cobra.Command) *client) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-session <thread-key>",
		Short: "Forget the thread's bound agent session, starting fresh next run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientFromCmd(cmd)
			if err := c.delete(cmd.Context(), "/v1/threads/"+args[0]+"/session"); err != nil {
				return err
			}
			fmt.Println("session reset for", args[0])
			return nil
		},
	}
}

func newThreadShareCommand(newClientFromCmd func(*cobra.Command) *client) *cobra.Command {
	return &cobra.Command{
		Use:   "share <thread-key>",
		Short: "Show the thread's current session binding for handoff",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientFromCmd(cmd)
			var result map[string]any
			if err := c.get(cmd.Context(), "/v1/threads/"+args[0]+"/share", &result); err != nil {
				return err
			}
			fmt.Printf("%+v\n", result)
			return nil
		},
	}
}
