package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newStatusCommand probes the daemon's /healthz (§6), the same liveness
// check the teacher's own `goclaw status` subcommand (cmd/goclaw/status.go)
// performs against its BindAddr-derived health URL, reworked here to go
// through the shared client instead of a one-off http.Get.
func newStatusCommand(newClientFromCmd func(*cobra.Command) *client) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether the daemon is reachable and healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientFromCmd(cmd)
			var health map[string]any
			if err := c.get(cmd.Context(), "/healthz", &health); err != nil {
				return err
			}
			fmt.Printf("healthy=%v db_ok=%v\n", health["healthy"], health["db_ok"])
			return nil
		},
	}
}
