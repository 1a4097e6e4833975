// Command jagc is the local CLI front end (§1's companion surface to the
// daemon): it never touches the store or bus directly, only the HTTP
// surface in internal/httpapi, the way a human or a scheduler would.
// Command construction follows cklxx-elephant.ai's cmd/cobra_cli.go
// (NewRootCommand building a *cobra.Command tree, PersistentFlags for
// global options, one AddCommand per subcommand group, a thin
// runCobraCLI-style Execute() wrapper) — its domain logic (interactive
// TUI, provider/model selection) has no analogue here and is not carried
// over; only the cobra plumbing is.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=...".
var Version = "v0.1-dev"

func newRootCommand() *cobra.Command {
	var baseURL string

	rootCmd := &cobra.Command{
		Use:           "jagc",
		Short:         "CLI front end for the jagcd agent run daemon",
		Long:          "jagc talks to a running jagcd daemon over HTTP to submit runs, manage scheduled tasks, and operate threads.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultHost := getenvOr("HOST", "127.0.0.1")
	defaultPort := getenvOr("PORT", "31415")
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", "", "daemon base URL (overrides --host/--port)")
	rootCmd.PersistentFlags().String("host", defaultHost, "daemon host (HOST env var)")
	rootCmd.PersistentFlags().String("port", defaultPort, "daemon port (PORT env var)")

	newClientFromCmd := func(cmd *cobra.Command) *client {
		if baseURL != "" {
			return newClient(baseURL)
		}
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetString("port")
		return newClient(fmt.Sprintf("http://%s:%s", host, port))
	}

	rootCmd.AddCommand(newStatusCommand(newClientFromCmd))
	rootCmd.AddCommand(newDoctorCommand(newClientFromCmd))
	rootCmd.AddCommand(newRunCommand(newClientFromCmd))
	rootCmd.AddCommand(newTasksCommand(newClientFromCmd))
	rootCmd.AddCommand(newThreadCommand(newClientFromCmd))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("jagc " + Version)
		},
	}
}

func getenvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "jagc: %v\n", err)
		os.Exit(1)
	}
}
