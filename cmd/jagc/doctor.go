package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// doctorResponse mirrors internal/doctor.Diagnosis's JSON shape.
type doctorResponse struct {
	Timestamp string `json:"timestamp"`
	System    struct {
		OS      string `json:"os"`
		Arch    string `json:"arch"`
		Go      string `json:"go_version"`
		Version string `json:"version"`
	} `json:"system"`
	Results []struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		Message string `json:"message"`
		Detail  string `json:"detail,omitempty"`
	} `json:"results"`
}

// newDoctorCommand hits GET /v1/doctor (the internal/doctor self-diagnostic
// sweep) and prints one line per check, the CLI-side counterpart to the
// teacher's own `goclaw doctor` command.
func newDoctorCommand(newClientFromCmd func(*cobra.Command) *client) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run the daemon's self-diagnostic sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClientFromCmd(cmd)
			var d doctorResponse
			if err := c.get(cmd.Context(), "/v1/doctor", &d); err != nil {
				return err
			}
			fmt.Printf("%s %s go%s version=%s\n", d.System.OS, d.System.Arch, d.System.Go, d.System.Version)
			failed := false
			for _, r := range d.Results {
				fmt.Printf("[%s] %-10s %s\n", r.Status, r.Name, r.Message)
				if r.Detail != "" {
					fmt.Printf("           %s\n", r.Detail)
				}
				if r.Status == "FAIL" {
					failed = true
				}
			}
			if failed {
				return fmt.Errorf("one or more checks failed")
			}
			return nil
		},
	}
}
