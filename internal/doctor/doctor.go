// Package doctor implements the daemon's self-diagnostic sweep, reworked
// from the teacher's internal/doctor/doctor.go: instead of checking a
// chat-TUI's LLM-provider API key and network reachability, it checks the
// pieces this daemon actually depends on at startup — the workspace
// directory, the SQLite store, and the configured runner binary.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/store"
)

// CheckResult is one diagnostic check's outcome.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Diagnosis is the full sweep's result, returned by `jagc doctor` and
// GET /v1/doctor alike.
type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// SystemInfo identifies the host and build the daemon is running under.
type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes every diagnostic check and assembles a Diagnosis. st may be
// nil (e.g. the store failed to open at startup); checkDatabase reports
// FAIL rather than panicking in that case.
func Run(ctx context.Context, cfg config.Config, st *store.Store, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results,
		checkWorkspace(cfg),
		checkDatabase(ctx, st),
		checkRunnerBinary(cfg),
		checkTelegram(cfg),
	)
	return d
}

func checkWorkspace(cfg config.Config) CheckResult {
	if cfg.WorkspaceDir == "" {
		return CheckResult{Name: "Workspace", Status: "FAIL", Message: "WORKSPACE_DIR not resolved"}
	}
	testFile := filepath.Join(cfg.WorkspaceDir, ".doctor_write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Workspace", Status: "FAIL", Message: fmt.Sprintf("directory unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Workspace", Status: "PASS", Message: fmt.Sprintf("%s is writable", cfg.WorkspaceDir)}
}

func checkDatabase(ctx context.Context, st *store.Store) CheckResult {
	if st == nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "store not opened"}
	}
	if _, err := st.ListRunningRuns(ctx, 1); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "connection and schema valid"}
}

// checkRunnerBinary resolves cfg.Runner (§6 RUNNER) on PATH. The echo
// runner needs no external process, so it always passes.
func checkRunnerBinary(cfg config.Config) CheckResult {
	if cfg.Runner == "" || cfg.Runner == config.RunnerEcho {
		return CheckResult{Name: "Runner", Status: "PASS", Message: "RUNNER=echo requires no external binary"}
	}
	path, err := exec.LookPath(cfg.Runner)
	if err != nil {
		return CheckResult{
			Name:    "Runner",
			Status:  "FAIL",
			Message: fmt.Sprintf("%q not found on PATH", cfg.Runner),
			Detail:  "set RUNNER=echo to run without an external agent process",
		}
	}
	return CheckResult{Name: "Runner", Status: "PASS", Message: fmt.Sprintf("%s resolved to %s", cfg.Runner, path)}
}

func checkTelegram(cfg config.Config) CheckResult {
	if cfg.TelegramBotToken == "" {
		return CheckResult{Name: "Telegram", Status: "SKIP", Message: "TELEGRAM_BOT_TOKEN not set, channel disabled"}
	}
	if len(cfg.TelegramAllowedUserIDs) == 0 {
		return CheckResult{
			Name:    "Telegram",
			Status:  "WARN",
			Message: "TELEGRAM_BOT_TOKEN set but TELEGRAM_ALLOWED_USER_IDS is empty",
			Detail:  "every inbound message will be rejected per §4.8's allow-list check",
		}
	}
	return CheckResult{Name: "Telegram", Status: "PASS", Message: fmt.Sprintf("%d allowed user id(s) configured", len(cfg.TelegramAllowedUserIDs))}
}
