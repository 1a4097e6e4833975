package doctor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/store"
)

func TestCheckWorkspace_WritableDir(t *testing.T) {
	cfg := config.Config{WorkspaceDir: t.TempDir()}
	result := checkWorkspace(cfg)
	require.Equal(t, "PASS", result.Status)
}

func TestCheckWorkspace_EmptyDir(t *testing.T) {
	result := checkWorkspace(config.Config{})
	require.Equal(t, "FAIL", result.Status)
}

func TestCheckDatabase_NilStore(t *testing.T) {
	result := checkDatabase(context.Background(), nil)
	require.Equal(t, "FAIL", result.Status)
}

func TestCheckDatabase_OpenStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"), nil)
	require.NoError(t, err)
	defer st.DB().Close()

	result := checkDatabase(context.Background(), st)
	require.Equal(t, "PASS", result.Status)
}

func TestCheckRunnerBinary_Echo(t *testing.T) {
	result := checkRunnerBinary(config.Config{Runner: config.RunnerEcho})
	require.Equal(t, "PASS", result.Status)
}

func TestCheckRunnerBinary_MissingBinary(t *testing.T) {
	result := checkRunnerBinary(config.Config{Runner: "definitely-not-a-real-binary-xyz"})
	require.Equal(t, "FAIL", result.Status)
}

func TestCheckRunnerBinary_ResolvableBinary(t *testing.T) {
	// "echo" the shell builtin binary (distinct from config.RunnerEcho) is
	// present on every CI/dev host and exercises the LookPath success path.
	result := checkRunnerBinary(config.Config{Runner: "sh"})
	require.Equal(t, "PASS", result.Status)
}

func TestCheckTelegram_Disabled(t *testing.T) {
	result := checkTelegram(config.Config{})
	require.Equal(t, "SKIP", result.Status)
}

func TestCheckTelegram_NoAllowList(t *testing.T) {
	result := checkTelegram(config.Config{TelegramBotToken: "tok"})
	require.Equal(t, "WARN", result.Status)
}

func TestCheckTelegram_Configured(t *testing.T) {
	result := checkTelegram(config.Config{TelegramBotToken: "tok", TelegramAllowedUserIDs: []string{"123"}})
	require.Equal(t, "PASS", result.Status)
}

func TestRun_AssemblesAllChecks(t *testing.T) {
	cfg := config.Config{WorkspaceDir: t.TempDir(), Runner: config.RunnerEcho}
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"), nil)
	require.NoError(t, err)
	defer st.DB().Close()

	d := Run(context.Background(), cfg, st, "test-version")
	require.Equal(t, "test-version", d.System.Version)
	require.Len(t, d.Results, 4)
}
