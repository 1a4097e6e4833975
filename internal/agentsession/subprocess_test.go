package agentsession

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeExecutable(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o755)
}

func TestSubprocessFactory_OpenInvalidCommandErrors(t *testing.T) {
	f := &SubprocessFactory{Command: "nonexistent-agent-xyz", SessionDir: t.TempDir()}
	_, _, err := f.Open(context.Background(), "cli:default", nil)
	require.Error(t, err)
}

// echoAgentScript is a stand-in "external coding-agent process" (§1): it
// reads one line of JSON off stdin and immediately emits a matching
// message_end event, enough to exercise SubprocessFactory's framing without
// a real agent binary.
const echoAgentScript = `#!/bin/sh
read line
printf '{"kind":"message_end","role":"assistant","text":"echo"}\n'
`

func writeEchoAgent(t *testing.T) string {
	t.Helper()
	path := t.TempDir() + "/echo-agent.sh"
	require.NoError(t, writeExecutable(path, echoAgentScript))
	return path
}

func TestSubprocessFactory_OpenAndRoundTrip(t *testing.T) {
	path := writeEchoAgent(t)
	f := &SubprocessFactory{Command: path, SessionDir: t.TempDir()}

	sess, sid, err := f.Open(context.Background(), "cli:default", nil)
	require.NoError(t, err)
	require.Equal(t, "cli:default", sid.SessionID)
	defer sess.Close()

	require.NoError(t, sess.Prompt(context.Background(), "hello", nil))

	select {
	case ev := <-sess.Events():
		require.Equal(t, EventMessageEnd, ev.Kind)
		require.Equal(t, "echo", ev.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for agent event")
	}
}

func TestSubprocessFactory_OpenWithExistingSessionPassesResume(t *testing.T) {
	path := writeEchoAgent(t)
	f := &SubprocessFactory{Command: path, SessionDir: t.TempDir()}

	existing := &SessionID{SessionID: "cli:default", SessionFile: "/tmp/whatever.jsonl"}
	sess, sid, err := f.Open(context.Background(), "cli:default", existing)
	require.NoError(t, err)
	require.Equal(t, existing.SessionFile, sid.SessionFile)
	defer sess.Close()
}
