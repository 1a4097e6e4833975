package agentsession

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// SubprocessFactory opens a TurnSession backed by a freshly spawned external
// coding-agent process (§1: "an opaque session object" — the process itself
// is out of scope, its stdio contract is not). Each call to Open starts a
// new subprocess; "resuming" an existing SessionID means passing its
// SessionFile back to the child as --resume, the way the teacher's MCP
// transport (internal/mcp/transport.go) starts one subprocess per server
// rather than pooling.
type SubprocessFactory struct {
	// Command is the external agent binary's path, e.g. the value of an
	// AGENT_COMMAND config var.
	Command string
	// BaseArgs are flags always passed, before any --thread/--resume flags
	// this factory adds itself.
	BaseArgs []string
	// Env overrides/extends the child's environment (merged over
	// os.Environ(), mirroring mcp.NewStdioTransport).
	Env map[string]string
	// SessionDir is the directory session transcript files are written
	// under; a session's SessionFile is SessionDir/<threadKey>.jsonl.
	SessionDir string
	Logger     *slog.Logger
}

// Open starts the external agent process for threadKey, passing --resume
// <file> when existing is non-nil. The child's session file path becomes
// existing's (new threads get one derived from threadKey).
func (f *SubprocessFactory) Open(ctx context.Context, threadKey string, existing *SessionID) (TurnSession, SessionID, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sessionFile := sessionFilePath(f.SessionDir, threadKey)
	sessionID := threadKey
	args := append([]string{}, f.BaseArgs...)
	args = append(args, "--thread", threadKey, "--session-file", sessionFile)
	if existing != nil {
		sessionID = existing.SessionID
		sessionFile = existing.SessionFile
		args = append(args, "--resume")
	}

	cmd := exec.CommandContext(ctx, f.Command, args...)
	cmd.Env = os.Environ()
	for k, v := range f.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, SessionID{}, fmt.Errorf("agent stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, SessionID{}, fmt.Errorf("agent stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, SessionID{}, fmt.Errorf("agent stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, SessionID{}, fmt.Errorf("start agent command %q: %w", f.Command, err)
	}

	sess := &subprocessSession{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, 64),
		logger: logger,
	}
	go sess.drainStderr(stderr)
	go sess.readEvents(stdout)

	return sess, SessionID{SessionID: sessionID, SessionFile: sessionFile}, nil
}

func sessionFilePath(dir, threadKey string) string {
	safe := make([]rune, 0, len(threadKey))
	for _, r := range threadKey {
		if r == '/' || r == '\\' || r == ':' {
			r = '_'
		}
		safe = append(safe, r)
	}
	return dir + "/" + string(safe) + ".jsonl"
}

// wireCommand is one line written to the child's stdin.
type wireCommand struct {
	Type   string  `json:"type"` // "prompt" | "follow_up" | "steer" | "abort"
	Text   string  `json:"text,omitempty"`
	Images []Image `json:"images,omitempty"`
}

// wireEvent is one line read from the child's stdout.
type wireEvent struct {
	Kind             EventKind `json:"kind"`
	Role             Role      `json:"role,omitempty"`
	Text             string    `json:"text,omitempty"`
	Delta            string    `json:"delta,omitempty"`
	ContentIndex     int       `json:"content_index,omitempty"`
	ToolCallID       string    `json:"tool_call_id,omitempty"`
	ToolName         string    `json:"tool_name,omitempty"`
	ToolArgs         []byte    `json:"tool_args,omitempty"`
	ToolResult       []byte    `json:"tool_result,omitempty"`
	ToolIsError      bool      `json:"tool_is_error,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	Model            string    `json:"model,omitempty"`
	StructuredOutput []byte    `json:"structured_output,omitempty"`
	ToolResultCount  int       `json:"tool_result_count,omitempty"`
}

// subprocessSession implements TurnSession over the child's stdio: one
// newline-delimited JSON command per write, one newline-delimited JSON
// event per read — the same framing as mcp.StdioTransport, generalized
// from JSON-RPC envelopes to this package's own Event shape.
type subprocessSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func (s *subprocessSession) send(cmd wireCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("agent session closed")
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	_, err = s.stdin.Write(append(raw, '\n'))
	return err
}

func (s *subprocessSession) Prompt(_ context.Context, text string, images []Image) error {
	return s.send(wireCommand{Type: "prompt", Text: text, Images: images})
}

func (s *subprocessSession) FollowUp(_ context.Context, text string, images []Image) error {
	return s.send(wireCommand{Type: "follow_up", Text: text, Images: images})
}

func (s *subprocessSession) Steer(_ context.Context, text string, images []Image) error {
	return s.send(wireCommand{Type: "steer", Text: text, Images: images})
}

func (s *subprocessSession) Abort(_ context.Context) error {
	return s.send(wireCommand{Type: "abort"})
}

func (s *subprocessSession) Events() <-chan Event { return s.events }

func (s *subprocessSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		return s.cmd.Process.Kill()
	}
	return nil
}

func (s *subprocessSession) drainStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.logger.Debug("agent stderr", "command", s.cmd.Path, "msg", scanner.Text())
	}
}

func (s *subprocessSession) readEvents(stdout io.ReadCloser) {
	defer close(s.events)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var we wireEvent
		if err := json.Unmarshal(scanner.Bytes(), &we); err != nil {
			s.logger.Warn("agent emitted malformed event line", "error", err)
			continue
		}
		s.events <- Event{
			Kind:             we.Kind,
			Role:             we.Role,
			Text:             we.Text,
			Delta:            we.Delta,
			ContentIndex:     we.ContentIndex,
			ToolCallID:       we.ToolCallID,
			ToolName:         we.ToolName,
			ToolArgs:         we.ToolArgs,
			ToolResult:       we.ToolResult,
			ToolIsError:      we.ToolIsError,
			Provider:         we.Provider,
			Model:            we.Model,
			StructuredOutput: we.StructuredOutput,
			ToolResultCount:  we.ToolResultCount,
		}
	}
}
