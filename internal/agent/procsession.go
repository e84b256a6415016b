package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jagc-sh/jagc/internal/runner"
	"github.com/jagc-sh/jagc/internal/store"
)

// DefaultAgentBinary is the coding-agent CLI spawned per session.
const DefaultAgentBinary = "pi"

// ProcessSessionConfig configures the subprocess session adapter.
type ProcessSessionConfig struct {
	Binary      string   // agent CLI; DefaultAgentBinary when empty
	SessionsDir string   // where session transcript files live
	ExtraArgs   []string // appended after the built-in flags
}

// ProcessSessionFactory returns a SessionFactory that spawns the agent
// CLI in RPC mode, one process per thread session. Commands go in as
// JSON lines on stdin; typed events come back as JSON lines on stdout.
// The transcript file doubles as the resume handle across restarts.
func ProcessSessionFactory(cfg ProcessSessionConfig) SessionFactory {
	if cfg.Binary == "" {
		cfg.Binary = DefaultAgentBinary
	}
	return func(ctx context.Context, threadKey string, resume *store.ThreadSession) (runner.TurnSession, *SessionInfo, error) {
		info := &SessionInfo{}
		if resume != nil {
			info.SessionID = resume.SessionID
			info.SessionFile = resume.SessionFile
		} else {
			info.SessionID = uuid.Must(uuid.NewV7()).String()
			info.SessionFile = filepath.Join(cfg.SessionsDir, sessionFilename(threadKey))
		}

		args := append([]string{"--mode", "rpc", "--session", info.SessionFile}, cfg.ExtraArgs...)
		session, err := startProcessSession(cfg.Binary, args)
		if err != nil {
			return nil, nil, err
		}
		return session, info, nil
	}
}

func sessionFilename(threadKey string) string {
	return strings.ReplaceAll(threadKey, ":", "_") + ".jsonl"
}

type procCommand struct {
	Type   string      `json:"type"` // prompt | follow_up | steer | abort
	Text   string      `json:"text,omitempty"`
	Images []procImage `json:"images,omitempty"`
}

type procImage struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"` // base64 on the wire
}

// processSession adapts one agent CLI subprocess to the TurnSession
// contract.
type processSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan runner.Event

	mu     sync.Mutex
	closed bool
}

func startProcessSession(binary string, args []string) (*processSession, error) {
	cmd := exec.Command(binary, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", binary, err)
	}

	s := &processSession{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan runner.Event, 64),
	}
	go s.readEvents(stdout)
	return s, nil
}

// readEvents decodes stdout JSON lines into typed events, closing the
// channel on EOF (the controller treats that as agent_end).
func (s *processSession) readEvents(stdout io.Reader) {
	defer close(s.events)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev runner.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("unparseable agent event", "error", err)
			continue
		}
		s.events <- ev
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("agent stdout read", "error", err)
	}
}

func (s *processSession) send(cmd procCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session closed")
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode agent command: %w", err)
	}
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write agent command: %w", err)
	}
	return nil
}

func wireImages(images []*store.InputImage) []procImage {
	out := make([]procImage, 0, len(images))
	for _, img := range images {
		out = append(out, procImage{MimeType: img.MimeType, Data: img.ImageBytes})
	}
	return out
}

func (s *processSession) Prompt(ctx context.Context, text string, images []*store.InputImage) error {
	return s.send(procCommand{Type: "prompt", Text: text, Images: wireImages(images)})
}

func (s *processSession) FollowUp(ctx context.Context, text string, images []*store.InputImage) error {
	return s.send(procCommand{Type: "follow_up", Text: text, Images: wireImages(images)})
}

func (s *processSession) Steer(ctx context.Context, text string) error {
	return s.send(procCommand{Type: "steer", Text: text})
}

func (s *processSession) Abort(ctx context.Context) error {
	return s.send(procCommand{Type: "abort"})
}

func (s *processSession) Events() <-chan runner.Event { return s.events }

// Close ends the subprocess: stdin EOF asks for a clean exit, a kill
// follows if the process lingers.
func (s *processSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		s.cmd.Process.Kill()
		return <-done
	}
}
