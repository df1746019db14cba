package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/earlbot/earl/internal/log"
)

const (
	// Scanner buffer sizing: assistant events can carry large tool
	// payloads, well past bufio's default line limit.
	initialScanBufferSize = 64 * 1024
	maxScanBufferSize     = 1024 * 1024

	interruptGrace = 5 * time.Second
	terminateGrace = 5 * time.Second
)

// Callbacks receive parsed assistant events. Registration is
// last-writer-wins: the most recent SetCallbacks call owns the stream.
// Callbacks run on the stdout reader goroutine and must not block for
// long or the pipe backs up.
type Callbacks struct {
	OnText       func(text string)
	OnToolUse    func(tu ToolUse)
	OnToolResult func(tr ToolResult)
	OnSystem     func(ev SystemEvent)
	OnComplete   func()
}

// Session is one live assistant CLI process bound to a chat thread. A
// session accepts user turns on stdin and surfaces parsed events through
// its callbacks until the process exits.
type Session struct {
	ThreadID   string
	ChannelID  string
	WorkingDir string

	cmd   *exec.Cmd
	stdin io.WriteCloser
	stats *Stats

	mu              sync.Mutex
	claudeSessionID string
	callbacks       Callbacks
	stdinClosed     bool

	done    chan struct{}
	exitErr error
	readers sync.WaitGroup
}

// Spawn starts the assistant CLI per spec and begins reading its output.
func Spawn(threadID, channelID string, spec LaunchSpec) (*Session, error) {
	cmd := exec.Command(claudeBinary, spec.Args()...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = spec.Env()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting assistant process: %w", err)
	}

	s := &Session{
		ThreadID:        threadID,
		ChannelID:       channelID,
		WorkingDir:      spec.WorkingDir,
		cmd:             cmd,
		stdin:           stdin,
		stats:           &Stats{},
		claudeSessionID: spec.SessionID,
		done:            make(chan struct{}),
	}
	if spec.ResumeID != "" {
		s.claudeSessionID = spec.ResumeID
	}

	s.readers.Add(2)
	go s.readStdout(stdout)
	go s.readStderr(stderr)

	go func() {
		err := cmd.Wait()
		s.readers.Wait()
		s.mu.Lock()
		s.exitErr = err
		s.mu.Unlock()
		close(s.done)
		log.Info(log.CatSession, "assistant process exited",
			"thread", threadID, "pid", cmd.Process.Pid, "error", err)
	}()

	log.Info(log.CatSession, "assistant process started",
		"thread", threadID, "pid", cmd.Process.Pid, "dir", spec.WorkingDir, "resume", spec.ResumeID != "")
	return s, nil
}

// SetCallbacks replaces the event callbacks for this session.
func (s *Session) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = cb
}

func (s *Session) currentCallbacks() Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callbacks
}

// ClaudeSessionID returns the CLI's session id, needed for --resume.
func (s *Session) ClaudeSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claudeSessionID
}

// Stats exposes the session's usage counters.
func (s *Session) Stats() *Stats {
	return s.stats
}

// Alive reports whether the process is still running.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Done closes when the process has exited and both readers have drained.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ExitErr returns the process exit error after Done closes.
func (s *Session) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// SendTurn writes one user turn to the process. Returns false without
// touching any counters when the session is dead or the write fails, so
// callers can retry on a fresh session.
func (s *Session) SendTurn(text string) bool {
	if !s.Alive() {
		return false
	}

	turn := map[string]any{
		"type": "user",
		"message": map[string]string{
			"role":    "user",
			"content": text,
		},
	}
	data, err := json.Marshal(turn)
	if err != nil {
		log.ErrorErr(log.CatSession, "encoding turn", err, "thread", s.ThreadID)
		return false
	}
	data = append(data, '\n')

	s.mu.Lock()
	if s.stdinClosed {
		s.mu.Unlock()
		return false
	}
	_, err = s.stdin.Write(data)
	s.mu.Unlock()
	if err != nil {
		log.ErrorErr(log.CatSession, "writing turn", err, "thread", s.ThreadID)
		return false
	}

	s.stats.BeginTurn(time.Now())
	return true
}

// Interrupt asks the CLI to abort the in-flight turn without exiting.
func (s *Session) Interrupt() error {
	if !s.Alive() {
		return nil
	}
	return s.cmd.Process.Signal(syscall.SIGINT)
}

// Kill stops the process, escalating: interrupt, then terminate, then
// force-kill, with a grace period between each step.
func (s *Session) Kill() {
	if !s.Alive() {
		return
	}

	s.mu.Lock()
	if !s.stdinClosed {
		s.stdinClosed = true
		_ = s.stdin.Close()
	}
	s.mu.Unlock()

	steps := []struct {
		sig   syscall.Signal
		grace time.Duration
	}{
		{syscall.SIGINT, interruptGrace},
		{syscall.SIGTERM, terminateGrace},
	}
	for _, step := range steps {
		if err := s.cmd.Process.Signal(step.sig); err != nil {
			// Process already reaped; the readers may still be draining.
			<-s.done
			return
		}
		select {
		case <-s.done:
			return
		case <-time.After(step.grace):
		}
	}

	log.Warn(log.CatSession, "force-killing assistant process", "thread", s.ThreadID)
	_ = s.cmd.Process.Kill()
	<-s.done
}

// readStdout parses newline-delimited JSON events and fans them out to
// the callbacks. Malformed lines and unknown event types are skipped.
func (s *Session) readStdout(r io.Reader) {
	defer s.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialScanBufferSize), maxScanBufferSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ev rawEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			log.Debug(log.CatSession, "skipping malformed event", "thread", s.ThreadID, "error", err)
			continue
		}
		s.handleEvent(&ev)
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatSession, "stdout reader stopped", "thread", s.ThreadID, "error", err)
	}
}

func (s *Session) handleEvent(ev *rawEvent) {
	if ev.SessionID != "" {
		s.mu.Lock()
		s.claudeSessionID = ev.SessionID
		s.mu.Unlock()
	}

	cb := s.currentCallbacks()

	switch ev.Type {
	case eventSystem:
		if cb.OnSystem != nil {
			cb.OnSystem(SystemEvent{Subtype: ev.Subtype, Message: ev.systemText()})
		}

	case eventAssistant:
		env := ev.envelope()
		if env == nil {
			return
		}
		var text strings.Builder
		for _, block := range env.blocks() {
			switch block.Type {
			case "text":
				text.WriteString(block.Text)
			case "tool_use":
				if cb.OnToolUse != nil {
					cb.OnToolUse(ToolUse{ID: block.ID, Name: block.Name, Input: block.Input})
				}
			}
		}
		if text.Len() > 0 {
			s.stats.StampFirstToken(time.Now())
			if cb.OnText != nil {
				cb.OnText(text.String())
			}
		}

	case eventUser:
		env := ev.envelope()
		if env == nil {
			return
		}
		for _, block := range env.blocks() {
			if block.Type != "tool_result" {
				continue
			}
			if result := collectToolResult(block.Content); result != nil && cb.OnToolResult != nil {
				cb.OnToolResult(*result)
			}
		}

	case eventResult:
		s.stats.ApplyResult(ev, time.Now())
		if cb.OnComplete != nil {
			cb.OnComplete()
		}
	}
}

// readStderr surfaces CLI diagnostics in the log.
func (s *Session) readStderr(r io.Reader) {
	defer s.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, initialScanBufferSize), maxScanBufferSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		log.Debug(log.CatSession, "assistant stderr", "thread", s.ThreadID, "line", line)
	}
}
