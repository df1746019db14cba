// Package tmux watches registered terminal-multiplexer panes and relays
// notable state changes (completion, errors, questions, permission
// prompts, stalls) into their chat threads, with emoji reactions driving
// keystrokes back into the pane.
package tmux

import (
	"fmt"
	"os/exec"
	"strings"
)

// Multiplexer is the narrow surface the monitor needs from a terminal
// multiplexer. Implementations must be safe for concurrent use.
type Multiplexer interface {
	// HasSession reports whether the named session exists.
	HasSession(name string) bool
	// CapturePane returns the visible text of the session's active pane.
	CapturePane(name string) (string, error)
	// SendKeys types the given literal keys into the pane, followed by
	// Enter.
	SendKeys(name, keys string) error
}

// CLI shells out to the tmux binary.
type CLI struct{}

// HasSession runs tmux has-session.
func (CLI) HasSession(name string) bool {
	return exec.Command("tmux", "has-session", "-t", name).Run() == nil
}

// CapturePane runs tmux capture-pane -p.
func (CLI) CapturePane(name string) (string, error) {
	out, err := exec.Command("tmux", "capture-pane", "-p", "-t", name).Output()
	if err != nil {
		return "", fmt.Errorf("capturing pane %s: %w", name, err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// SendKeys runs tmux send-keys with a literal string and Enter.
func (CLI) SendKeys(name, keys string) error {
	if err := exec.Command("tmux", "send-keys", "-t", name, "-l", keys).Run(); err != nil {
		return fmt.Errorf("sending keys to %s: %w", name, err)
	}
	if err := exec.Command("tmux", "send-keys", "-t", name, "Enter").Run(); err != nil {
		return fmt.Errorf("sending enter to %s: %w", name, err)
	}
	return nil
}

var _ Multiplexer = CLI{}
