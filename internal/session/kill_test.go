package session

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startProcess wires a Session around an arbitrary command the way Spawn
// does, minus the assistant launch arguments.
func startProcess(t *testing.T, name string, args ...string) *Session {
	t.Helper()
	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	s := &Session{ThreadID: "thread-1", cmd: cmd, stdin: stdin, stats: &Stats{}, done: make(chan struct{})}
	go func() {
		waitErr := cmd.Wait()
		s.mu.Lock()
		s.exitErr = waitErr
		s.mu.Unlock()
		close(s.done)
	}()
	return s
}

func TestKillStopsLiveProcess(t *testing.T) {
	s := startProcess(t, "sleep", "60")

	finished := make(chan struct{})
	go func() {
		s.Kill()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(interruptGrace + terminateGrace + 5*time.Second):
		t.Fatal("Kill did not return")
	}
	assert.False(t, s.Alive())
}

func TestKillWaitsForExitWhenSignalFails(t *testing.T) {
	cmd := exec.Command("true")
	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	require.NoError(t, cmd.Wait())

	// The process is already reaped, so signaling fails, but the exit
	// path has not finished yet.
	s := &Session{ThreadID: "thread-1", cmd: cmd, stdin: stdin, stats: &Stats{}, done: make(chan struct{})}
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.done)
	}()

	s.Kill()
	assert.False(t, s.Alive(), "Kill must not return before the exit path completes")
}
