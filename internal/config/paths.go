package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// State-file layout under the config root.
const (
	sessionsFilename       = "sessions.json"
	tmuxSessionsFilename   = "tmux_sessions.json"
	mcpDirname             = "mcp"
	mcpServersFilename     = "mcp_servers.json"
	restartContextFilename = "restart_context.json"
	heartbeatsFilename     = "heartbeats.yaml"
	historyFilename        = "history.db"
	logFilename            = "earl.log"
)

// EnsureRoot creates the config root and the mcp subdirectory.
func (c *Config) EnsureRoot() error {
	for _, dir := range []string{c.Root, filepath.Join(c.Root, mcpDirname), c.ClaudeHome} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// SessionsFile is the persistent session store path.
func (c *Config) SessionsFile() string { return filepath.Join(c.Root, sessionsFilename) }

// TmuxSessionsFile is the terminal-monitor registry path.
func (c *Config) TmuxSessionsFile() string { return filepath.Join(c.Root, tmuxSessionsFilename) }

// MCPDir holds the generated per-session MCP config files.
func (c *Config) MCPDir() string { return filepath.Join(c.Root, mcpDirname) }

// MCPServersFile is the user-supplied MCP server definitions path.
func (c *Config) MCPServersFile() string { return filepath.Join(c.Root, mcpServersFilename) }

// RestartContextFile is the transient restart-notice path.
func (c *Config) RestartContextFile() string { return filepath.Join(c.Root, restartContextFilename) }

// HeartbeatsFile is the heartbeat definitions path.
func (c *Config) HeartbeatsFile() string { return filepath.Join(c.Root, heartbeatsFilename) }

// HistoryFile is the sqlite turn-history archive path.
func (c *Config) HistoryFile() string { return filepath.Join(c.Root, historyFilename) }

// LogFile is the structured log path.
func (c *Config) LogFile() string { return filepath.Join(c.Root, logFilename) }
