package session

import (
	"fmt"
	"os"
)

// claudeBinary is the assistant CLI executable resolved from PATH.
const claudeBinary = "claude"

// LaunchSpec describes how to start one assistant CLI process. Exactly one
// of SessionID and ResumeID should be set: SessionID names a fresh session,
// ResumeID continues a prior one.
type LaunchSpec struct {
	SessionID string
	ResumeID  string

	Model           string
	SkipPermissions bool
	PermissionTool  string
	MCPConfigPath   string
	SystemPrompt    string

	WorkingDir string
	ClaudeHome string
}

// Args builds the CLI argument list. The process reads user turns on stdin
// and writes newline-delimited JSON events on stdout.
func (l LaunchSpec) Args() []string {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}

	if l.ResumeID != "" {
		args = append(args, "--resume", l.ResumeID)
	} else if l.SessionID != "" {
		args = append(args, "--session-id", l.SessionID)
	}

	if l.Model != "" {
		args = append(args, "--model", l.Model)
	}

	if l.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	} else if l.PermissionTool != "" {
		args = append(args, "--permission-prompt-tool", l.PermissionTool)
	}

	if l.MCPConfigPath != "" {
		args = append(args, "--mcp-config", l.MCPConfigPath)
	}

	if l.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", l.SystemPrompt)
	}

	return args
}

// Env returns the process environment, pointing the CLI at a dedicated
// config dir when one is configured.
func (l LaunchSpec) Env() []string {
	env := os.Environ()
	if l.ClaudeHome != "" {
		env = append(env, fmt.Sprintf("CLAUDE_CONFIG_DIR=%s", l.ClaudeHome))
	}
	return env
}
