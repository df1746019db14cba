package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/earlbot/earl/internal/log"
)

// BuiltinServerKey is the key of the permission-prompt server entry in
// generated configs. The CLI derives the tool flag from it:
// mcp__earl__approval_prompt.
const BuiltinServerKey = "earl"

// PermissionToolName is the fully qualified permission tool flag value.
const PermissionToolName = "mcp__" + BuiltinServerKey + "__approval_prompt"

const configPrefix = "earl-mcp-"

// ServerConfig is one entry in an MCP config document. Stdio servers set
// Command/Args/Env; HTTP servers set Type "http" and URL.
type ServerConfig struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Type    string            `json:"type,omitempty"`
	URL     string            `json:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Config is the document the CLI reads via --mcp-config.
type Config struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// WriteSessionConfig writes the per-session MCP config file and returns
// its path. The built-in permission server is always present and wins
// over any user-supplied server under the same key; user servers come
// from userServersPath (missing or malformed input is tolerated).
func WriteSessionConfig(dir, sessionID, threadID string, port int, userServersPath string) (string, error) {
	cfg := Config{MCPServers: make(map[string]ServerConfig)}

	for key, sc := range loadUserServers(userServersPath) {
		cfg.MCPServers[key] = sc
	}
	cfg.MCPServers[BuiltinServerKey] = ServerConfig{
		Type: "http",
		URL:  URLFor(port, threadID),
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling mcp config: %w", err)
	}

	path := filepath.Join(dir, configPrefix+sessionID+".json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("writing mcp config: %w", err)
	}
	return path, nil
}

// loadUserServers reads user-supplied server entries. Both the wrapped
// {"mcpServers": {...}} shape and a bare map are accepted.
func loadUserServers(path string) map[string]ServerConfig {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn(log.CatMCP, "reading user mcp servers", "path", path, "error", err)
		}
		return nil
	}

	var wrapped Config
	if err := json.Unmarshal(data, &wrapped); err == nil && len(wrapped.MCPServers) > 0 {
		return wrapped.MCPServers
	}
	var bare map[string]ServerConfig
	if err := json.Unmarshal(data, &bare); err == nil {
		delete(bare, "mcpServers")
		return bare
	}
	log.Warn(log.CatMCP, "malformed user mcp servers file, ignoring", "path", path)
	return nil
}

// CleanupConfigs removes session config files whose session id is not in
// the active list. An empty active list removes all of them.
func CleanupConfigs(dir string, activeSessionIDs []string) {
	active := make(map[string]bool, len(activeSessionIDs))
	for _, id := range activeSessionIDs {
		active[id] = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn(log.CatMCP, "reading mcp config dir", "dir", dir, "error", err)
		}
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, configPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		stem := strings.TrimSuffix(strings.TrimPrefix(name, configPrefix), ".json")
		if active[stem] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			log.Warn(log.CatMCP, "removing stale mcp config", "file", name, "error", err)
		} else {
			log.Debug(log.CatMCP, "removed stale mcp config", "file", name)
		}
	}
}
