// Package config provides configuration types and environment loading for Earl.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default tunables. Overridable via environment where a matching key exists.
const (
	DefaultTmuxPollInterval = 45 * time.Second
	DefaultDebounce         = 300 * time.Millisecond
	DefaultIdleTimeout      = 90 * time.Minute
)

// ChannelConfig binds a Mattermost channel to a working directory for
// assistant sessions started from that channel.
type ChannelConfig struct {
	ID         string `mapstructure:"id"`
	WorkingDir string `mapstructure:"working_dir"`
}

// Config holds all runtime configuration for Earl.
type Config struct {
	// Mattermost connection.
	MattermostURL string `mapstructure:"mattermost_url"`
	WebSocketURL  string `mapstructure:"-"` // derived from MattermostURL
	BotToken      string `mapstructure:"bot_token"`
	BotID         string `mapstructure:"bot_id"`

	// Channels the bot listens on. When EARL_CHANNELS is set it overrides
	// the single EARL_CHANNEL_ID mode.
	Channels []ChannelConfig `mapstructure:"channels"`

	// AllowedUsers is the username allow-list. Empty means everyone.
	AllowedUsers []string `mapstructure:"allowed_users"`

	// Assistant settings.
	SkipPermissions bool   `mapstructure:"skip_permissions"`
	Model           string `mapstructure:"model"`
	ClaudeHome      string `mapstructure:"claude_home"`

	// TmuxPollInterval is the terminal-monitor poll period.
	TmuxPollInterval time.Duration `mapstructure:"tmux_poll_interval"`

	// Debounce is the streaming-post edit debounce.
	Debounce time.Duration `mapstructure:"debounce"`

	// IdleTimeout is how long a session may sit without activity before
	// the idle reaper stops it.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// Root is the config/state directory (sessions.json, mcp/, ...).
	Root string `mapstructure:"root"`

	// Tracing. Exporter is one of none, file, stdout, otlp.
	TraceEnabled  bool   `mapstructure:"trace_enabled"`
	TraceExporter string `mapstructure:"trace_exporter"`
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
}

// Error is a fatal configuration error reported at startup.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// FromEnv loads configuration from the environment (see README for the
// recognized variables). Returns a *Error for any fatal problem.
func FromEnv() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for _, key := range []string{
		"MATTERMOST_URL", "MATTERMOST_BOT_TOKEN", "MATTERMOST_BOT_ID",
		"EARL_CHANNEL_ID", "EARL_CHANNELS", "EARL_ALLOWED_USERS",
		"EARL_SKIP_PERMISSIONS", "EARL_MODEL", "EARL_CLAUDE_HOME",
		"EARL_TMUX_POLL_INTERVAL", "EARL_CONFIG_DIR",
		"EARL_TRACE", "EARL_TRACE_EXPORTER", "EARL_OTLP_ENDPOINT",
	} {
		_ = v.BindEnv(key)
	}

	cfg := &Config{
		BotToken:         v.GetString("MATTERMOST_BOT_TOKEN"),
		BotID:            v.GetString("MATTERMOST_BOT_ID"),
		Model:            v.GetString("EARL_MODEL"),
		TmuxPollInterval: DefaultTmuxPollInterval,
		Debounce:         DefaultDebounce,
		IdleTimeout:      DefaultIdleTimeout,
	}

	rawURL := v.GetString("MATTERMOST_URL")
	if rawURL == "" {
		return nil, &Error{Field: "MATTERMOST_URL", Reason: "is required"}
	}
	wsURL, err := deriveWebSocketURL(rawURL)
	if err != nil {
		return nil, err
	}
	cfg.MattermostURL = strings.TrimRight(rawURL, "/")
	cfg.WebSocketURL = wsURL

	cfg.Channels = parseChannels(v.GetString("EARL_CHANNELS"), v.GetString("EARL_CHANNEL_ID"))
	cfg.AllowedUsers = splitList(v.GetString("EARL_ALLOWED_USERS"))

	// Only the exact strings "true"/"TRUE" disable permission prompts.
	skip := v.GetString("EARL_SKIP_PERMISSIONS")
	cfg.SkipPermissions = skip == "true" || skip == "TRUE"

	if raw := v.GetString("EARL_TMUX_POLL_INTERVAL"); raw != "" {
		if secs := v.GetInt("EARL_TMUX_POLL_INTERVAL"); secs >= 0 {
			cfg.TmuxPollInterval = time.Duration(secs) * time.Second
		}
	}

	root := v.GetString("EARL_CONFIG_DIR")
	if root == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, &Error{Field: "EARL_CONFIG_DIR", Reason: "cannot resolve user config dir: " + err.Error()}
		}
		root = filepath.Join(base, "earl")
	}
	cfg.Root = root

	cfg.ClaudeHome = v.GetString("EARL_CLAUDE_HOME")
	if cfg.ClaudeHome == "" {
		cfg.ClaudeHome = filepath.Join(root, "claude-home")
	}

	cfg.TraceEnabled = v.GetString("EARL_TRACE") == "true"
	cfg.TraceExporter = v.GetString("EARL_TRACE_EXPORTER")
	if cfg.TraceExporter == "" {
		cfg.TraceExporter = "file"
	}
	cfg.OTLPEndpoint = v.GetString("EARL_OTLP_ENDPOINT")

	return cfg, nil
}

// deriveWebSocketURL validates the base URL and swaps the scheme to ws(s).
func deriveWebSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", &Error{Field: "MATTERMOST_URL", Reason: "invalid URL: " + err.Error()}
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", &Error{Field: "MATTERMOST_URL", Reason: "must be http or https, got " + u.Scheme}
	}
	if u.Host == "" {
		return "", &Error{Field: "MATTERMOST_URL", Reason: "missing host"}
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v4/websocket"
	return u.String(), nil
}

// parseChannels parses EARL_CHANNELS ("id[:working_dir]" pairs, comma
// separated). A missing path defaults to the current working directory.
// Falls back to the single-channel variable when the list is empty.
func parseChannels(list, single string) []ChannelConfig {
	cwd, _ := os.Getwd()

	var channels []ChannelConfig
	for _, entry := range splitList(list) {
		id, dir, found := strings.Cut(entry, ":")
		if !found || dir == "" {
			dir = cwd
		}
		if id == "" {
			continue
		}
		channels = append(channels, ChannelConfig{ID: id, WorkingDir: dir})
	}
	if len(channels) > 0 {
		return channels
	}

	if single != "" {
		return []ChannelConfig{{ID: single, WorkingDir: cwd}}
	}
	return nil
}

// splitList splits a comma-separated list, trimming whitespace and
// dropping empty entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// WorkingDirFor returns the configured working directory for a channel,
// or empty when the channel is unknown.
func (c *Config) WorkingDirFor(channelID string) string {
	for _, ch := range c.Channels {
		if ch.ID == channelID {
			return ch.WorkingDir
		}
	}
	return ""
}

// ChannelIDs returns the configured channel ids in order.
func (c *Config) ChannelIDs() []string {
	ids := make([]string, 0, len(c.Channels))
	for _, ch := range c.Channels {
		ids = append(ids, ch.ID)
	}
	return ids
}

// UserAllowed reports whether a username passes the allow-list.
// An empty allow-list admits everyone.
func (c *Config) UserAllowed(username string) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, u := range c.AllowedUsers {
		if u == username {
			return true
		}
	}
	return false
}
