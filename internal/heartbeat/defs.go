// Package heartbeat runs scheduled autonomous sessions: each definition
// fires on a cron expression or fixed interval, posts a header message to
// its channel, and streams one assistant turn into that thread.
package heartbeat

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// DefaultTimeout bounds a heartbeat run when the definition sets none.
const DefaultTimeout = 10 * time.Minute

// Permission modes for heartbeat sessions.
const (
	PermissionAuto        = "auto"
	PermissionInteractive = "interactive"
)

// Definition describes one scheduled heartbeat. Exactly one of Cron and
// Interval must be set. Disabled definitions are kept (so !heartbeats
// can list them) but never dispatched.
type Definition struct {
	Name        string
	Description string
	ChannelID   string
	Prompt      string
	Cron        string
	Interval    time.Duration
	Timeout     time.Duration
	Persistent  bool
	WorkingDir  string
	Permission  string
	Enabled     bool
}

type yamlDefinition struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	ChannelID   string `yaml:"channel_id"`
	Prompt      string `yaml:"prompt"`
	Cron        string `yaml:"cron,omitempty"`
	Interval    string `yaml:"interval,omitempty"`
	Timeout     string `yaml:"timeout,omitempty"`
	Persistent  bool   `yaml:"persistent,omitempty"`
	WorkingDir  string `yaml:"working_dir,omitempty"`
	Permission  string `yaml:"permission,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled,omitempty"`
}

type yamlDocument struct {
	Heartbeats []yamlDefinition `yaml:"heartbeats"`
}

// LoadDefinitions reads and validates heartbeat definitions from a YAML
// file. A missing file yields no definitions and no error.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading heartbeats file: %w", err)
	}

	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing heartbeats file: %w", err)
	}

	defs := make([]Definition, 0, len(doc.Heartbeats))
	seen := make(map[string]bool)
	for i, raw := range doc.Heartbeats {
		def, err := convertDefinition(raw)
		if err != nil {
			return nil, fmt.Errorf("heartbeat %d (%q): %w", i, raw.Name, err)
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("heartbeat %d: duplicate name %q", i, def.Name)
		}
		seen[def.Name] = true
		defs = append(defs, def)
	}
	return defs, nil
}

func convertDefinition(raw yamlDefinition) (Definition, error) {
	def := Definition{
		Name:        raw.Name,
		Description: raw.Description,
		ChannelID:   raw.ChannelID,
		Prompt:      raw.Prompt,
		Cron:        raw.Cron,
		Persistent:  raw.Persistent,
		WorkingDir:  raw.WorkingDir,
		Permission:  raw.Permission,
		Timeout:     DefaultTimeout,
		Enabled:     raw.Enabled == nil || *raw.Enabled,
	}

	if def.Name == "" {
		return def, fmt.Errorf("name is required")
	}
	if def.ChannelID == "" {
		return def, fmt.Errorf("channel_id is required")
	}
	if def.Prompt == "" {
		return def, fmt.Errorf("prompt is required")
	}

	if raw.Interval != "" {
		interval, err := time.ParseDuration(raw.Interval)
		if err != nil {
			return def, fmt.Errorf("invalid interval: %w", err)
		}
		if interval <= 0 {
			return def, fmt.Errorf("interval must be positive")
		}
		def.Interval = interval
	}

	if (def.Cron == "") == (def.Interval == 0) {
		return def, fmt.Errorf("exactly one of cron and interval is required")
	}
	if def.Cron != "" {
		if _, err := cron.ParseStandard(def.Cron); err != nil {
			return def, fmt.Errorf("invalid cron expression: %w", err)
		}
	}

	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return def, fmt.Errorf("invalid timeout: %w", err)
		}
		if timeout <= 0 {
			return def, fmt.Errorf("timeout must be positive")
		}
		def.Timeout = timeout
	}

	switch def.Permission {
	case "":
		def.Permission = PermissionAuto
	case PermissionAuto, PermissionInteractive:
	default:
		return def, fmt.Errorf("permission must be %q or %q", PermissionAuto, PermissionInteractive)
	}

	return def, nil
}

// Schedule returns a human-readable schedule description.
func (d Definition) Schedule() string {
	if d.Cron != "" {
		return d.Cron
	}
	return "every " + d.Interval.String()
}

// nextRun computes the next firing time after now.
func (d Definition) nextRun(now time.Time) time.Time {
	if d.Cron != "" {
		sched, err := cron.ParseStandard(d.Cron)
		if err != nil {
			// Validated at load time; unreachable for loaded definitions.
			return time.Time{}
		}
		return sched.Next(now)
	}
	return now.Add(d.Interval)
}
