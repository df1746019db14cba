// Package cmd holds the CLI entry point.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/earlbot/earl/internal/chat"
	"github.com/earlbot/earl/internal/config"
	"github.com/earlbot/earl/internal/log"
	"github.com/earlbot/earl/internal/runner"
)

var (
	version   = "dev"
	debugFlag bool
)

var rootCmd = &cobra.Command{
	Use:     "earl",
	Short:   "Mattermost bridge to assistant CLI sessions",
	Long: `Earl connects Mattermost threads to locally spawned assistant CLI
processes: each thread gets its own session, replies stream into the
thread, and emoji reactions answer questions and permission prompts.

Configuration comes from the environment; MATTERMOST_URL,
MATTERMOST_BOT_TOKEN, and EARL_CHANNEL_ID (or EARL_CHANNELS) are
required. See the README for the full list.`,
	Version:      version,
	RunE:         runBot,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().BoolVar(&debugFlag, "debug", false, "log at debug level")
}

func runBot(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if err := cfg.EnsureRoot(); err != nil {
		return err
	}

	closeLog, err := log.Init(cfg.LogFile())
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer closeLog()
	if debugFlag {
		log.SetMinLevel(log.LevelDebug)
	} else {
		log.SetMinLevel(log.LevelInfo)
	}

	client := chat.NewMattermost(cfg.MattermostURL, cfg.BotToken)
	r, err := runner.New(cfg, client)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := r.Run(ctx); err != nil {
		return err
	}

	if r.RestartRequested() {
		return execReplace(r.UpdateRequested())
	}
	return nil
}

// execReplace re-execs the current binary in place, optionally pulling
// the latest source first. Failures fall through to a normal exit.
func execReplace(update bool) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable for restart: %w", err)
	}

	if update {
		runUpdate(filepath.Dir(self))
	}

	log.Info(log.CatRunner, "exec-replacing for restart", "binary", self)
	return syscall.Exec(self, os.Args, os.Environ())
}

// runUpdate refreshes the checkout the binary lives in. Best effort; a
// failed pull still restarts on the current build.
func runUpdate(dir string) {
	pull := exec.Command("git", "-C", dir, "pull", "--ff-only")
	if out, err := pull.CombinedOutput(); err != nil {
		log.Warn(log.CatRunner, "update pull failed", "error", err, "output", string(out))
	}
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
