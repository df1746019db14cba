package runner

import (
	"context"
	"encoding/json"
	"os"

	"github.com/earlbot/earl/internal/log"
)

// restartContext records where a !restart or !update was issued so the
// next start can post a notice in that thread.
type restartContext struct {
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id"`
	Command   string `json:"command"`
}

func (r *Runner) writeRestartContext(threadID, channelID string, update bool) {
	rc := restartContext{ChannelID: channelID, ThreadID: threadID, Command: "restart"}
	if update {
		rc.Command = "update"
	}

	data, err := json.Marshal(rc)
	if err != nil {
		return
	}
	if err := os.WriteFile(r.cfg.RestartContextFile(), data, 0600); err != nil {
		log.Warn(log.CatRunner, "writing restart context", "error", err)
	}
}

// postRestartNotice completes the restart handshake: if the previous
// process left a restart context, announce the comeback in the thread
// that asked for it and delete the file.
func (r *Runner) postRestartNotice(ctx context.Context) {
	path := r.cfg.RestartContextFile()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn(log.CatRunner, "reading restart context", "error", err)
		}
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			log.Warn(log.CatRunner, "removing restart context", "error", err)
		}
	}()

	var rc restartContext
	if err := json.Unmarshal(data, &rc); err != nil || rc.ThreadID == "" {
		return
	}

	notice := "Back online after restart."
	if rc.Command == "update" {
		notice = "Back online after update and restart."
	}
	r.post(ctx, rc.ChannelID, rc.ThreadID, notice)
}
