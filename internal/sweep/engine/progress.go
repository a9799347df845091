package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/dynamomd/dynasweep/internal/sweep/runstate"
	"github.com/dynamomd/dynasweep/internal/sweep/scheduler"
)

// appendProgress records ev in progress.ndjson and mirrors it to live.json.
// Write failures are logged; progress is best effort.
func (m *Manager) appendProgress(ev map[string]any) {
	if ev == nil {
		return
	}
	out := make(map[string]any, len(ev)+2)
	for k, v := range ev {
		out[k] = v
	}
	out["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	out["run_id"] = m.runID
	b, err := json.Marshal(out)
	if err != nil {
		m.logger.Warn("encode progress event", zap.Error(err))
		return
	}

	m.progressMu.Lock()
	defer m.progressMu.Unlock()
	if err := os.MkdirAll(m.cfg.Workdir, 0o755); err != nil {
		m.logger.Warn("write progress", zap.Error(err))
		return
	}
	f, err := os.OpenFile(filepath.Join(m.cfg.Workdir, runstate.ProgressFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		m.logger.Warn("write progress", zap.Error(err))
		return
	}
	_, werr := f.Write(append(b, '\n'))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		m.logger.Warn("write progress", zap.Error(werr))
	}

	live := filepath.Join(m.cfg.Workdir, runstate.LiveFile)
	tmp := live + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		m.logger.Warn("write live event", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, live); err != nil {
		m.logger.Warn("write live event", zap.Error(err))
	}
}

// onSchedulerEvent turns scheduler notifications into progress events.
func (m *Manager) onSchedulerEvent(ev scheduler.Event) {
	out := map[string]any{
		"event": ev.Kind,
		"phase": "run",
		"stats": ev.Stats,
	}
	if ev.Chain != nil {
		out["chain"] = ev.Chain.String()
		out["target"] = ev.Target
	}
	if ev.Err != nil {
		out["error"] = ev.Err.Error()
	}
	if ev.Kind == "progress" {
		m.logger.Info("progress",
			zap.Int("total", ev.Stats.Total),
			zap.Int("running", ev.Stats.Running),
			zap.Int("succeeded", ev.Stats.Succeeded),
			zap.Int("skipped", ev.Stats.Skipped),
			zap.Int("failed", ev.Stats.Failed))
	}
	m.appendProgress(out)
}
