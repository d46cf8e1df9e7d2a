package agentctl

import (
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/streamcore/internal/eventstore"
	"github.com/durable-streams/streamcore/internal/realtime"
)

// RecoverStaleRuns finds runs whose agent_start predates maxAge with no
// matching run_closed, and appends a synthetic run_closed for each (spec
// §4.8). Call once at process start, before serving traffic.
func RecoverStaleRuns(overlay *realtime.Overlay, maxAge time.Duration, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	stale, err := overlay.Store().FindStaleRuns(maxAge)
	if err != nil {
		return err
	}
	for _, r := range stale {
		runID := r.RunID
		_, err := overlay.Append(eventstore.AppendInput{
			SessionID: r.SessionID,
			RunID:     &runID,
			Type:      "run_closed",
			Payload:   mustJSON(map[string]string{"reason": "recovered_after_crash"}),
		})
		if err != nil {
			log.Warn("stale run recovery append failed", zap.String("session", r.SessionID), zap.String("run", r.RunID), zap.Error(err))
			continue
		}
		log.Info("recovered stale run", zap.String("session", r.SessionID), zap.String("run", r.RunID))
	}
	return nil
}
