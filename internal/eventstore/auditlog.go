package eventstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// auditLog writes a best-effort, asynchronous copy of every appended event
// to a JSONL file per calendar day (spec §4.5, §6). Writes never block the
// append path and failures are only logged.
type auditLog struct {
	dir string
	log *zap.Logger
	ch  chan Event
}

func newAuditLog(dir string, log *zap.Logger) *auditLog {
	a := &auditLog{dir: dir, log: log, ch: make(chan Event, 256)}
	go a.run()
	return a
}

func (a *auditLog) write(ev Event) {
	select {
	case a.ch <- ev:
	default:
		a.log.Warn("audit log queue full, dropping event", zap.String("session", ev.SessionID), zap.Int64("seq", ev.Seq))
	}
}

type auditRecord struct {
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	RunID     *string         `json:"runId,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (a *auditLog) run() {
	for ev := range a.ch {
		if err := a.appendOne(ev); err != nil {
			a.log.Warn("audit log write failed", zap.Error(err))
		}
	}
}

func (a *auditLog) appendOne(ev Event) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return err
	}
	name := ev.CreatedAt.UTC().Format("2006-01-02") + ".jsonl"
	f, err := os.OpenFile(filepath.Join(a.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	rec := auditRecord{SessionID: ev.SessionID, Seq: ev.Seq, RunID: ev.RunID, Type: ev.Type, Payload: ev.Payload, CreatedAt: ev.CreatedAt}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}
