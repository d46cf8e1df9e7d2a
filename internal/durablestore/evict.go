package durablestore

import (
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// EvictionSchedule wraps a cron-driven sweep of producer rows older than
// maxAge (spec §4.3.1 "Producer rows older than 7 days are periodically
// evicted", §5 "Producer state cleanup runs on a periodic schedule (5
// minutes by default)"). The spec leaves the exact cadence unspecified; this
// resolves that open question with a concrete, swappable cron expression.
type EvictionSchedule struct {
	cron *cron.Cron
	log  *zap.Logger
}

// StartEvictionSchedule runs a producer-row sweep on spec, evicting rows
// whose last_updated precedes maxAge. spec defaults to "*/5 * * * *" (every
// five minutes), matching spec §5's stated default cleanup cadence.
func (s *Store) StartEvictionSchedule(spec string, maxAge time.Duration, log *zap.Logger) (*EvictionSchedule, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if spec == "" {
		spec = "*/5 * * * *"
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		n, err := s.idx.EvictInactiveProducers(time.Now().Add(-maxAge))
		if err != nil {
			log.Warn("producer eviction sweep failed", zap.Error(err))
			return
		}
		if n > 0 {
			log.Info("evicted inactive producer rows", zap.Int64("count", n))
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return &EvictionSchedule{cron: c, log: log}, nil
}

// Stop halts the schedule, waiting for any in-flight run to finish.
func (e *EvictionSchedule) Stop() {
	<-e.cron.Stop().Done()
}
