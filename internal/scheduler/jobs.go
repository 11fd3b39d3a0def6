package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/polyrisk/internal/pipeline"
)

// Job names.
const (
	JobSnapshot = "snapshot"
	JobEvict    = "evict"
)

// SnapshotJob persists cleaner statistics and the correlation matrix.
func SnapshotJob(schedule string, p *pipeline.Pipeline, w pipeline.SnapshotWriter) Job {
	return Job{
		Name:     JobSnapshot,
		Schedule: schedule,
		Timeout:  30 * time.Second,
		Run: func(ctx context.Context) error {
			return p.Snapshot(ctx, w)
		},
	}
}

// EvictJob drops stale correlation entries.
func EvictJob(schedule string, p *pipeline.Pipeline, now func() time.Time) Job {
	if now == nil {
		now = time.Now
	}
	return Job{
		Name:     JobEvict,
		Schedule: schedule,
		Run: func(context.Context) error {
			if n := p.EvictStale(now()); n > 0 {
				log.Info().Int("evicted", n).Msg("Stale correlations evicted")
			}
			return nil
		},
	}
}
