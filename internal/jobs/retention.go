package jobs

import (
	"context"
	"time"

	"loadmesh/pkg/logger"
	"loadmesh/pkg/store/mysql"

	"go.uber.org/zap"
)

// ArchiveRetention prunes archived run results older than the retention
// window. Runs hourly on the hour so prune load is predictable.
type ArchiveRetention struct {
	archive   *mysql.ResultRepository
	retention time.Duration
}

// NewArchiveRetention creates the retention job.
func NewArchiveRetention(archive *mysql.ResultRepository, retention time.Duration) *ArchiveRetention {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &ArchiveRetention{archive: archive, retention: retention}
}

func (j *ArchiveRetention) Name() string            { return "archive-retention" }
func (j *ArchiveRetention) Interval() time.Duration { return time.Hour }
func (j *ArchiveRetention) AlignToInterval() bool   { return true }

// Run deletes rows past the retention window.
func (j *ArchiveRetention) Run(ctx context.Context) error {
	removed, err := j.archive.DeleteBefore(ctx, time.Now().Add(-j.retention))
	if err != nil {
		return err
	}
	if removed > 0 {
		logger.Info("archived runs pruned", zap.Int64("removed", removed))
	}
	return nil
}
