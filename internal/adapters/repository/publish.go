package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/okian/stepscore/internal/domain/model"
	"github.com/okian/stepscore/pkg/logger"
	"github.com/okian/stepscore/pkg/metrics"
)

// publish hands the rows changed by one BatchWrite to the sink. A dropped
// batch is left for reconciliation.
func publish(ctx context.Context, o options, log logger.Logger, changed []model.ScoreRecord, now time.Time) {
	if o.sink == nil || len(changed) == 0 {
		return
	}
	batch := model.ChangeBatch{
		ID:          uuid.NewString(),
		Records:     changed,
		PublishedAt: now,
	}
	if !o.sink.Publish(ctx, batch) {
		metrics.RecordBatchDropped()
		log.Warn(ctx, "change batch dropped",
			logger.String("batch_id", batch.ID),
			logger.Int("records", len(changed)),
		)
		return
	}
	metrics.RecordBatchPublished()
}
