package service

import (
	"context"
	"sync/atomic"

	"github.com/okian/stepscore/internal/adapters/mq/worker"
	"github.com/okian/stepscore/internal/adapters/repository"
	"github.com/okian/stepscore/internal/domain/model"
)

// tracker counts change batches accepted by the sink and not yet processed.
type tracker struct {
	sink    repository.ChangeSink
	proc    worker.Processor
	pending atomic.Int64
}

func (t *tracker) Publish(ctx context.Context, b model.ChangeBatch) bool {
	t.pending.Add(1)
	if !t.sink.Publish(ctx, b) {
		t.pending.Add(-1)
		return false
	}
	return true
}

func (t *tracker) Process(ctx context.Context, b model.ChangeBatch) error {
	defer t.pending.Add(-1)
	return t.proc.Process(ctx, b)
}

func (t *tracker) Pending() int64 { return t.pending.Load() }
