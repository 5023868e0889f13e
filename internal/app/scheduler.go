package service

import (
	"context"
	"time"

	"github.com/okian/stepscore/pkg/logger"
)

// schedule starts the periodic reconciliation and purge loops. Each loop
// runs until ctx is cancelled.
func (s *Service) schedule(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.stopLoops = cancel

	if s.reconcileInterval > 0 {
		s.every(loopCtx, "reconcile", s.reconcileInterval, func(ctx context.Context) error {
			_, err := s.runReconcile(ctx)
			return err
		})
	}
	if s.purgeInterval > 0 {
		s.every(loopCtx, "purge", s.purgeInterval, func(ctx context.Context) error {
			_, err := s.purge(ctx)
			return err
		})
	}
}

func (s *Service) every(ctx context.Context, name string, interval time.Duration, job func(context.Context) error) {
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := job(ctx); err != nil && ctx.Err() == nil {
					s.logger.Error(ctx, "scheduled job failed", logger.String("job", name), logger.Error(err))
				}
			}
		}
	}()
}

// cancelLoops stops the scheduled jobs and waits for a running job to return.
func (s *Service) cancelLoops() {
	if s.stopLoops != nil {
		s.stopLoops()
	}
	s.loops.Wait()
}
