// Package cleanup provides data retention for cache and execution tables.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// CachePurger reclaims expired durable cache rows.
type CachePurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// ExecutionPruner removes old execution records.
type ExecutionPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Service periodically enforces retention:
//   - Purges expired summary_cache rows
//   - Removes terminal task executions older than the retention window
//
// All operations are idempotent and safe to run from multiple replicas.
type Service struct {
	cache      CachePurger
	executions ExecutionPruner
	interval   time.Duration
	retention  time.Duration
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service. Interval is how often retention runs;
// retention is how long terminal executions are kept.
func NewService(cache CachePurger, executions ExecutionPruner, interval, retention time.Duration, logger *slog.Logger) *Service {
	return &Service{
		cache:      cache,
		executions: executions,
		interval:   interval,
		retention:  retention,
		logger:     logger.With("component", "cleanup"),
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"interval", s.interval, "execution_retention", s.retention)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.purgeExpiredCache(ctx)
	s.pruneOldExecutions(ctx)
}

func (s *Service) purgeExpiredCache(ctx context.Context) {
	count, err := s.cache.PurgeExpired(ctx)
	if err != nil {
		s.logger.Error("Failed to purge expired cache entries", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Purged expired cache entries", "count", count)
	}
}

func (s *Service) pruneOldExecutions(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	count, err := s.executions.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Failed to prune old executions", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Pruned old task executions", "count", count, "cutoff", cutoff.UTC())
	}
}
