package memsync

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

const maxJobBatch = 32

// Start creates missing indexes and launches the background worker. It is a
// no-op when called again.
func (s *Service) Start(ctx context.Context) error {
	if err := s.EnsureIndexes(ctx); err != nil {
		s.logger.Warn("starting without search indexes", zap.Error(err))
	}
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.runWorker()
	})
	return nil
}

func (s *Service) runWorker() {
	defer s.wg.Done()

	poll := time.Duration(s.cfg.Worker.PollMS) * time.Millisecond
	if poll <= 0 {
		poll = 800 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	nextPrune := s.nextPrune(s.now())

	ctx := context.Background()
	// Run once at startup so jobs left by a previous process start immediately.
	s.processPendingJobs(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if now := s.now(); !nextPrune.IsZero() && !now.Before(nextPrune) {
				s.schedulePrune(ctx, nextPrune)
				nextPrune = s.nextPrune(now)
			}
			s.processPendingJobs(ctx)
		}
	}
}

// nextPrune returns the next maintenance tick after ref, or the zero time
// when pruning is not scheduled.
func (s *Service) nextPrune(ref time.Time) time.Time {
	expr := s.cfg.Worker.PruneSchedule
	if expr == "" {
		return time.Time{}
	}
	if !gronx.New().IsValid(expr) {
		s.logger.Warn("invalid prune schedule, pruning disabled", zap.String("schedule", expr))
		return time.Time{}
	}
	next, err := gronx.NextTickAfter(expr, ref, false)
	if err != nil {
		s.logger.Warn("compute next prune tick failed", zap.String("schedule", expr), zap.Error(err))
		return time.Time{}
	}
	return next
}

// schedulePrune enqueues one prune job per known group. Job ids are derived
// from the tick so a tick is never queued twice.
func (s *Service) schedulePrune(ctx context.Context, tick time.Time) {
	groups, err := s.store.ListGroups(ctx)
	if err != nil {
		s.logger.Warn("list groups for pruning failed", zap.Error(err))
		return
	}
	for _, g := range groups {
		err := s.store.EnqueueJob(ctx, memory.Job{
			ID:         fmt.Sprintf("prune-%s-%d", g, tick.Unix()),
			JobType:    memory.JobPrune,
			ScopeKey:   "group:" + g,
			Priority:   200,
			RunAfterMS: tick.UnixMilli(),
			Payload:    map[string]string{"group_id": g},
		})
		if err != nil {
			s.logger.Warn("enqueue prune job failed", zap.String("group_id", g), zap.Error(err))
		}
	}
}

func (s *Service) processPendingJobs(ctx context.Context) {
	now := s.now().UnixMilli()
	if err := s.store.RequeueExpiredJobs(ctx, now); err != nil {
		s.logger.Warn("requeue expired jobs failed", zap.Error(err))
	}

	leaseForMS := int64(s.cfg.Worker.LeaseSeconds) * 1000
	if leaseForMS <= 0 {
		leaseForMS = 60_000
	}

	for i := 0; i < maxJobBatch && ctx.Err() == nil; i++ {
		job, ok, err := s.store.ClaimNextJob(ctx, s.now().UnixMilli(), leaseForMS)
		if err != nil {
			s.logger.Warn("claim job failed", zap.Error(err))
			break
		}
		if !ok {
			break
		}
		s.finishJob(ctx, job, s.handleJob(ctx, job))
	}
	s.reportQueueDepth(ctx)
}

// RunPendingJobs works through one batch of runnable jobs. Used by one-shot
// commands and tests.
func (s *Service) RunPendingJobs(ctx context.Context) {
	s.processPendingJobs(ctx)
}

func (s *Service) finishJob(ctx context.Context, job memory.Job, err error) {
	log := s.logger.With(zap.String("job_id", job.ID), zap.String("job_type", job.JobType), zap.Int("attempts", job.Attempts))
	if err == nil {
		if cErr := s.store.CompleteJob(ctx, job.ID); cErr != nil {
			log.Warn("complete job failed", zap.Error(cErr))
		}
		return
	}
	maxAttempts := s.cfg.Worker.MaxAttempts
	if !memory.IsRetryable(err) || (maxAttempts > 0 && job.Attempts >= maxAttempts) {
		log.Error("job failed permanently", zap.Error(err))
		if fErr := s.store.FailJob(ctx, job.ID, err.Error()); fErr != nil {
			log.Warn("mark job failed failed", zap.Error(fErr))
		}
		return
	}
	runAfter := s.now().Add(jobBackoff(job.Attempts)).UnixMilli()
	log.Warn("job failed, will retry", zap.Error(err), zap.Int64("run_after_ms", runAfter))
	if rErr := s.store.RetryJob(ctx, job.ID, err.Error(), runAfter); rErr != nil {
		log.Warn("requeue job failed", zap.Error(rErr))
	}
}

// jobBackoff is the delay before attempt+1: 2s doubling up to 5m.
func jobBackoff(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Minute
	b.RandomizationFactor = 0
	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (s *Service) handleJob(ctx context.Context, job memory.Job) error {
	switch job.JobType {
	case memory.JobSync:
		if !s.indexesReady(ctx) {
			return fmt.Errorf("search indexes not ready: %w", memory.ErrDependencyUnavailable)
		}
		e, err := s.loadEntity(ctx, job.Payload)
		if errors.Is(err, memory.ErrNotFound) {
			// Deleted after the job was queued; the delete job owns it now.
			return nil
		}
		if err != nil {
			return err
		}
		res, err := s.sync.Sync(ctx, e)
		if err != nil {
			return err
		}
		return res.Err()
	case memory.JobDelete:
		if !s.indexesReady(ctx) {
			return fmt.Errorf("search indexes not ready: %w", memory.ErrDependencyUnavailable)
		}
		e, err := tombstone(job.Payload)
		if err != nil {
			return err
		}
		res, err := s.sync.Delete(ctx, e)
		if err != nil {
			return err
		}
		return res.Err()
	case memory.JobPrune:
		groupID := job.Payload["group_id"]
		if groupID == "" {
			return fmt.Errorf("prune job without group_id: %w", memory.ErrInvalidInput)
		}
		_, err := s.orch.PruneClusters(ctx, groupID, s.now())
		return err
	default:
		return fmt.Errorf("unknown memory job type %q: %w", job.JobType, memory.ErrInvalidInput)
	}
}

// loadEntity reads the current version of the entity a sync job names.
func (s *Service) loadEntity(ctx context.Context, payload map[string]string) (memory.Entity, error) {
	id := payload["id"]
	if id == "" {
		return nil, fmt.Errorf("sync job without id: %w", memory.ErrInvalidInput)
	}
	switch memory.EntityKind(payload["kind"]) {
	case memory.KindMemCell:
		return s.store.GetMemCell(ctx, id)
	case memory.KindProfile:
		return s.store.GetProfile(ctx, id)
	default:
		return nil, fmt.Errorf("sync job for kind %q: %w", payload["kind"], memory.ErrUnsupportedSync)
	}
}

// tombstone rebuilds the identity of a deleted entity from a job payload.
func tombstone(payload map[string]string) (memory.Entity, error) {
	id := payload["id"]
	if id == "" {
		return nil, fmt.Errorf("delete job without id: %w", memory.ErrInvalidInput)
	}
	version, _ := strconv.ParseInt(payload["version"], 10, 64)
	switch memory.EntityKind(payload["kind"]) {
	case memory.KindMemCell:
		return memory.MemCell{EventID: id, Version: version}, nil
	case memory.KindProfile:
		return memory.Profile{UserID: id, Version: version}, nil
	default:
		return nil, fmt.Errorf("delete job for kind %q: %w", payload["kind"], memory.ErrUnsupportedSync)
	}
}

func (s *Service) reportQueueDepth(ctx context.Context) {
	for _, status := range []string{memory.JobPending, memory.JobRunning, memory.JobFailed} {
		n, err := s.store.CountJobs(ctx, status)
		if err != nil {
			return
		}
		s.metrics.SetQueueDepth(status, n)
	}
}
