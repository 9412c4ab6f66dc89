// Package indexsync projects entities from the document store into the
// search indexes with idempotent, version-ordered writes.
package indexsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/memsync/pkg/lock"
	"github.com/dotsetgreg/memsync/pkg/memory"
	"github.com/dotsetgreg/memsync/pkg/observability"
	"github.com/dotsetgreg/memsync/pkg/resilience"
)

// Target is one search index able to hold entity documents. Document ids are
// entity ids, so repeated upserts overwrite.
type Target interface {
	Name() memory.SyncTarget
	Upsert(ctx context.Context, e memory.Entity) error
	// UpsertInto writes into a physical index instead of the live alias.
	UpsertInto(ctx context.Context, index string, e memory.Entity) error
	Delete(ctx context.Context, e memory.Entity) error
}

// Recorder receives one observation per (entity, target) write.
type Recorder interface {
	ObserveSync(rec memory.SyncRecord, d time.Duration)
}

// Options tune the service.
type Options struct {
	// CallTimeout bounds each index call. Zero disables the timeout.
	CallTimeout time.Duration
	Retry       resilience.RetryPolicy
	Recorder    Recorder
	Logger      *zap.Logger
}

// Service fans entity writes out to its targets.
type Service struct {
	targets map[memory.SyncTarget]Target
	order   []memory.SyncTarget
	marks   memory.WatermarkStore
	locks   *lock.LocalLocker
	timeout time.Duration
	retry   resilience.RetryPolicy
	metrics Recorder
	logger  *zap.Logger
}

func NewService(marks memory.WatermarkStore, targets []Target, opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Retry.MaxTries == 0 {
		opts.Retry = resilience.DefaultRetryPolicy()
	}
	s := &Service{
		targets: map[memory.SyncTarget]Target{},
		marks:   marks,
		locks:   lock.NewLocalLocker(),
		timeout: opts.CallTimeout,
		retry:   opts.Retry,
		metrics: opts.Recorder,
		logger:  log.Named("indexsync"),
	}
	for _, t := range targets {
		if t == nil {
			continue
		}
		if _, dup := s.targets[t.Name()]; !dup {
			s.order = append(s.order, t.Name())
		}
		s.targets[t.Name()] = t
	}
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })
	return s
}

// Targets lists the configured targets.
func (s *Service) Targets() []memory.SyncTarget {
	return append([]memory.SyncTarget(nil), s.order...)
}

// Target returns the named target.
func (s *Service) Target(name memory.SyncTarget) (Target, bool) {
	t, ok := s.targets[name]
	return t, ok
}

// Result collects the per-target records of one entity.
type Result struct {
	Key     string
	Records []memory.SyncRecord
}

// OK reports whether no target failed.
func (r Result) OK() bool {
	for _, rec := range r.Records {
		if rec.Outcome == memory.OutcomeFailure {
			return false
		}
	}
	return true
}

// Failed lists the targets that failed.
func (r Result) Failed() []memory.SyncTarget {
	var out []memory.SyncTarget
	for _, rec := range r.Records {
		if rec.Outcome == memory.OutcomeFailure {
			out = append(out, rec.Target)
		}
	}
	return out
}

// Record returns the record for target.
func (r Result) Record(target memory.SyncTarget) (memory.SyncRecord, bool) {
	for _, rec := range r.Records {
		if rec.Target == target {
			return rec, true
		}
	}
	return memory.SyncRecord{}, false
}

// Err joins the errors of failed targets.
func (r Result) Err() error {
	var errs []error
	for _, rec := range r.Records {
		if rec.Outcome == memory.OutcomeFailure && rec.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rec.Target, rec.Err))
		}
	}
	return errors.Join(errs...)
}

type op int

const (
	opUpsert op = iota
	opDelete
)

// Sync upserts e into the given targets, or every configured target when
// none are named. Targets run concurrently and fail independently. The
// returned error is only set for an unusable entity; per-target failures are
// in the Result.
func (s *Service) Sync(ctx context.Context, e memory.Entity, targets ...memory.SyncTarget) (Result, error) {
	return s.apply(ctx, opUpsert, e, targets)
}

// Delete removes e from the given targets. Missing documents are success.
func (s *Service) Delete(ctx context.Context, e memory.Entity, targets ...memory.SyncTarget) (Result, error) {
	return s.apply(ctx, opDelete, e, targets)
}

func (s *Service) apply(ctx context.Context, kind op, e memory.Entity, targets []memory.SyncTarget) (Result, error) {
	if e == nil || e.EntityID() == "" {
		return Result{}, fmt.Errorf("sync entity without id: %w", memory.ErrInvalidInput)
	}
	key := memory.EntityKey(e)
	if len(targets) == 0 {
		targets = s.order
	}

	spanName := "indexsync.upsert"
	if kind == opDelete {
		spanName = "indexsync.delete"
	}
	ctx, span := observability.StartSpan(ctx, spanName,
		attribute.String("entity.key", key),
		attribute.Int64("entity.version", e.SyncVersion()),
	)

	release, err := s.locks.Acquire(ctx, key)
	if err != nil {
		observability.EndSpan(span, err)
		return Result{}, err
	}
	defer release()

	records := make([]memory.SyncRecord, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range targets {
		g.Go(func() error {
			records[i] = s.applyTarget(gctx, kind, e, key, name)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Key: key, Records: records}
	observability.EndSpan(span, res.Err())
	return res, nil
}

func (s *Service) applyTarget(ctx context.Context, kind op, e memory.Entity, key string, name memory.SyncTarget) memory.SyncRecord {
	rec := memory.SyncRecord{
		Kind:     e.EntityKind(),
		EntityID: e.EntityID(),
		Target:   name,
		Version:  e.SyncVersion(),
	}
	start := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.ObserveSync(rec, time.Since(start))
		}
	}()

	target, ok := s.targets[name]
	if !ok {
		rec.Outcome = memory.OutcomeFailure
		rec.Err = fmt.Errorf("target %s is not configured: %w", name, memory.ErrUnsupportedSync)
		s.logger.Error("sync to unknown target", zap.String("entity", key), zap.String("target", string(name)))
		return rec
	}

	version, err := s.checkWatermark(ctx, kind, e, key, name)
	if err != nil {
		if errors.Is(err, memory.ErrStaleVersion) {
			rec.Outcome = memory.OutcomeSkipped
			rec.Err = err
			s.logger.Debug("stale sync skipped", zap.String("entity", key), zap.String("target", string(name)), zap.Int64("version", rec.Version))
			return rec
		}
		rec.Outcome = memory.OutcomeFailure
		rec.Err = err
		return rec
	}

	rec.Attempts, err = resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		return resilience.WithTimeout(ctx, s.timeout, func(ctx context.Context) error {
			if kind == opDelete {
				return target.Delete(ctx, e)
			}
			return target.Upsert(ctx, e)
		})
	})
	if err != nil {
		rec.Outcome = memory.OutcomeFailure
		rec.Err = err
		if errors.Is(err, memory.ErrUnsupportedSync) {
			s.logger.Error("unsupported sync", zap.String("entity", key), zap.String("target", string(name)), zap.Error(err))
		} else {
			s.logger.Warn("sync failed", zap.String("entity", key), zap.String("target", string(name)), zap.Int("attempts", rec.Attempts), zap.Error(err))
		}
		return rec
	}

	if s.marks != nil {
		if err := s.marks.AdvanceSyncWatermark(ctx, key, name, version, kind == opDelete); err != nil {
			s.logger.Warn("watermark update failed", zap.String("entity", key), zap.String("target", string(name)), zap.Error(err))
		}
	}
	rec.Outcome = memory.OutcomeSuccess
	return rec
}

// checkWatermark returns the version to record after a successful write, or
// ErrStaleVersion when a newer write already landed. Upserts at the recorded
// version are allowed so resyncs stay idempotent; a delete tombstone blocks
// upserts at or below its version.
func (s *Service) checkWatermark(ctx context.Context, kind op, e memory.Entity, key string, name memory.SyncTarget) (int64, error) {
	v := e.SyncVersion()
	if s.marks == nil {
		return v, nil
	}
	stored, deleted, err := s.marks.GetSyncWatermark(ctx, key, name)
	if err != nil {
		return 0, fmt.Errorf("read watermark: %w: %w", memory.ErrDependencyUnavailable, err)
	}
	switch kind {
	case opDelete:
		if v < stored {
			v = stored
		}
		return v, nil
	default:
		if v < stored || (deleted && v <= stored) {
			return 0, fmt.Errorf("%s at version %d, %s holds %d: %w", key, v, name, stored, memory.ErrStaleVersion)
		}
		return v, nil
	}
}
