package indexsync

import (
	"context"
	"iter"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

// ResyncOptions control a batch resync.
type ResyncOptions struct {
	// Targets restricts the batch; empty means every configured target.
	Targets []memory.SyncTarget
	// Completed holds entity keys finished by an earlier, interrupted run.
	// They are skipped.
	Completed map[string]bool
	// EntityTimeout bounds the writes of one entity. Entity writes ignore
	// cancellation of the batch context so they never stop half way.
	EntityTimeout time.Duration
}

// Outcome is the result of one entity within a batch.
type Outcome struct {
	Key    string
	Result Result
	Err    error
	// Resumed marks entities skipped because they were already completed.
	Resumed bool
}

// TargetCounts tallies one target's outcomes in a batch.
type TargetCounts struct {
	Success int
	Failure int
	Skipped int
}

// Summary aggregates a batch resync.
type Summary struct {
	Total   int
	Targets map[memory.SyncTarget]TargetCounts
	// Failed lists the entity keys each target failed on, in batch order.
	Failed map[memory.SyncTarget][]string
	// Completed is the checkpoint log: keys whose every target succeeded or
	// was skipped as stale. Feed it back via ResyncOptions.Completed.
	Completed []string
	Resumed   int
	Cancelled bool
}

// FailedIDs returns the entity keys that failed on target.
func (s Summary) FailedIDs(target memory.SyncTarget) []string {
	return slices.Clone(s.Failed[target])
}

// CompletedSet returns the checkpoint log as a lookup set.
func (s Summary) CompletedSet() map[string]bool {
	out := make(map[string]bool, len(s.Completed))
	for _, key := range s.Completed {
		out[key] = true
	}
	return out
}

// ResyncSeq lazily syncs each entity of entities and yields its outcome.
// Cancellation of ctx is observed between entities; the sequence then ends.
// Stopping iteration early also stops the batch at an entity boundary.
func (s *Service) ResyncSeq(ctx context.Context, entities iter.Seq[memory.Entity], opts ResyncOptions) iter.Seq[Outcome] {
	return func(yield func(Outcome) bool) {
		for e := range entities {
			if ctx.Err() != nil {
				return
			}
			if e == nil {
				continue
			}
			key := memory.EntityKey(e)
			if opts.Completed[key] {
				if !yield(Outcome{Key: key, Resumed: true}) {
					return
				}
				continue
			}
			res, err := s.syncDetached(ctx, e, opts)
			if !yield(Outcome{Key: key, Result: res, Err: err}) {
				return
			}
		}
	}
}

func (s *Service) syncDetached(ctx context.Context, e memory.Entity, opts ResyncOptions) (Result, error) {
	ectx := context.WithoutCancel(ctx)
	if opts.EntityTimeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ectx, opts.EntityTimeout)
		defer cancel()
	}
	return s.Sync(ectx, e, opts.Targets...)
}

// Resync applies Sync to every entity and accumulates a summary. One failing
// entity never stops the batch.
func (s *Service) Resync(ctx context.Context, entities iter.Seq[memory.Entity], opts ResyncOptions) Summary {
	sum := Summary{
		Targets: map[memory.SyncTarget]TargetCounts{},
		Failed:  map[memory.SyncTarget][]string{},
	}
	targets := opts.Targets
	if len(targets) == 0 {
		targets = s.order
	}
	for _, t := range targets {
		sum.Targets[t] = TargetCounts{}
	}

	for out := range s.ResyncSeq(ctx, entities, opts) {
		sum.Total++
		if out.Resumed {
			sum.Resumed++
			continue
		}
		if out.Err != nil {
			for _, t := range targets {
				c := sum.Targets[t]
				c.Failure++
				sum.Targets[t] = c
				sum.Failed[t] = append(sum.Failed[t], out.Key)
			}
			s.logger.Warn("resync entity rejected", zap.String("entity", out.Key), zap.Error(out.Err))
			continue
		}
		for _, rec := range out.Result.Records {
			c := sum.Targets[rec.Target]
			switch rec.Outcome {
			case memory.OutcomeSuccess:
				c.Success++
			case memory.OutcomeSkipped:
				c.Skipped++
			default:
				c.Failure++
				sum.Failed[rec.Target] = append(sum.Failed[rec.Target], out.Key)
			}
			sum.Targets[rec.Target] = c
		}
		if out.Result.OK() {
			sum.Completed = append(sum.Completed, out.Key)
		}
	}
	sum.Cancelled = ctx.Err() != nil
	s.logger.Info("resync finished",
		zap.Int("entities", sum.Total),
		zap.Int("completed", len(sum.Completed)),
		zap.Int("resumed", sum.Resumed),
		zap.Bool("cancelled", sum.Cancelled),
	)
	return sum
}

// Slice adapts a slice of entities to the sequence Resync consumes.
func Slice[E memory.Entity](entities []E) iter.Seq[memory.Entity] {
	return func(yield func(memory.Entity) bool) {
		for _, e := range entities {
			if !yield(e) {
				return
			}
		}
	}
}
