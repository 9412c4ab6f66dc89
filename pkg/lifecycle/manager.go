package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/dotsetgreg/memsync/pkg/lock"
	"github.com/dotsetgreg/memsync/pkg/memory"
	"github.com/dotsetgreg/memsync/pkg/observability"
	"github.com/dotsetgreg/memsync/pkg/resilience"
)

// State is a step of the rebuild state machine.
type State string

const (
	StateIdle     State = "idle"
	StateBuilding State = "building"
	StateReady    State = "ready"
	StateSwapped  State = "swapped"
	StateRetired  State = "retired"
	StatePurged   State = "purged"
	StateFailed   State = "failed"
)

// RebuildOptions choose what happens to the previous index after the swap.
// Both default to keeping it for rollback.
type RebuildOptions struct {
	CloseOld  bool
	DeleteOld bool
}

// Report describes one rebuild.
type Report struct {
	Alias      string
	OldIndex   string
	NewIndex   string
	State      State
	History    []State
	Backfilled int
	// CaughtUp counts entities rewritten after the swap; Dropped counts
	// backfilled entities that left the source meanwhile.
	CaughtUp   int
	Dropped    int
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r *Report) move(s State) {
	r.State = s
	r.History = append(r.History, s)
}

// Recorder receives the final state of each rebuild.
type Recorder interface {
	ObserveRebuild(alias, state string)
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	// Aliases records swaps in the store of record. Optional.
	Aliases  memory.AliasStore
	PageSize int
	// Retry applies to backfill writes. The alias swap is never retried.
	Retry    resilience.RetryPolicy
	Recorder Recorder
	Logger   *zap.Logger
	Now      func() time.Time
}

// Manager runs index rebuilds. Rebuilds of one alias are serialized; different
// aliases rebuild independently.
type Manager struct {
	registry *Registry
	source   Source
	aliases  memory.AliasStore
	pageSize int
	retry    resilience.RetryPolicy
	metrics  Recorder
	logger   *zap.Logger
	now      func() time.Time
	locks    *lock.LocalLocker

	mu     sync.Mutex
	states map[string]State
}

func NewManager(registry *Registry, source Source, opts ManagerOptions) *Manager {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 200
	}
	if opts.Retry.MaxTries == 0 {
		opts.Retry = resilience.DefaultRetryPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		registry: registry,
		source:   source,
		aliases:  opts.Aliases,
		pageSize: opts.PageSize,
		retry:    opts.Retry,
		metrics:  opts.Recorder,
		logger:   log.Named("lifecycle"),
		now:      opts.Now,
		locks:    lock.NewLocalLocker(),
		states:   map[string]State{},
	}
}

// State returns the current rebuild state of alias.
func (m *Manager) State(alias string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[alias]; ok {
		return s
	}
	return StateIdle
}

func (m *Manager) setState(r *Report, s State) {
	r.move(s)
	m.mu.Lock()
	m.states[r.Alias] = s
	m.mu.Unlock()
}

// EnsureAliases creates an initial physical index for every registered alias
// that does not resolve yet, so writes through the alias never create an
// index implicitly. A failing alias does not stop the others; the failures
// are returned joined.
func (m *Manager) EnsureAliases(ctx context.Context) error {
	var errs []error
	for _, alias := range m.registry.Aliases() {
		spec, _ := m.registry.Lookup(alias)
		if err := m.ensureAlias(ctx, spec); err != nil {
			m.logger.Warn("alias not ready", zap.String("alias", alias), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) ensureAlias(ctx context.Context, spec IndexSpec) error {
	current, err := spec.Admin.ResolveAlias(ctx, spec.Alias)
	if err != nil {
		return fmt.Errorf("resolve alias %s: %w", spec.Alias, err)
	}
	if current != "" {
		return nil
	}
	name := m.physicalName(spec.Alias, "")
	if err := spec.Admin.CreateIndex(ctx, name, spec.Schema); err != nil {
		return fmt.Errorf("create index %s: %w", name, err)
	}
	if err := spec.Admin.SwapAlias(ctx, spec.Alias, "", name); err != nil {
		return fmt.Errorf("point alias %s at %s: %w", spec.Alias, name, err)
	}
	m.record(ctx, spec, name)
	m.logger.Info("alias created", zap.String("alias", spec.Alias), zap.String("index", name))
	return nil
}

// Rebuild creates a fresh physical index for alias, backfills it from the
// source of record and atomically repoints the alias. On backfill failure the
// alias keeps serving the old index and the new one is dropped.
//
// Writes that go through the alias during the backfill land in the old index.
// After the swap a catch-up pass rereads the source into the new index and
// removes entities that were deleted in between, before the old index is
// closed or purged.
func (m *Manager) Rebuild(ctx context.Context, alias string, opts RebuildOptions) (report Report, err error) {
	spec, ok := m.registry.Lookup(alias)
	if !ok {
		return Report{Alias: alias, State: StateIdle}, fmt.Errorf("alias %s is not registered: %w", alias, memory.ErrInvalidInput)
	}

	ctx, span := observability.StartSpan(ctx, "lifecycle.rebuild", attribute.String("alias", alias))
	defer func() { observability.EndSpan(span, err) }()

	release, err := m.locks.Acquire(ctx, alias)
	if err != nil {
		return Report{Alias: alias, State: StateIdle}, err
	}
	defer release()

	report = Report{Alias: alias, StartedAt: m.now()}
	report.move(StateIdle)
	defer func() {
		report.FinishedAt = m.now()
		if m.metrics != nil {
			m.metrics.ObserveRebuild(alias, string(report.State))
		}
	}()

	old, err := spec.Admin.ResolveAlias(ctx, alias)
	if err != nil {
		m.setState(&report, StateFailed)
		return report, fmt.Errorf("resolve alias %s: %w", alias, err)
	}
	report.OldIndex = old
	report.NewIndex = m.physicalName(alias, old)

	m.setState(&report, StateBuilding)
	log := m.logger.With(zap.String("alias", alias), zap.String("old_index", old), zap.String("new_index", report.NewIndex))
	log.Info("rebuild started")

	if err := spec.Admin.CreateIndex(ctx, report.NewIndex, spec.Schema); err != nil {
		m.setState(&report, StateFailed)
		log.Error("create index failed", zap.Error(err))
		return report, fmt.Errorf("create index %s: %w", report.NewIndex, err)
	}

	written, err := m.backfill(ctx, spec, report.NewIndex)
	n := len(written)
	report.Backfilled = n
	if err != nil {
		m.setState(&report, StateFailed)
		log.Error("backfill failed, alias unchanged", zap.Int("backfilled", n), zap.Error(err))
		if dropErr := spec.Admin.DeleteIndex(context.WithoutCancel(ctx), report.NewIndex); dropErr != nil {
			log.Warn("drop partial index failed", zap.Error(dropErr))
		}
		return report, fmt.Errorf("backfill %s: %w", report.NewIndex, err)
	}
	m.setState(&report, StateReady)

	if err := spec.Admin.SwapAlias(context.WithoutCancel(ctx), alias, old, report.NewIndex); err != nil {
		m.setState(&report, StateFailed)
		log.Error("alias swap failed, alias unchanged", zap.Error(err))
		return report, fmt.Errorf("swap alias %s: %w", alias, err)
	}
	m.setState(&report, StateSwapped)
	m.record(ctx, spec, report.NewIndex)
	log.Info("alias swapped", zap.Int("backfilled", n))

	if report.CaughtUp, report.Dropped, err = m.catchUp(ctx, spec, report.NewIndex, written); err != nil {
		log.Error("catch-up failed, old index kept", zap.Error(err))
		return report, fmt.Errorf("catch up %s: %w", report.NewIndex, err)
	}
	log.Info("caught up", zap.Int("rewritten", report.CaughtUp), zap.Int("dropped", report.Dropped))

	if old == "" {
		return report, nil
	}
	switch {
	case opts.DeleteOld:
		if err := spec.Admin.DeleteIndex(ctx, old); err != nil {
			log.Error("delete old index failed", zap.Error(err))
			return report, fmt.Errorf("delete old index %s: %w", old, err)
		}
		m.setState(&report, StatePurged)
	case opts.CloseOld:
		if err := spec.Admin.CloseIndex(ctx, old); err != nil {
			log.Error("close old index failed", zap.Error(err))
			return report, fmt.Errorf("close old index %s: %w", old, err)
		}
		m.setState(&report, StateRetired)
	}
	return report, nil
}

// backfill copies every source entity of spec.Kind into index and returns
// the written entities by key.
func (m *Manager) backfill(ctx context.Context, spec IndexSpec, index string) (map[string]memory.Entity, error) {
	written := map[string]memory.Entity{}
	err := m.eachSource(ctx, spec.Kind, func(e memory.Entity) error {
		if err := m.write(ctx, spec, index, e); err != nil {
			return err
		}
		written[memory.EntityKey(e)] = e
		return nil
	})
	return written, err
}

// catchUp rewrites the source into index once more and deletes the entities
// of backfilled that are no longer in the source.
func (m *Manager) catchUp(ctx context.Context, spec IndexSpec, index string, backfilled map[string]memory.Entity) (rewritten, dropped int, err error) {
	seen := make(map[string]bool, len(backfilled))
	err = m.eachSource(ctx, spec.Kind, func(e memory.Entity) error {
		if err := m.write(ctx, spec, index, e); err != nil {
			return err
		}
		seen[memory.EntityKey(e)] = true
		rewritten++
		return nil
	})
	if err != nil {
		return rewritten, 0, err
	}
	for key, e := range backfilled {
		if seen[key] {
			continue
		}
		if _, err := resilience.Do(ctx, m.retry, func(ctx context.Context) error {
			return spec.Writer.DeleteFrom(ctx, index, e)
		}); err != nil {
			return rewritten, dropped, fmt.Errorf("delete %s: %w", key, err)
		}
		dropped++
	}
	return rewritten, dropped, nil
}

func (m *Manager) write(ctx context.Context, spec IndexSpec, index string, e memory.Entity) error {
	if _, err := resilience.Do(ctx, m.retry, func(ctx context.Context) error {
		return spec.Writer.UpsertInto(ctx, index, e)
	}); err != nil {
		return fmt.Errorf("write %s: %w", memory.EntityKey(e), err)
	}
	return nil
}

// eachSource pages through the source and calls fn for every entity of kind.
func (m *Manager) eachSource(ctx context.Context, kind memory.EntityKind, fn func(memory.Entity) error) error {
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, next, err := m.source.Page(ctx, kind, after, m.pageSize)
		if err != nil {
			return fmt.Errorf("read source: %w", err)
		}
		for _, e := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		after = next
	}
}

func (m *Manager) record(ctx context.Context, spec IndexSpec, physical string) {
	if m.aliases == nil {
		return
	}
	key := string(spec.Target) + ":" + spec.Alias
	if err := m.aliases.SetAlias(ctx, key, physical); err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Warn("record alias failed", zap.String("alias", key), zap.Error(err))
	}
}

// physicalName is <alias>-<utc timestamp>, bumped when it would collide with
// the current index.
func (m *Manager) physicalName(alias, current string) string {
	ts := m.now().UTC()
	name := fmt.Sprintf("%s-%s%03d", alias, ts.Format("20060102-150405"), ts.Nanosecond()/int(time.Millisecond))
	for i := 2; name == current; i++ {
		name = fmt.Sprintf("%s-%s%03d-%d", alias, ts.Format("20060102-150405"), ts.Nanosecond()/int(time.Millisecond), i)
	}
	return name
}
