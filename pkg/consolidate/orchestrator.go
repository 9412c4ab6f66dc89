// Package consolidate drives consolidation runs: clustering new memory units
// per group, deriving profiles, committing everything atomically and
// projecting the results into the search indexes.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/memsync/pkg/cluster"
	"github.com/dotsetgreg/memsync/pkg/indexsync"
	"github.com/dotsetgreg/memsync/pkg/lock"
	"github.com/dotsetgreg/memsync/pkg/memory"
	"github.com/dotsetgreg/memsync/pkg/observability"
	"github.com/dotsetgreg/memsync/pkg/profile"
)

// Syncer projects entities into the search indexes.
type Syncer interface {
	Sync(ctx context.Context, e memory.Entity, targets ...memory.SyncTarget) (indexsync.Result, error)
	Delete(ctx context.Context, e memory.Entity, targets ...memory.SyncTarget) (indexsync.Result, error)
}

// Recorder receives one observation per finished run.
type Recorder interface {
	ObserveConsolidation(status string, newClusters, joined, profiles int)
}

// Options configure an Orchestrator.
type Options struct {
	// Locker serializes runs per group. Defaults to an in-process lock.
	Locker lock.Locker
	// Syncer writes committed entities inline. When nil the outbox jobs are
	// left for the background worker.
	Syncer Syncer
	// InlineGrace delays outbox jobs so the inline sync gets the first try.
	InlineGrace time.Duration

	GroupConcurrency int
	// MaxProfileCells bounds the unprofiled units read per user.
	MaxProfileCells int

	Recorder Recorder
	Logger   *zap.Logger
	Now      func() time.Time
}

// Orchestrator owns cluster state and profiles for the duration of a run.
type Orchestrator struct {
	store    memory.Store
	clusters *cluster.Manager
	profiles *profile.Manager
	locker   lock.Locker
	syncer   Syncer
	grace    time.Duration
	parallel int
	maxCells int
	metrics  Recorder
	logger   *zap.Logger
	now      func() time.Time
}

func New(store memory.Store, clusters *cluster.Manager, profiles *profile.Manager, opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocalLocker()
	}
	if opts.GroupConcurrency <= 0 {
		opts.GroupConcurrency = 4
	}
	if opts.MaxProfileCells <= 0 {
		opts.MaxProfileCells = 500
	}
	if opts.InlineGrace <= 0 {
		opts.InlineGrace = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:    store,
		clusters: clusters,
		profiles: profiles,
		locker:   opts.Locker,
		syncer:   opts.Syncer,
		grace:    opts.InlineGrace,
		parallel: opts.GroupConcurrency,
		maxCells: opts.MaxProfileCells,
		metrics:  opts.Recorder,
		logger:   log.Named("consolidate"),
		now:      opts.Now,
	}
}

// Result reports one group's run.
type Result struct {
	RunID   string
	GroupID string
	// Assignments maps each accepted unit to its cluster.
	Assignments map[string]string
	NewClusters []string
	// Rejected units are invalid and never retried.
	Rejected        map[string]error
	Profiles        []memory.Profile
	ProfileFailures map[string]error
	SkippedUsers    []string
	StateVersion    int64
	// Stale is set when a concurrent writer committed first; nothing was
	// persisted and the run can be repeated.
	Stale bool
	Sync  []indexsync.Result
	// PendingJobs counts outbox jobs left for the background worker.
	PendingJobs int
}

// Consolidate clusters cells into groupID, updates the profiles of users
// with enough unprofiled units and commits the run in one transaction.
// Cancellation between units aborts without persisting anything.
func (o *Orchestrator) Consolidate(ctx context.Context, groupID string, cells []memory.MemCell) (res Result, err error) {
	res = Result{
		RunID:           uuid.NewString(),
		GroupID:         groupID,
		Assignments:     map[string]string{},
		Rejected:        map[string]error{},
		ProfileFailures: map[string]error{},
	}
	if groupID == "" {
		return res, fmt.Errorf("consolidate without group id: %w", memory.ErrInvalidInput)
	}

	ctx, span := observability.StartSpan(ctx, "consolidate.group",
		attribute.String("group.id", groupID),
		attribute.Int("cells", len(cells)),
	)
	defer func() { observability.EndSpan(span, err) }()
	log := o.logger.With(zap.String("group_id", groupID), zap.String("run_id", res.RunID))

	accepted := o.validate(groupID, cells, res.Rejected)
	if len(accepted) == 0 {
		o.observe("empty", res)
		return res, nil
	}

	release, err := o.locker.Acquire(ctx, "group:"+groupID)
	if err != nil {
		return res, fmt.Errorf("lock group %s: %w", groupID, err)
	}
	defer release()

	loaded, err := o.store.LoadClusterState(ctx, groupID)
	if err != nil {
		return res, fmt.Errorf("load cluster state: %w", err)
	}

	state := loaded
	var fresh []memory.MemCell
	for _, c := range accepted {
		if err := ctx.Err(); err != nil {
			log.Info("consolidation cancelled, nothing persisted", zap.Int("assigned", len(fresh)))
			return res, err
		}
		if id, done := state.Assignments[c.EventID]; done {
			res.Assignments[c.EventID] = id
			continue
		}
		id, next, err := o.clusters.Assign(c, state)
		if err != nil {
			res.Rejected[c.EventID] = err
			continue
		}
		if _, existed := state.Clusters[id]; !existed {
			res.NewClusters = append(res.NewClusters, id)
		}
		state = next
		res.Assignments[c.EventID] = id
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		res.StateVersion = loaded.Version
		o.observe("noop", res)
		return res, nil
	}

	// Profiles span groups; hold every affected user until the commit.
	releaseUsers, err := o.lockUsers(ctx, fresh)
	if err != nil {
		return res, err
	}
	defer releaseUsers()

	extraction, bases, err := o.extractProfiles(ctx, fresh)
	if err != nil {
		return res, err
	}
	res.ProfileFailures = extraction.Failed
	res.SkippedUsers = extraction.Skipped
	for _, userID := range sortedKeys(extraction.Profiles) {
		res.Profiles = append(res.Profiles, extraction.Profiles[userID])
	}

	state.GroupID = groupID
	state.Version = loaded.Version + 1
	state.UpdatedAt = o.now().UTC()
	commit := memory.ConsolidationCommit{
		Cells:    fresh,
		State:    state,
		Profiles: res.Profiles,
	}
	if len(res.Profiles) > 0 {
		commit.ProfileBases = make(map[string]memory.ProfileBase, len(res.Profiles))
		for _, p := range res.Profiles {
			commit.ProfileBases[p.UserID] = bases[p.UserID]
		}
	}
	for _, userID := range sortedKeys(extraction.Profiled) {
		commit.ProfiledIDs = append(commit.ProfiledIDs, extraction.Profiled[userID]...)
	}
	entities := make([]memory.Entity, 0, len(fresh)+len(res.Profiles))
	for _, c := range fresh {
		entities = append(entities, c)
	}
	for _, p := range res.Profiles {
		entities = append(entities, p)
	}
	runAfter := o.now().Add(o.grace).UnixMilli()
	for _, e := range entities {
		commit.Jobs = append(commit.Jobs, SyncJob(e, runAfter))
	}

	if err := o.store.CommitConsolidation(ctx, commit); err != nil {
		if errors.Is(err, memory.ErrStaleVersion) {
			res.Stale = true
			res.Assignments = map[string]string{}
			res.NewClusters = nil
			res.Profiles = nil
			log.Info("cluster state or a profile moved on during run, discarded", zap.Int64("loaded_version", loaded.Version), zap.Error(err))
			o.observe("stale", res)
			return res, nil
		}
		o.observe("error", res)
		return res, fmt.Errorf("commit consolidation: %w", err)
	}
	res.StateVersion = state.Version
	res.PendingJobs = len(commit.Jobs)

	if o.syncer != nil {
		res.Sync, res.PendingJobs = o.syncInline(ctx, entities, commit.Jobs)
	}

	log.Info("consolidation committed",
		zap.Int("units", len(fresh)),
		zap.Int("new_clusters", len(res.NewClusters)),
		zap.Int("profiles", len(res.Profiles)),
		zap.Int("rejected", len(res.Rejected)),
		zap.Int("pending_jobs", res.PendingJobs),
	)
	o.observe("ok", res)
	return res, nil
}

// validate fills in the group id and drops units that can never be
// clustered. Duplicates within the batch keep their first occurrence.
func (o *Orchestrator) validate(groupID string, cells []memory.MemCell, rejected map[string]error) []memory.MemCell {
	seen := map[string]bool{}
	out := make([]memory.MemCell, 0, len(cells))
	for i, c := range cells {
		if c.EventID == "" {
			rejected["#"+strconv.Itoa(i)] = fmt.Errorf("unit %d has no event id: %w", i, memory.ErrInvalidInput)
			continue
		}
		if seen[c.EventID] {
			continue
		}
		seen[c.EventID] = true
		if c.GroupID == "" {
			c.GroupID = groupID
		}
		if c.GroupID != groupID {
			rejected[c.EventID] = fmt.Errorf("unit %s belongs to group %s: %w", c.EventID, c.GroupID, memory.ErrInvalidInput)
			continue
		}
		if err := cluster.Validate(c); err != nil {
			rejected[c.EventID] = err
			continue
		}
		if c.Version == 0 {
			c.Version = o.now().UnixMilli()
		}
		out = append(out, c)
	}
	return out
}

// lockUsers takes the per-user locks for every owner of cells in user id
// order.
func (o *Orchestrator) lockUsers(ctx context.Context, cells []memory.MemCell) (lock.Release, error) {
	if o.profiles == nil {
		return func() {}, nil
	}
	users := map[string]bool{}
	for _, c := range cells {
		if c.UserID != "" {
			users[c.UserID] = true
		}
	}
	held := make([]lock.Release, 0, len(users))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, userID := range sortedKeys(users) {
		release, err := o.locker.Acquire(ctx, "user:"+userID)
		if err != nil {
			releaseAll()
			return nil, fmt.Errorf("lock user %s: %w", userID, err)
		}
		held = append(held, release)
	}
	return releaseAll, nil
}

// extractProfiles also returns the stored revision each user's merge started
// from, for the commit to check.
func (o *Orchestrator) extractProfiles(ctx context.Context, fresh []memory.MemCell) (profile.Result, map[string]memory.ProfileBase, error) {
	if o.profiles == nil {
		return profile.Result{}, nil, nil
	}
	users := map[string][]memory.MemCell{}
	for _, c := range fresh {
		if c.UserID != "" {
			users[c.UserID] = append(users[c.UserID], c)
		}
	}

	var (
		pool  []memory.MemCell
		old   = map[string]memory.Profile{}
		bases = map[string]memory.ProfileBase{}
		ids   = sortedKeys(users)
	)
	for _, userID := range ids {
		stored, err := o.store.ListMemCells(ctx, memory.MemCellQuery{UserID: userID, OnlyUnprofiled: true, Limit: o.maxCells})
		if err != nil {
			return profile.Result{}, nil, fmt.Errorf("list unprofiled units for %s: %w", userID, err)
		}
		have := map[string]bool{}
		for _, c := range stored {
			have[c.EventID] = true
			pool = append(pool, c)
		}
		for _, c := range users[userID] {
			if !have[c.EventID] {
				pool = append(pool, c)
			}
		}

		current, err := o.store.GetProfile(ctx, userID)
		switch {
		case err == nil:
			old[userID] = current
			bases[userID] = memory.BaseOf(current)
		case errors.Is(err, memory.ErrNotFound):
			bases[userID] = memory.ProfileBase{}
		default:
			return profile.Result{}, nil, fmt.Errorf("load profile %s: %w", userID, err)
		}
	}
	res, err := o.profiles.Extract(ctx, pool, old, ids)
	return res, bases, err
}

// syncInline writes each committed entity and completes its outbox job when
// every target succeeded.
func (o *Orchestrator) syncInline(ctx context.Context, entities []memory.Entity, jobs []memory.Job) ([]indexsync.Result, int) {
	results := make([]indexsync.Result, 0, len(entities))
	pending := 0
	for i, e := range entities {
		res, err := o.syncer.Sync(context.WithoutCancel(ctx), e)
		if err != nil || !res.OK() {
			pending++
			results = append(results, res)
			continue
		}
		results = append(results, res)
		if err := o.store.CompleteJob(context.WithoutCancel(ctx), jobs[i].ID); err != nil {
			o.logger.Warn("complete outbox job failed", zap.String("job_id", jobs[i].ID), zap.Error(err))
			pending++
		}
	}
	return results, pending
}

// BatchResult reports a multi-group run.
type BatchResult struct {
	Results map[string]Result
	// Succeeded groups were committed. Stale and Failed groups need a re-run.
	Succeeded []string
	Stale     []string
	Failed    map[string]error
}

// ConsolidateGroups runs independent groups in parallel. A failing group
// never affects the others.
func (o *Orchestrator) ConsolidateGroups(ctx context.Context, batches map[string][]memory.MemCell) BatchResult {
	out := BatchResult{Results: map[string]Result{}, Failed: map[string]error{}}
	type item struct {
		group string
		res   Result
		err   error
	}
	groups := sortedKeys(batches)
	items := make([]item, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.parallel)
	for i, groupID := range groups {
		g.Go(func() error {
			res, err := o.Consolidate(gctx, groupID, batches[groupID])
			items[i] = item{group: groupID, res: res, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, it := range items {
		out.Results[it.group] = it.res
		switch {
		case it.err != nil:
			out.Failed[it.group] = it.err
		case it.res.Stale:
			out.Stale = append(out.Stale, it.group)
		default:
			out.Succeeded = append(out.Succeeded, it.group)
		}
	}
	return out
}

// PruneClusters drops clusters of groupID not seen within the horizon.
func (o *Orchestrator) PruneClusters(ctx context.Context, groupID string, now time.Time) ([]string, error) {
	release, err := o.locker.Acquire(ctx, "group:"+groupID)
	if err != nil {
		return nil, fmt.Errorf("lock group %s: %w", groupID, err)
	}
	defer release()

	state, err := o.store.LoadClusterState(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("load cluster state: %w", err)
	}
	next, removed := o.clusters.Prune(state, now)
	if len(removed) == 0 {
		return nil, nil
	}
	next.Version = state.Version + 1
	next.UpdatedAt = now.UTC()
	if err := o.store.SaveClusterState(ctx, next); err != nil {
		if errors.Is(err, memory.ErrStaleVersion) {
			return nil, nil
		}
		return nil, fmt.Errorf("save cluster state: %w", err)
	}
	o.logger.Info("clusters pruned", zap.String("group_id", groupID), zap.Strings("clusters", removed))
	return removed, nil
}

// DeleteMemCell removes a unit from the store, its cluster and every index.
// Deleting an unknown unit still clears the indexes.
func (o *Orchestrator) DeleteMemCell(ctx context.Context, eventID string) (indexsync.Result, error) {
	if eventID == "" {
		return indexsync.Result{}, fmt.Errorf("delete without event id: %w", memory.ErrInvalidInput)
	}
	cell, err := o.store.GetMemCell(ctx, eventID)
	switch {
	case err == nil:
	case errors.Is(err, memory.ErrNotFound):
		cell = memory.MemCell{EventID: eventID}
	default:
		return indexsync.Result{}, fmt.Errorf("load memcell: %w", err)
	}

	job := DeleteJob(cell, o.now().Add(o.grace).UnixMilli())
	if err := o.store.EnqueueJob(ctx, job); err != nil {
		return indexsync.Result{}, fmt.Errorf("enqueue delete job: %w", err)
	}
	if err := o.store.DeleteMemCell(ctx, eventID); err != nil {
		return indexsync.Result{}, fmt.Errorf("delete memcell: %w", err)
	}
	if cell.GroupID != "" {
		if err := o.detach(ctx, cell); err != nil {
			return indexsync.Result{}, err
		}
	}
	if o.syncer == nil {
		return indexsync.Result{Key: memory.EntityKey(cell)}, nil
	}
	res, err := o.syncer.Delete(context.WithoutCancel(ctx), cell)
	if err != nil {
		return res, err
	}
	if res.OK() {
		if err := o.store.CompleteJob(context.WithoutCancel(ctx), job.ID); err != nil {
			o.logger.Warn("complete delete job failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return res, nil
}

func (o *Orchestrator) detach(ctx context.Context, cell memory.MemCell) error {
	release, err := o.locker.Acquire(ctx, "group:"+cell.GroupID)
	if err != nil {
		return fmt.Errorf("lock group %s: %w", cell.GroupID, err)
	}
	defer release()

	state, err := o.store.LoadClusterState(ctx, cell.GroupID)
	if err != nil {
		return fmt.Errorf("load cluster state: %w", err)
	}
	if _, ok := state.Assignments[cell.EventID]; !ok {
		return nil
	}
	next := o.clusters.Remove(cell, state)
	next.Version = state.Version + 1
	next.UpdatedAt = o.now().UTC()
	if err := o.store.SaveClusterState(ctx, next); err != nil {
		return fmt.Errorf("save cluster state: %w", err)
	}
	return nil
}

func (o *Orchestrator) observe(status string, res Result) {
	if o.metrics == nil {
		return
	}
	joined := len(res.Assignments) - len(res.NewClusters)
	if joined < 0 {
		joined = 0
	}
	o.metrics.ObserveConsolidation(status, len(res.NewClusters), joined, len(res.Profiles))
}

// SyncJob is the outbox entry for upserting e.
func SyncJob(e memory.Entity, runAfterMS int64) memory.Job {
	return memory.Job{
		ID:         uuid.NewString(),
		JobType:    memory.JobSync,
		ScopeKey:   memory.EntityKey(e),
		Status:     memory.JobPending,
		RunAfterMS: runAfterMS,
		Payload: map[string]string{
			"kind":    string(e.EntityKind()),
			"id":      e.EntityID(),
			"version": strconv.FormatInt(e.SyncVersion(), 10),
		},
	}
}

// DeleteJob is the outbox entry for removing e from the indexes.
func DeleteJob(e memory.Entity, runAfterMS int64) memory.Job {
	job := SyncJob(e, runAfterMS)
	job.JobType = memory.JobDelete
	job.Priority = 10
	return job
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
