package consolidate

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/memsync/pkg/cluster"
	"github.com/dotsetgreg/memsync/pkg/indexsync"
	"github.com/dotsetgreg/memsync/pkg/memory"
	"github.com/dotsetgreg/memsync/pkg/profile"
	"github.com/dotsetgreg/memsync/pkg/resilience"
)

type recordingTarget struct {
	name memory.SyncTarget
	mu   sync.Mutex
	docs map[string]int64
	fail bool
}

func newRecordingTarget(name memory.SyncTarget) *recordingTarget {
	return &recordingTarget{name: name, docs: map[string]int64{}}
}

func (t *recordingTarget) Name() memory.SyncTarget { return t.name }

func (t *recordingTarget) Upsert(ctx context.Context, e memory.Entity) error {
	return t.UpsertInto(ctx, "", e)
}

func (t *recordingTarget) UpsertInto(_ context.Context, _ string, e memory.Entity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return fmt.Errorf("index down: %w", memory.ErrDependencyUnavailable)
	}
	t.docs[memory.EntityKey(e)] = e.SyncVersion()
	return nil
}

func (t *recordingTarget) Delete(_ context.Context, e memory.Entity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return fmt.Errorf("index down: %w", memory.ErrDependencyUnavailable)
	}
	delete(t.docs, memory.EntityKey(e))
	return nil
}

func (t *recordingTarget) has(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.docs[key]
	return ok
}

type recorder struct {
	mu       sync.Mutex
	statuses []string
}

func (r *recorder) ObserveConsolidation(status string, _, _, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

type fixture struct {
	store   *memory.SQLiteStore
	text    *recordingTarget
	vector  *recordingTarget
	metrics *recorder
	orch    *Orchestrator
}

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store:   store,
		text:    newRecordingTarget(memory.TargetText),
		vector:  newRecordingTarget(memory.TargetVector),
		metrics: &recorder{},
	}
	syncer := indexsync.NewService(store, []indexsync.Target{f.text, f.vector}, indexsync.Options{
		Retry: resilience.RetryPolicy{MaxTries: 1},
	})
	clusters, err := cluster.NewManager(cluster.Config{SimilarityThreshold: 0.8, MaxTimeGap: 24 * time.Hour, Horizon: 30 * 24 * time.Hour})
	require.NoError(t, err)
	profiles := profile.NewManager(profile.Config{MinMemCells: 2, MinConfidence: 0.6, Versioning: true, Now: func() time.Time { return base }}, profile.HeuristicExtractor{}, nil)
	f.orch = New(store, clusters, profiles, Options{
		Syncer:   syncer,
		Recorder: f.metrics,
		Now:      func() time.Time { return base },
	})
	return f
}

func cell(id, user string, at time.Duration, text string, emb ...float32) memory.MemCell {
	return memory.MemCell{
		EventID:   id,
		UserID:    user,
		Timestamp: base.Add(at),
		Episode:   text,
		Embedding: emb,
	}
}

func TestConsolidateCommitsAndSyncs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orch.Consolidate(ctx, "g1", []memory.MemCell{
		cell("e1", "u1", 0, "My name is Ada.", 1, 0),
		cell("e2", "u1", time.Hour, "I live in Lisbon.", 0.99, 0.05),
		cell("e3", "u2", 2*time.Hour, "unrelated", 0, 1),
	})
	require.NoError(t, err)

	assert.False(t, res.Stale)
	assert.Len(t, res.NewClusters, 2)
	assert.Equal(t, res.Assignments["e1"], res.Assignments["e2"])
	assert.NotEqual(t, res.Assignments["e1"], res.Assignments["e3"])
	assert.Equal(t, int64(1), res.StateVersion)
	require.Len(t, res.Profiles, 1)
	assert.Equal(t, "u1", res.Profiles[0].UserID)
	assert.Equal(t, []string{"u2"}, res.SkippedUsers)
	assert.Zero(t, res.PendingJobs)

	state, err := f.store.LoadClusterState(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Version)
	assert.Len(t, state.Assignments, 3)

	p, err := f.store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", p.Facts["identity.name"].Value)

	unprofiled, err := f.store.CountUnprofiled(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, unprofiled)

	for _, key := range []string{"memcell:e1", "memcell:e2", "memcell:e3", "profile:u1"} {
		assert.True(t, f.text.has(key), key)
		assert.True(t, f.vector.has(key), key)
	}
	pending, err := f.store.CountJobs(ctx, memory.JobPending)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Equal(t, []string{"ok"}, f.metrics.statuses)
}

func TestConsolidateRejectsInvalidUnits(t *testing.T) {
	f := newFixture(t)
	res, err := f.orch.Consolidate(context.Background(), "g1", []memory.MemCell{
		cell("ok", "u1", 0, "fine", 1, 0),
		cell("noemb", "u1", 0, "no vector"),
		{EventID: "other", GroupID: "g2", Timestamp: base, Embedding: []float32{1, 0}},
		{Timestamp: base, Embedding: []float32{1}},
	})
	require.NoError(t, err)

	assert.Contains(t, res.Assignments, "ok")
	assert.Len(t, res.Rejected, 3)
	for _, id := range []string{"noemb", "other", "#3"} {
		assert.ErrorIs(t, res.Rejected[id], memory.ErrInvalidInput, id)
	}
}

func TestConsolidateRequiresGroup(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Consolidate(context.Background(), "", []memory.MemCell{cell("e1", "u1", 0, "x", 1)})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
}

func TestConsolidateIsIdempotentForKnownUnits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := []memory.MemCell{cell("e1", "u1", 0, "x", 1, 0)}

	first, err := f.orch.Consolidate(ctx, "g1", batch)
	require.NoError(t, err)
	second, err := f.orch.Consolidate(ctx, "g1", batch)
	require.NoError(t, err)

	assert.Equal(t, first.Assignments, second.Assignments)
	assert.Empty(t, second.NewClusters)
	assert.Equal(t, int64(1), second.StateVersion)
	state, _ := f.store.LoadClusterState(ctx, "g1")
	assert.Equal(t, int64(1), state.Version)
}

func TestConsolidateCancelledPersistsNothing(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orch.Consolidate(ctx, "g1", []memory.MemCell{cell("e1", "u1", 0, "x", 1, 0)})
	require.Error(t, err)

	state, err := f.store.LoadClusterState(context.Background(), "g1")
	require.NoError(t, err)
	assert.Zero(t, state.Version)
	_, err = f.store.GetMemCell(context.Background(), "e1")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestConsolidateStaleRunIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.orch.store = &racingStore{SQLiteStore: f.store}

	res, err := f.orch.Consolidate(ctx, "g1", []memory.MemCell{cell("e1", "u1", 0, "x", 1, 0)})
	require.NoError(t, err)
	assert.True(t, res.Stale)
	assert.Empty(t, res.Assignments)

	_, err = f.store.GetMemCell(ctx, "e1")
	assert.ErrorIs(t, err, memory.ErrNotFound)
	assert.Equal(t, []string{"stale"}, f.metrics.statuses)
}

// racingStore commits a competing cluster state right after each load.
type racingStore struct {
	*memory.SQLiteStore
}

func (s *racingStore) LoadClusterState(ctx context.Context, groupID string) (memory.ClusterState, error) {
	state, err := s.SQLiteStore.LoadClusterState(ctx, groupID)
	if err != nil {
		return state, err
	}
	next := state.Clone()
	next.Version++
	if err := s.SQLiteStore.SaveClusterState(ctx, next); err != nil {
		return state, err
	}
	return state, nil
}

func TestConsolidateLeavesJobsForFailedTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.vector.fail = true

	res, err := f.orch.Consolidate(ctx, "g1", []memory.MemCell{
		cell("e1", "u1", 0, "x", 1, 0),
		cell("e2", "u2", time.Minute, "y", 1, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.PendingJobs)
	assert.True(t, f.text.has("memcell:e1"))
	assert.False(t, f.vector.has("memcell:e1"))

	pending, err := f.store.CountJobs(ctx, memory.JobPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	job, ok, err := f.store.ClaimNextJob(ctx, base.Add(time.Hour).UnixMilli(), 1000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, memory.JobSync, job.JobType)
	assert.Equal(t, string(memory.KindMemCell), job.Payload["kind"])
}

func TestConsolidateGroupsIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	out := f.orch.ConsolidateGroups(context.Background(), map[string][]memory.MemCell{
		"g1": {cell("a1", "u1", 0, "x", 1, 0)},
		"g2": {cell("b1", "u2", 0, "x", 0, 1)},
		"":   {cell("c1", "u3", 0, "x", 1, 1)},
	})

	assert.Equal(t, []string{"g1", "g2"}, out.Succeeded)
	assert.Len(t, out.Failed, 1)
	assert.ErrorIs(t, out.Failed[""], memory.ErrInvalidInput)

	groups, err := f.store.ListGroups(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, groups)
}

// groupFactExtractor records one fact per group the user was seen in. When
// meet is set, each call waits briefly for the other caller so concurrent
// runs overlap.
type groupFactExtractor struct {
	meet chan struct{}
}

func (e groupFactExtractor) ExtractFacts(_ context.Context, req profile.ExtractionRequest) ([]profile.Candidate, error) {
	if e.meet != nil {
		select {
		case e.meet <- struct{}{}:
		case <-e.meet:
		case <-time.After(200 * time.Millisecond):
		}
	}
	var out []profile.Candidate
	for _, c := range req.Cells {
		out = append(out, profile.Candidate{Key: "seen_in." + c.GroupID, Value: "yes", Confidence: 0.9, SourceIDs: []string{c.EventID}})
	}
	return out, nil
}

func newGroupFactOrchestrator(t *testing.T, store memory.Store, meet chan struct{}, versioning bool) *Orchestrator {
	t.Helper()
	clusters, err := cluster.NewManager(cluster.Config{SimilarityThreshold: 0.8, MaxTimeGap: 24 * time.Hour, Horizon: 30 * 24 * time.Hour})
	require.NoError(t, err)
	clock := func() time.Time { return base }
	profiles := profile.NewManager(profile.Config{MinMemCells: 1, MinConfidence: 0.6, Versioning: versioning, Now: clock}, groupFactExtractor{meet: meet}, nil)
	return New(store, clusters, profiles, Options{Now: clock})
}

func TestConsolidateGroupsSharingAUserKeepEveryFact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orch := newGroupFactOrchestrator(t, f.store, make(chan struct{}), true)

	out := orch.ConsolidateGroups(ctx, map[string][]memory.MemCell{
		"ga": {cell("a1", "u1", 0, "x", 1, 0)},
		"gb": {cell("b1", "u1", 0, "y", 1, 0)},
	})
	assert.Equal(t, []string{"ga", "gb"}, out.Succeeded)
	assert.Empty(t, out.Stale)

	p, err := f.store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Contains(t, p.Facts, "seen_in.ga")
	assert.Contains(t, p.Facts, "seen_in.gb")
	assert.Equal(t, int64(2), p.Version)

	versions, err := f.store.ListProfileVersions(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestConsolidateConcurrentProfileWriteIsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Separate orchestrators do not share locks, like two processes.
	meet := make(chan struct{})
	first := newGroupFactOrchestrator(t, f.store, meet, false)
	second := newGroupFactOrchestrator(t, f.store, meet, false)

	var (
		wg     sync.WaitGroup
		ra, rb Result
		ea, eb error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		ra, ea = first.Consolidate(ctx, "ga", []memory.MemCell{cell("a1", "u1", 0, "x", 1, 0)})
	}()
	go func() {
		defer wg.Done()
		rb, eb = second.Consolidate(ctx, "gb", []memory.MemCell{cell("b1", "u1", 0, "y", 1, 0)})
	}()
	wg.Wait()
	require.NoError(t, ea)
	require.NoError(t, eb)
	require.NotEqual(t, ra.Stale, rb.Stale, "exactly one run must lose the race")

	staleGroup, staleCell := "gb", cell("b1", "u1", 0, "y", 1, 0)
	if ra.Stale {
		staleGroup, staleCell = "ga", cell("a1", "u1", 0, "x", 1, 0)
	}
	_, err := f.store.GetMemCell(ctx, staleCell.EventID)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	rerun, err := first.Consolidate(ctx, staleGroup, []memory.MemCell{staleCell})
	require.NoError(t, err)
	assert.False(t, rerun.Stale)

	p, err := f.store.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Contains(t, p.Facts, "seen_in.ga")
	assert.Contains(t, p.Facts, "seen_in.gb")
}

func TestPruneClusters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Consolidate(ctx, "g1", []memory.MemCell{
		cell("old", "u1", 0, "x", 1, 0),
		cell("new", "u1", 60*24*time.Hour, "y", 0, 1),
	})
	require.NoError(t, err)

	removed, err := f.orch.PruneClusters(ctx, "g1", base.Add(61*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, removed, 1)

	state, _ := f.store.LoadClusterState(ctx, "g1")
	assert.Len(t, state.Clusters, 1)
	assert.NotContains(t, state.Assignments, "old")
	assert.Equal(t, int64(2), state.Version)

	removed, err = f.orch.PruneClusters(ctx, "g1", base.Add(61*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestDeleteMemCell(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Consolidate(ctx, "g1", []memory.MemCell{
		cell("e1", "u1", 0, "x", 1, 0),
		cell("e2", "u1", time.Minute, "y", 1, 0),
	})
	require.NoError(t, err)

	res, err := f.orch.DeleteMemCell(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.False(t, f.text.has("memcell:e1"))
	assert.False(t, f.vector.has("memcell:e1"))
	assert.True(t, f.text.has("memcell:e2"))

	_, err = f.store.GetMemCell(ctx, "e1")
	assert.ErrorIs(t, err, memory.ErrNotFound)
	state, _ := f.store.LoadClusterState(ctx, "g1")
	assert.NotContains(t, state.Assignments, "e1")
	assert.Contains(t, state.Assignments, "e2")

	pending, _ := f.store.CountJobs(ctx, memory.JobPending)
	assert.Zero(t, pending)
}

func TestDeleteMemCellQueuesRetryWhenIndexDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Consolidate(ctx, "g1", []memory.MemCell{cell("e1", "u1", 0, "x", 1, 0)})
	require.NoError(t, err)

	f.text.fail = true
	res, err := f.orch.DeleteMemCell(ctx, "e1")
	require.NoError(t, err)
	assert.False(t, res.OK())

	job, ok, err := f.store.ClaimNextJob(ctx, base.Add(time.Hour).UnixMilli(), 1000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, memory.JobDelete, job.JobType)
	assert.Equal(t, "memcell:e1", job.ScopeKey)
}
