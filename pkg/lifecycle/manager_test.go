package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/memsync/pkg/memory"
	"github.com/dotsetgreg/memsync/pkg/resilience"
	"github.com/dotsetgreg/memsync/pkg/vectorindex"
)

const alias = "memsync-memcells"

type sliceSource struct {
	cells []memory.MemCell
}

func (s sliceSource) Page(_ context.Context, kind memory.EntityKind, after string, limit int) ([]memory.Entity, string, error) {
	var out []memory.Entity
	for _, c := range s.cells {
		if c.EventID > after {
			out = append(out, c)
		}
		if len(out) == limit {
			return out, c.EventID, nil
		}
	}
	return out, "", nil
}

// liveSource lets a test change the source while a rebuild pages it. during
// runs once, right after the final page of the first pass is read.
type liveSource struct {
	mu     sync.Mutex
	cells  []memory.MemCell
	once   sync.Once
	during func()
}

func (s *liveSource) Page(ctx context.Context, kind memory.EntityKind, after string, limit int) ([]memory.Entity, string, error) {
	s.mu.Lock()
	page, next, err := sliceSource{cells: s.cells}.Page(ctx, kind, after, limit)
	s.mu.Unlock()
	if next == "" && s.during != nil {
		s.once.Do(s.during)
	}
	return page, next, err
}

func (s *liveSource) replace(cells []memory.MemCell) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells = cells
}

type slowWriter struct {
	inner     Writer
	delay     time.Duration
	failAfter int
	n         atomic.Int32
}

func (w *slowWriter) UpsertInto(ctx context.Context, index string, e memory.Entity) error {
	n := int(w.n.Add(1))
	if w.failAfter > 0 && n > w.failAfter {
		return fmt.Errorf("rejected %s: %w", e.EntityID(), memory.ErrInvalidInput)
	}
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	return w.inner.UpsertInto(ctx, index, e)
}

func (w *slowWriter) DeleteFrom(ctx context.Context, index string, e memory.Entity) error {
	return w.inner.DeleteFrom(ctx, index, e)
}

type recordedAliases struct {
	mu sync.Mutex
	m  map[string]string
}

func (r *recordedAliases) GetAlias(_ context.Context, a string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.m[a]
	if !ok {
		return "", memory.ErrNotFound
	}
	return v, nil
}

func (r *recordedAliases) SetAlias(_ context.Context, a, physical string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[a] = physical
	return nil
}

func makeCells(n int, prefix string) []memory.MemCell {
	out := make([]memory.MemCell, n)
	for i := range out {
		out[i] = memory.MemCell{
			EventID:   fmt.Sprintf("%s%03d", prefix, i),
			UserID:    "u1",
			Timestamp: time.Unix(int64(i), 0),
			Episode:   "episode",
			Embedding: []float32{1, float32(i)},
			Version:   1,
		}
	}
	return out
}

type harness struct {
	store   *vectorindex.Store
	target  *vectorindex.Target
	writer  *slowWriter
	aliases *recordedAliases
}

func newHarness(t *testing.T, cells []memory.MemCell, opts ManagerOptions) (*Manager, *harness) {
	t.Helper()
	return newHarnessWithSource(t, sliceSource{cells: cells}, opts)
}

func newHarnessWithSource(t *testing.T, src Source, opts ManagerOptions) (*Manager, *harness) {
	t.Helper()
	store, err := vectorindex.NewStore(vectorindex.Options{})
	require.NoError(t, err)
	target := vectorindex.NewTarget(store, nil, map[memory.EntityKind]string{memory.KindMemCell: alias})
	h := &harness{store: store, target: target, writer: &slowWriter{inner: target}, aliases: &recordedAliases{m: map[string]string{}}}

	reg, err := NewRegistry(IndexSpec{
		Alias:  alias,
		Kind:   memory.KindMemCell,
		Target: memory.TargetVector,
		Admin:  store,
		Writer: h.writer,
	})
	require.NoError(t, err)

	var tick atomic.Int64
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	opts.Now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }
	opts.PageSize = 10
	opts.Retry = resilience.RetryPolicy{MaxTries: 1}
	if opts.Aliases == nil {
		opts.Aliases = h.aliases
	}
	return NewManager(reg, src, opts), h
}

func count(t *testing.T, s *vectorindex.Store, name string) int {
	t.Helper()
	n, err := s.Count(context.Background(), name)
	require.NoError(t, err)
	return n
}

func TestRebuildSwapsAliasAfterBackfill(t *testing.T) {
	m, h := newHarness(t, makeCells(25, "e"), ManagerOptions{})
	ctx := context.Background()

	require.NoError(t, m.EnsureAliases(ctx))
	initial, err := h.store.ResolveAlias(ctx, alias)
	require.NoError(t, err)
	require.NotEmpty(t, initial)
	require.NoError(t, h.target.Upsert(ctx, makeCells(1, "old")[0]))

	report, err := m.Rebuild(ctx, alias, RebuildOptions{})
	require.NoError(t, err)

	assert.Equal(t, StateSwapped, report.State)
	assert.Equal(t, []State{StateIdle, StateBuilding, StateReady, StateSwapped}, report.History)
	assert.Equal(t, initial, report.OldIndex)
	assert.Equal(t, 25, report.Backfilled)
	assert.Contains(t, report.NewIndex, alias+"-20260501-")

	current, _ := h.store.ResolveAlias(ctx, alias)
	assert.Equal(t, report.NewIndex, current)
	assert.Equal(t, 25, count(t, h.store, alias))
	assert.Equal(t, 1, count(t, h.store, initial), "old index is kept by default")
	assert.Equal(t, report.NewIndex, h.aliases.m["vector:"+alias])
	assert.Equal(t, StateSwapped, m.State(alias))
}

func TestRebuildKeepsWritesMadeDuringBackfill(t *testing.T) {
	cells := makeCells(25, "e")
	src := &liveSource{cells: cells}
	m, h := newHarnessWithSource(t, src, ManagerOptions{})
	ctx := context.Background()
	require.NoError(t, m.EnsureAliases(ctx))
	for _, c := range cells {
		require.NoError(t, h.target.Upsert(ctx, c))
	}

	late := memory.MemCell{EventID: "late", UserID: "u1", Episode: "written mid-rebuild", Embedding: []float32{1, 99}, Version: 1}
	gone := cells[1]
	src.during = func() {
		next := append([]memory.MemCell{}, cells[:1]...)
		next = append(next, cells[2:]...)
		src.replace(append(next, late))
		// Live writes still go through the alias, which points at the old index.
		require.NoError(t, h.target.Upsert(ctx, late))
		require.NoError(t, h.target.Delete(ctx, gone))
	}

	report, err := m.Rebuild(ctx, alias, RebuildOptions{DeleteOld: true})
	require.NoError(t, err)
	assert.Equal(t, StatePurged, report.State)
	assert.Equal(t, 25, report.Backfilled)
	assert.Equal(t, 25, report.CaughtUp)
	assert.Equal(t, 1, report.Dropped)

	hits, err := h.store.Query(ctx, alias, []float32{1, 50}, 100, nil)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, hit := range hits {
		ids[hit.ID] = true
	}
	assert.Len(t, ids, 25)
	assert.True(t, ids["late"], "write made during the backfill survives the swap")
	assert.False(t, ids[gone.EventID], "delete made during the backfill survives the swap")
}

func TestRebuildRetiresOrPurgesOldIndex(t *testing.T) {
	m, h := newHarness(t, makeCells(3, "e"), ManagerOptions{})
	ctx := context.Background()
	require.NoError(t, m.EnsureAliases(ctx))

	first, _ := h.store.ResolveAlias(ctx, alias)
	report, err := m.Rebuild(ctx, alias, RebuildOptions{CloseOld: true})
	require.NoError(t, err)
	assert.Equal(t, StateRetired, report.State)
	_, err = h.store.Count(ctx, first)
	assert.ErrorIs(t, err, memory.ErrInvalidInput, "closed index rejects reads")

	second := report.NewIndex
	report, err = m.Rebuild(ctx, alias, RebuildOptions{DeleteOld: true})
	require.NoError(t, err)
	assert.Equal(t, StatePurged, report.State)
	assert.Equal(t, 0, count(t, h.store, second))
	assert.Equal(t, 3, count(t, h.store, alias))
}

func TestBackfillFailureLeavesAliasUnchanged(t *testing.T) {
	m, h := newHarness(t, makeCells(30, "e"), ManagerOptions{})
	ctx := context.Background()
	require.NoError(t, m.EnsureAliases(ctx))
	before, _ := h.store.ResolveAlias(ctx, alias)
	require.NoError(t, h.target.Upsert(ctx, makeCells(1, "old")[0]))

	h.writer.failAfter = 12
	report, err := m.Rebuild(ctx, alias, RebuildOptions{DeleteOld: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, 12, report.Backfilled)

	after, _ := h.store.ResolveAlias(ctx, alias)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, count(t, h.store, alias))
	assert.Equal(t, 0, count(t, h.store, report.NewIndex), "partial index is dropped")
	assert.Equal(t, StateFailed, m.State(alias))
}

func TestReadersSeeOldOrNewIndexOnly(t *testing.T) {
	m, h := newHarness(t, makeCells(30, "e"), ManagerOptions{})
	ctx := context.Background()
	require.NoError(t, m.EnsureAliases(ctx))
	for _, c := range makeCells(5, "old") {
		require.NoError(t, h.target.Upsert(ctx, c))
	}
	h.writer.delay = 200 * time.Microsecond

	stop := make(chan struct{})
	var (
		wg       sync.WaitGroup
		bad      atomic.Int32
		sawNew   atomic.Bool
		observed atomic.Int32
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				n, err := h.store.Count(ctx, alias)
				if err != nil {
					bad.Add(1)
					continue
				}
				observed.Add(1)
				switch n {
				case 5:
				case 30:
					sawNew.Store(true)
				default:
					bad.Add(1)
				}
			}
		}()
	}

	_, err := m.Rebuild(ctx, alias, RebuildOptions{})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	close(stop)
	wg.Wait()

	assert.Zero(t, bad.Load())
	assert.Positive(t, observed.Load())
	assert.True(t, sawNew.Load())
}

func TestRebuildUnknownAlias(t *testing.T) {
	m, _ := newHarness(t, nil, ManagerOptions{})
	_, err := m.Rebuild(context.Background(), "nope", RebuildOptions{})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
}

func TestRebuildHonoursCancellation(t *testing.T) {
	m, h := newHarness(t, makeCells(10, "e"), ManagerOptions{})
	require.NoError(t, m.EnsureAliases(context.Background()))
	before, _ := h.store.ResolveAlias(context.Background(), alias)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Rebuild(ctx, alias, RebuildOptions{})
	require.Error(t, err)
	after, _ := h.store.ResolveAlias(context.Background(), alias)
	assert.Equal(t, before, after)
}

func TestRegistryValidation(t *testing.T) {
	store, err := vectorindex.NewStore(vectorindex.Options{})
	require.NoError(t, err)
	spec := IndexSpec{Alias: "a", Kind: memory.KindMemCell, Admin: store, Writer: vectorindex.NewTarget(store, nil, nil)}

	_, err = NewRegistry(spec, spec)
	assert.ErrorIs(t, err, memory.ErrInvalidInput)
	_, err = NewRegistry(IndexSpec{Alias: "b"})
	assert.ErrorIs(t, err, memory.ErrInvalidInput)

	reg, err := NewRegistry(spec, IndexSpec{Alias: "0", Admin: store, Writer: spec.Writer})
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "a"}, reg.Aliases())
}

func TestStoreSourcePagesEntities(t *testing.T) {
	store, err := memory.NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	for _, c := range makeCells(5, "e") {
		_, err := store.PutMemCell(ctx, c)
		require.NoError(t, err)
	}
	for _, u := range []string{"u1", "u2", "u3"} {
		require.NoError(t, store.SaveProfile(ctx, memory.Profile{UserID: u, Version: 1, Facts: map[string]memory.ProfileFact{}}))
	}

	src := StoreSource{Store: store}
	var ids []string
	after := ""
	for {
		page, next, err := src.Page(ctx, memory.KindMemCell, after, 2)
		require.NoError(t, err)
		for _, e := range page {
			ids = append(ids, e.EntityID())
		}
		if next == "" {
			break
		}
		after = next
	}
	assert.Equal(t, []string{"e000", "e001", "e002", "e003", "e004"}, ids)

	page, next, err := src.Page(ctx, memory.KindProfile, "", 10)
	require.NoError(t, err)
	assert.Len(t, page, 3)
	assert.Empty(t, next)

	_, _, err = src.Page(ctx, "episode", "", 10)
	assert.ErrorIs(t, err, memory.ErrUnsupportedSync)
}
