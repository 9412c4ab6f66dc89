package cluster

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func cell(id string, ts time.Time, vec ...float32) memory.MemCell {
	return memory.MemCell{EventID: id, UserID: "u1", GroupID: "g1", Timestamp: ts, Embedding: vec}
}

// unitAt returns a unit vector with the given cosine against [1, 0].
func unitAt(cos float64) []float32 {
	return []float32{float32(cos), float32(math.Sqrt(1 - cos*cos))}
}

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(cfg)
	require.NoError(t, err)
	return m
}

func seeded(t *testing.T, m *Manager) memory.ClusterState {
	t.Helper()
	id, state, err := m.Assign(cell("e0", t0, 1, 0), memory.NewClusterState("g1"))
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return state
}

func TestAssignJoinsSimilarRecentCluster(t *testing.T) {
	m := newManager(t, Config{SimilarityThreshold: 0.3, MaxTimeGap: 7 * day})
	state := seeded(t, m)
	first := state.Assignments["e0"]

	id, next, err := m.Assign(cell("e1", t0.Add(time.Hour), unitAt(0.9)...), state)
	require.NoError(t, err)
	assert.Equal(t, first, id)
	assert.Len(t, next.Clusters, 1)
	assert.Equal(t, []string{"e0", "e1"}, next.Clusters[id].Members)
	assert.Equal(t, t0.Add(time.Hour), next.Clusters[id].LastSeen)
}

func TestAssignCreatesClusterForDissimilarUnit(t *testing.T) {
	m := newManager(t, Config{SimilarityThreshold: 0.3, MaxTimeGap: 7 * day})
	state := seeded(t, m)

	id, next, err := m.Assign(cell("e1", t0.Add(time.Hour), unitAt(0.1)...), state)
	require.NoError(t, err)
	assert.NotEqual(t, state.Assignments["e0"], id)
	assert.Len(t, next.Clusters, 2)
	assert.Equal(t, []string{"e1"}, next.Clusters[id].Members)
}

func TestAssignTimeGapBoundary(t *testing.T) {
	m := newManager(t, Config{SimilarityThreshold: 0.3, MaxTimeGap: 7 * day})
	state := seeded(t, m)
	first := state.Assignments["e0"]

	testcases := []struct {
		name  string
		at    time.Time
		joins bool
	}{
		{name: "exactly at gap", at: t0.Add(7 * day), joins: true},
		{name: "one day past gap", at: t0.Add(8 * day), joins: false},
		{name: "before last seen within gap", at: t0.Add(-2 * day), joins: true},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			id, _, err := m.Assign(cell("e-"+tc.name, tc.at, 1, 0), state)
			require.NoError(t, err)
			assert.Equal(t, tc.joins, id == first)
		})
	}
}

func TestAssignUpdatesCentroidAsRunningMean(t *testing.T) {
	m := newManager(t, Config{SimilarityThreshold: 0.5, MaxTimeGap: 7 * day})
	state := seeded(t, m)

	id, next, err := m.Assign(cell("e1", t0.Add(time.Minute), 0.6, 0.8), state)
	require.NoError(t, err)
	centroid := next.Clusters[id].Centroid
	assert.InDelta(t, 0.8, centroid[0], 1e-6)
	assert.InDelta(t, 0.4, centroid[1], 1e-6)

	id, next, err = m.Assign(cell("e2", t0.Add(2*time.Minute), 1, 0), next)
	require.NoError(t, err)
	centroid = next.Clusters[id].Centroid
	assert.InDelta(t, 2.6/3, centroid[0], 1e-6)
	assert.InDelta(t, 0.8/3, centroid[1], 1e-6)
}

func TestAssignTieGoesToMostRecentlyUpdatedCluster(t *testing.T) {
	m := newManager(t, Config{SimilarityThreshold: 0.3, MaxTimeGap: 7 * day})
	state := memory.NewClusterState("g1")
	state.Clusters["clu-old"] = memory.Cluster{ID: "clu-old", Centroid: []float32{1, 0}, Members: []string{"a"}, LastSeen: t0}
	state.Clusters["clu-new"] = memory.Cluster{ID: "clu-new", Centroid: []float32{1, 0}, Members: []string{"b"}, LastSeen: t0.Add(time.Hour)}
	state.Assignments["a"] = "clu-old"
	state.Assignments["b"] = "clu-new"

	id, _, err := m.Assign(cell("c", t0.Add(2*time.Hour), 1, 0), state)
	require.NoError(t, err)
	assert.Equal(t, "clu-new", id)
}

func TestAssignDoesNotMutateInput(t *testing.T) {
	m := newManager(t, DefaultConfig())
	state := seeded(t, m)
	before := state.Clone()

	_, _, err := m.Assign(cell("e1", t0.Add(time.Hour), unitAt(0.95)...), state)
	require.NoError(t, err)
	assert.Equal(t, before, state)
}

func TestAssignIsDeterministic(t *testing.T) {
	m := newManager(t, DefaultConfig())
	cells := []memory.MemCell{
		cell("e1", t0, 1, 0),
		cell("e2", t0.Add(time.Hour), unitAt(0.9)...),
		cell("e3", t0.Add(2*time.Hour), unitAt(0.1)...),
		cell("e4", t0.Add(3*time.Hour), 0, 1),
		cell("e5", t0.Add(20*day), 1, 0),
	}
	run := func() memory.ClusterState {
		state := memory.NewClusterState("g1")
		for _, c := range cells {
			var err error
			_, state, err = m.Assign(c, state)
			require.NoError(t, err)
		}
		return state
	}
	assert.Equal(t, run(), run())
}

func TestAssignIsIdempotentForAssignedUnit(t *testing.T) {
	m := newManager(t, DefaultConfig())
	state := seeded(t, m)

	id, next, err := m.Assign(cell("e0", t0, 1, 0), state)
	require.NoError(t, err)
	assert.Equal(t, state.Assignments["e0"], id)
	assert.Equal(t, state, next)
}

func TestAssignRejectsInvalidInput(t *testing.T) {
	m := newManager(t, DefaultConfig())
	state := memory.NewClusterState("g1")

	testcases := []struct {
		name string
		cell memory.MemCell
	}{
		{name: "missing embedding", cell: cell("e1", t0)},
		{name: "missing timestamp", cell: cell("e1", time.Time{}, 1, 0)},
		{name: "missing id", cell: cell("", t0, 1, 0)},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := m.Assign(tc.cell, state)
			require.Error(t, err)
			assert.True(t, errors.Is(err, memory.ErrInvalidInput))
		})
	}
}

func TestPruneDropsClustersPastHorizon(t *testing.T) {
	m := newManager(t, Config{Horizon: 30 * day})
	state := memory.NewClusterState("g1")
	var err error
	_, state, err = m.Assign(cell("old", t0, 1, 0), state)
	require.NoError(t, err)
	_, state, err = m.Assign(cell("fresh", t0.Add(40*day), 0, 1), state)
	require.NoError(t, err)
	require.Len(t, state.Clusters, 2)

	next, removed := m.Prune(state, t0.Add(45*day))
	assert.Len(t, removed, 1)
	assert.Len(t, next.Clusters, 1)
	assert.NotContains(t, next.Assignments, "old")
	assert.Contains(t, next.Assignments, "fresh")
	assert.Len(t, state.Clusters, 2)
}

func TestRemoveBacksUnitOutOfCentroid(t *testing.T) {
	m := newManager(t, Config{SimilarityThreshold: 0.5, MaxTimeGap: 7 * day})
	state := seeded(t, m)
	added := cell("e1", t0.Add(time.Minute), 0.6, 0.8)
	id, state, err := m.Assign(added, state)
	require.NoError(t, err)

	next := m.Remove(added, state)
	assert.NotContains(t, next.Assignments, "e1")
	assert.Equal(t, []string{"e0"}, next.Clusters[id].Members)
	assert.InDelta(t, 1.0, next.Clusters[id].Centroid[0], 1e-6)
	assert.InDelta(t, 0.0, next.Clusters[id].Centroid[1], 1e-6)

	empty := m.Remove(cell("e0", t0, 1, 0), next)
	assert.Empty(t, empty.Clusters)
}

func TestNewManagerRejectsOutOfRangeThresholds(t *testing.T) {
	testcases := []struct {
		name string
		cfg  Config
	}{
		{name: "negative threshold", cfg: Config{SimilarityThreshold: -0.2}},
		{name: "threshold above one", cfg: Config{SimilarityThreshold: 1.5}},
		{name: "negative time gap", cfg: Config{SimilarityThreshold: 0.5, MaxTimeGap: -day}},
		{name: "negative horizon", cfg: Config{SimilarityThreshold: 0.5, Horizon: -day}},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewManager(tc.cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, memory.ErrInvalidInput))
		})
	}

	m := newManager(t, Config{})
	assert.Equal(t, DefaultConfig(), m.cfg, "unset fields take the defaults")
	m = newManager(t, Config{SimilarityThreshold: 1})
	assert.Equal(t, 1.0, m.cfg.SimilarityThreshold)
}
