// Package cluster groups memory units into semantic and temporal clusters.
//
// Every operation is a pure function of its inputs: the state passed in is
// never modified and a new state is returned, so callers own persistence and
// concurrency.
package cluster

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

const day = 24 * time.Hour

// Config holds the clustering thresholds.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity to join a cluster.
	SimilarityThreshold float64
	// MaxTimeGap bounds the distance between a unit and a cluster's last
	// activity. A unit exactly MaxTimeGap away may still join.
	MaxTimeGap time.Duration
	// Horizon is the inactivity age after which Prune drops a cluster.
	Horizon time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.3,
		MaxTimeGap:          7 * day,
		Horizon:             90 * day,
	}
}

// Manager assigns memory units to clusters.
type Manager struct {
	cfg Config
}

// NewManager returns a Manager. Unset (zero) fields take their defaults; a
// threshold outside (0, 1] or a negative duration is rejected.
func NewManager(cfg Config) (*Manager, error) {
	def := DefaultConfig()
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.MaxTimeGap == 0 {
		cfg.MaxTimeGap = def.MaxTimeGap
	}
	if cfg.Horizon == 0 {
		cfg.Horizon = def.Horizon
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg}, nil
}

// Validate reports out-of-range thresholds.
func (c Config) Validate() error {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity threshold %v outside (0, 1]: %w", c.SimilarityThreshold, memory.ErrInvalidInput)
	}
	if c.MaxTimeGap < 0 || c.Horizon < 0 {
		return fmt.Errorf("negative time gap %v or horizon %v: %w", c.MaxTimeGap, c.Horizon, memory.ErrInvalidInput)
	}
	return nil
}

func (m *Manager) Config() Config { return m.cfg }

// Assign places cell into the best matching cluster of state, or into a new
// cluster when none qualifies, and returns the chosen cluster id with the
// resulting state. A cell already assigned in state keeps its cluster.
func (m *Manager) Assign(cell memory.MemCell, state memory.ClusterState) (string, memory.ClusterState, error) {
	if err := validate(cell); err != nil {
		return "", state, err
	}
	if id, ok := state.Assignments[cell.EventID]; ok {
		return id, state, nil
	}

	next := state.Clone()
	if next.Clusters == nil {
		next.Clusters = map[string]memory.Cluster{}
	}
	if next.Assignments == nil {
		next.Assignments = map[string]string{}
	}

	bestID, found := m.bestCandidate(cell, next)
	if !found {
		id := newClusterID(next.GroupID, cell.EventID)
		next.Clusters[id] = memory.Cluster{
			ID:        id,
			Centroid:  slices.Clone(cell.Embedding),
			Members:   []string{cell.EventID},
			LastSeen:  cell.Timestamp,
			CreatedAt: cell.Timestamp,
		}
		next.Assignments[cell.EventID] = id
		next.UpdatedAt = maxTime(next.UpdatedAt, cell.Timestamp)
		return id, next, nil
	}

	c := next.Clusters[bestID]
	c.Members = append(c.Members, cell.EventID)
	n := float64(len(c.Members))
	for i := range c.Centroid {
		c.Centroid[i] += float32((float64(cell.Embedding[i]) - float64(c.Centroid[i])) / n)
	}
	c.LastSeen = maxTime(c.LastSeen, cell.Timestamp)
	next.Clusters[bestID] = c
	next.Assignments[cell.EventID] = bestID
	next.UpdatedAt = maxTime(next.UpdatedAt, cell.Timestamp)
	return bestID, next, nil
}

func (m *Manager) bestCandidate(cell memory.MemCell, state memory.ClusterState) (string, bool) {
	var (
		bestID   string
		bestSim  float64
		bestSeen time.Time
		found    bool
	)
	for id, c := range state.Clusters {
		if len(c.Centroid) != len(cell.Embedding) {
			continue
		}
		if absDuration(cell.Timestamp.Sub(c.LastSeen)) > m.cfg.MaxTimeGap {
			continue
		}
		sim := memory.CosineSimilarity(cell.Embedding, c.Centroid)
		if sim < m.cfg.SimilarityThreshold {
			continue
		}
		better := !found ||
			sim > bestSim ||
			(sim == bestSim && c.LastSeen.After(bestSeen)) ||
			(sim == bestSim && c.LastSeen.Equal(bestSeen) && id < bestID)
		if better {
			bestID, bestSim, bestSeen, found = id, sim, c.LastSeen, true
		}
	}
	return bestID, found
}

// Remove detaches a deleted unit from its cluster, backing its embedding out
// of the centroid. Clusters left empty are dropped.
func (m *Manager) Remove(cell memory.MemCell, state memory.ClusterState) memory.ClusterState {
	id, ok := state.Assignments[cell.EventID]
	if !ok {
		return state
	}
	next := state.Clone()
	delete(next.Assignments, cell.EventID)
	c, ok := next.Clusters[id]
	if !ok {
		return next
	}
	idx := slices.Index(c.Members, cell.EventID)
	if idx >= 0 {
		c.Members = slices.Delete(c.Members, idx, idx+1)
	}
	if len(c.Members) == 0 {
		delete(next.Clusters, id)
		return next
	}
	if idx >= 0 && len(cell.Embedding) == len(c.Centroid) {
		n := float64(len(c.Members) + 1)
		for i := range c.Centroid {
			c.Centroid[i] = float32((float64(c.Centroid[i])*n - float64(cell.Embedding[i])) / (n - 1))
		}
	}
	next.Clusters[id] = c
	return next
}

// Prune drops clusters whose last activity is older than the horizon
// relative to now, and returns the new state with the removed cluster ids.
func (m *Manager) Prune(state memory.ClusterState, now time.Time) (memory.ClusterState, []string) {
	cutoff := now.Add(-m.cfg.Horizon)
	next := state.Clone()
	var removed []string
	for id, c := range next.Clusters {
		if c.LastSeen.Before(cutoff) {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return next, nil
	}
	slices.Sort(removed)
	for _, id := range removed {
		for _, member := range next.Clusters[id].Members {
			delete(next.Assignments, member)
		}
		delete(next.Clusters, id)
	}
	return next, removed
}

func validate(cell memory.MemCell) error {
	switch {
	case strings.TrimSpace(cell.EventID) == "":
		return fmt.Errorf("memcell without event_id: %w", memory.ErrInvalidInput)
	case len(cell.Embedding) == 0:
		return fmt.Errorf("memcell %s has no embedding: %w", cell.EventID, memory.ErrInvalidInput)
	case cell.Timestamp.IsZero():
		return fmt.Errorf("memcell %s has no timestamp: %w", cell.EventID, memory.ErrInvalidInput)
	}
	return nil
}

// Validate reports whether cell can be clustered.
func Validate(cell memory.MemCell) error { return validate(cell) }

func newClusterID(groupID, eventID string) string {
	h := sha1.Sum([]byte(groupID + "|" + eventID))
	return "clu-" + hex.EncodeToString(h[:8])
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
