// Package profile derives versioned, confidence-gated user profiles from
// memory units.
package profile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

// Candidate is one fact proposed by an extractor.
type Candidate struct {
	Key        string
	Value      string
	Confidence float64
	// Supersedes marks an explicit correction of an earlier value.
	Supersedes bool
	SourceIDs  []string
	ObservedAt time.Time
}

// ExtractionRequest is the per-user input to an Extractor.
type ExtractionRequest struct {
	UserID string
	Cells  []memory.MemCell
	// Current is set when versioning is enabled and a profile exists.
	Current *memory.Profile
}

// Extractor turns memory units into fact candidates, typically via an LLM.
type Extractor interface {
	ExtractFacts(ctx context.Context, req ExtractionRequest) ([]Candidate, error)
}

// Config controls extraction and merge behavior.
type Config struct {
	MinMemCells   int
	MinConfidence float64
	Versioning    bool
	MaxSourceIDs  int
	RetainSources func(ids []string) []string
	// Concurrency bounds parallel extractor calls across users.
	Concurrency int
	// Now stamps merged facts and profiles. Defaults to time.Now.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		MinMemCells:   3,
		MinConfidence: 0.6,
		Versioning:    true,
		MaxSourceIDs:  200,
		Concurrency:   4,
	}
}

// Result is the outcome of one extraction pass.
type Result struct {
	Profiles map[string]memory.Profile
	// Profiled lists, per user, the unit ids that were fed to the extractor.
	Profiled  map[string][]string
	Failed    map[string]error
	Skipped   []string
	Unchanged []string
	Stats     map[string]MergeStats
}

// Manager extracts and merges profiles. It holds no state between calls.
type Manager struct {
	cfg       Config
	extractor Extractor
	logger    *zap.Logger
	now       func() time.Time
}

func NewManager(cfg Config, extractor Extractor, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MinMemCells <= 0 {
		cfg.MinMemCells = def.MinMemCells
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{cfg: cfg, extractor: extractor, logger: logger.Named("profile"), now: now}
}

func (m *Manager) Config() Config { return m.cfg }

// Extract builds updated profiles for the users owning cells. cells must be
// the users' not-yet-profiled units; users with fewer than MinMemCells of them
// are skipped. When userIDs is non-empty only those users are considered.
// A provider failure for one user is reported in Result.Failed and never
// affects other users.
func (m *Manager) Extract(ctx context.Context, cells []memory.MemCell, old map[string]memory.Profile, userIDs []string) (Result, error) {
	if m.extractor == nil {
		return Result{}, fmt.Errorf("profile extractor not configured: %w", memory.ErrInvalidInput)
	}
	res := Result{
		Profiles: map[string]memory.Profile{},
		Profiled: map[string][]string{},
		Failed:   map[string]error{},
		Stats:    map[string]MergeStats{},
	}

	byUser := map[string][]memory.MemCell{}
	for _, c := range cells {
		if c.UserID == "" {
			continue
		}
		if len(userIDs) > 0 && !slices.Contains(userIDs, c.UserID) {
			continue
		}
		byUser[c.UserID] = append(byUser[c.UserID], c)
	}
	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, userID := range users {
		userCells := byUser[userID]
		if len(userCells) < m.cfg.MinMemCells {
			res.Skipped = append(res.Skipped, userID)
			continue
		}
		sort.SliceStable(userCells, func(i, j int) bool { return userCells[i].Timestamp.Before(userCells[j].Timestamp) })
		prev, hasPrev := old[userID]

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			next, stats, changed, err := m.extractUser(gctx, userID, userCells, prev, hasPrev)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, context.Canceled) && ctx.Err() != nil {
					return err
				}
				res.Failed[userID] = err
				m.logger.Warn("profile extraction failed", zap.String("user_id", userID), zap.Error(err))
				return nil
			}
			res.Stats[userID] = stats
			res.Profiled[userID] = eventIDs(userCells)
			if changed {
				res.Profiles[userID] = next
			} else {
				res.Unchanged = append(res.Unchanged, userID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	sort.Strings(res.Unchanged)
	return res, nil
}

func (m *Manager) extractUser(ctx context.Context, userID string, cells []memory.MemCell, prev memory.Profile, hasPrev bool) (memory.Profile, MergeStats, bool, error) {
	req := ExtractionRequest{UserID: userID, Cells: cells}
	if hasPrev && m.cfg.Versioning {
		current := prev.Clone()
		req.Current = &current
	}
	cands, err := m.extractor.ExtractFacts(ctx, req)
	if err != nil {
		return memory.Profile{}, MergeStats{}, false, fmt.Errorf("extract facts for %s: %w", userID, err)
	}
	if !hasPrev {
		prev = memory.Profile{UserID: userID}
	}
	next, stats, changed := Merge(prev, userID, cands, MergeConfig{
		MinConfidence: m.cfg.MinConfidence,
		Versioning:    m.cfg.Versioning,
		MaxSourceIDs:  m.cfg.MaxSourceIDs,
		RetainSources: m.cfg.RetainSources,
	}, m.now().UTC())
	m.logger.Debug("profile merged",
		zap.String("user_id", userID),
		zap.Int("added", stats.Added),
		zap.Int("replaced", stats.Replaced),
		zap.Int("kept", stats.Kept),
		zap.Int("rejected", stats.Rejected),
		zap.Int("pruned", stats.Pruned),
	)
	return next, stats, changed, nil
}

func eventIDs(cells []memory.MemCell) []string {
	out := make([]string, 0, len(cells))
	for _, c := range cells {
		out = append(out, c.EventID)
	}
	return out
}
