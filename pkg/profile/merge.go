package profile

import (
	"slices"
	"strings"
	"time"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

// MergeConfig controls how candidates are folded into a stored profile.
type MergeConfig struct {
	MinConfidence float64
	Versioning    bool
	// MaxSourceIDs caps the profile's source id list, keeping the most
	// recent ids. Ignored when RetainSources is set.
	MaxSourceIDs  int
	RetainSources func(ids []string) []string
}

// MergeStats counts merge decisions.
type MergeStats struct {
	Added    int
	Replaced int
	Kept     int
	Rejected int
	Pruned   int
}

// Merge folds gated candidates into old and returns the new profile. The
// input profile is not modified. changed is false when nothing differs from
// old, in which case the version is left as is.
//
// For each candidate key: a new key is added; a candidate at least as
// confident as the stored fact replaces it; with versioning enabled, a newer
// candidate marked Supersedes replaces it regardless of confidence. Anything
// else keeps the stored fact. Stored facts below the confidence floor are
// dropped.
func Merge(old memory.Profile, userID string, cands []Candidate, cfg MergeConfig, now time.Time) (next memory.Profile, stats MergeStats, changed bool) {
	next = old.Clone()
	next.UserID = userID
	gate := Gate{MinConfidence: cfg.MinConfidence}

	for key, fact := range next.Facts {
		if fact.Confidence < cfg.MinConfidence {
			delete(next.Facts, key)
			stats.Pruned++
			changed = true
		}
	}

	var newSources []string
	for _, cand := range cands {
		if ok, _ := gate.Evaluate(cand); !ok {
			stats.Rejected++
			continue
		}
		key := NormalizeKey(cand.Key)
		value := strings.TrimSpace(cand.Value)
		conf := clampConfidence(cand.Confidence)
		observed := cand.ObservedAt
		if observed.IsZero() {
			observed = now
		}
		sources := dedupe(cand.SourceIDs)
		newSources = append(newSources, sources...)

		existing, has := next.Facts[key]
		switch {
		case !has:
			next.Facts[key] = memory.ProfileFact{
				Key:        key,
				Value:      value,
				Confidence: conf,
				Version:    1,
				SourceIDs:  sources,
				UpdatedAt:  observed,
			}
			stats.Added++
			changed = true
			continue
		case conf >= existing.Confidence:
		case cfg.Versioning && cand.Supersedes && observed.After(existing.UpdatedAt):
		default:
			stats.Kept++
			continue
		}

		fact := existing
		if value != existing.Value {
			fact.Value = value
			fact.Version = existing.Version + 1
			fact.SourceIDs = sources
		} else {
			fact.SourceIDs = dedupe(append(slices.Clone(existing.SourceIDs), sources...))
		}
		fact.Confidence = conf
		if !factEqual(fact, existing) {
			fact.UpdatedAt = maxTime(existing.UpdatedAt, observed)
			next.Facts[key] = fact
			stats.Replaced++
			changed = true
		} else {
			stats.Kept++
		}
	}

	merged := retain(dedupe(append(slices.Clone(old.SourceIDs), newSources...)), cfg)
	if !slices.Equal(merged, old.SourceIDs) {
		next.SourceIDs = merged
		changed = true
	}

	if !changed {
		return next, stats, false
	}
	switch {
	case old.Version <= 0:
		next.Version = 1
	case cfg.Versioning:
		next.Version = old.Version + 1
	}
	next.UpdatedAt = now
	return next, stats, true
}

func factEqual(a, b memory.ProfileFact) bool {
	return a.Value == b.Value &&
		a.Confidence == b.Confidence &&
		a.Version == b.Version &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		slices.Equal(a.SourceIDs, b.SourceIDs)
}

func retain(ids []string, cfg MergeConfig) []string {
	if cfg.RetainSources != nil {
		return cfg.RetainSources(ids)
	}
	if cfg.MaxSourceIDs > 0 && len(ids) > cfg.MaxSourceIDs {
		return slices.Clone(ids[len(ids)-cfg.MaxSourceIDs:])
	}
	return ids
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
