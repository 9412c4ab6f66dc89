package memsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dotsetgreg/memsync/pkg/memory"
	"github.com/dotsetgreg/memsync/pkg/textindex"
	"github.com/dotsetgreg/memsync/pkg/vectorindex"
)

// QueryOptions tune recall. Zero values pick the defaults.
type QueryOptions struct {
	UserID          string
	Limit           int
	CandidateLimit  int
	MinScore        float64
	Now             time.Time
	RecencyHalfLife time.Duration
}

// Match is one recalled memory cell with its score components.
type Match struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Score     float64   `json:"score"`
	Lexical   float64   `json:"lexical"`
	Vector    float64   `json:"vector"`
	Recency   float64   `json:"recency"`
	Timestamp time.Time `json:"timestamp"`
}

type candidate struct {
	Match
	base float64
}

// Query recalls memory cells for text from the search indexes. Lexical hits
// come from the text index, semantic hits from the vector index; either side
// may be missing or unreachable, and Query fails only when no configured side
// answers. Results are ranked by a weighted blend of both plus recency, then
// reranked by term overlap with the query.
func (s *Service) Query(ctx context.Context, text string, opts QueryOptions) ([]Match, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	if opts.Limit <= 0 {
		opts.Limit = 8
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = 40
	}
	if opts.MinScore <= 0 {
		opts.MinScore = 0.32
	}
	if opts.Now.IsZero() {
		opts.Now = s.now()
	}
	if opts.RecencyHalfLife <= 0 {
		opts.RecencyHalfLife = 14 * 24 * time.Hour
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		s.logger.Warn("search indexes not ready, recalling from the reachable side", zap.Error(err))
	}

	byID := map[string]*candidate{}
	get := func(id string) *candidate {
		c, ok := byID[id]
		if !ok {
			c = &candidate{Match: Match{ID: id, Kind: string(memory.KindMemCell)}}
			byID[id] = c
		}
		return c
	}

	lexical, lexErr := s.lexicalHits(ctx, text, opts)
	if lexErr != nil {
		s.logger.Warn("lexical recall failed, using vector hits only", zap.Error(lexErr))
	}
	for rank, h := range lexical {
		c := get(h.ID)
		c.Lexical = 1.0 - float64(rank)/float64(len(lexical)+1)
		var doc textindex.Document
		if err := json.Unmarshal(h.Source, &doc); err == nil {
			c.Content = doc.Content
			c.Timestamp = doc.Timestamp
		}
	}

	var vecErr error
	if s.vectors != nil {
		var hits []vectorindex.Hit
		hits, vecErr = s.vectorHits(ctx, text, opts)
		if vecErr != nil {
			s.logger.Warn("vector recall failed, using lexical hits only", zap.Error(vecErr))
		}
		for _, h := range hits {
			c := get(h.ID)
			c.Vector = (float64(h.Similarity) + 1) / 2
			if c.Content == "" {
				c.Content = h.Content
			}
			if c.Timestamp.IsZero() {
				c.Timestamp, _ = time.Parse(time.RFC3339, h.Metadata["timestamp"])
			}
		}
	}

	if (s.text == nil || lexErr != nil) && (s.vectors == nil || vecErr != nil) && (lexErr != nil || vecErr != nil) {
		return nil, fmt.Errorf("recall: no search index reachable: %w", errors.Join(lexErr, vecErr))
	}

	scored := make([]*candidate, 0, len(byID))
	for _, c := range byID {
		c.Recency = recencyWeight(opts.Now, c.Timestamp, opts.RecencyHalfLife)
		c.base = 0.45*c.Lexical + 0.45*c.Vector + 0.10*c.Recency
		if c.base < opts.MinScore {
			continue
		}
		c.Score = rerank(text, c)
		scored = append(scored, c)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		if scored[i].base != scored[j].base {
			return scored[i].base > scored[j].base
		}
		if !scored[i].Timestamp.Equal(scored[j].Timestamp) {
			return scored[i].Timestamp.After(scored[j].Timestamp)
		}
		return scored[i].ID < scored[j].ID
	})

	out := make([]Match, 0, min(opts.Limit, len(scored)))
	for _, c := range scored {
		out = append(out, c.Match)
		if len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *Service) lexicalHits(ctx context.Context, text string, opts QueryOptions) ([]textindex.Hit, error) {
	if s.text == nil {
		return nil, nil
	}
	return s.text.Search(ctx, MemCellTextAlias(s.cfg.Elasticsearch.IndexPrefix), text, opts.UserID, opts.CandidateLimit)
}

func (s *Service) vectorHits(ctx context.Context, text string, opts QueryOptions) ([]vectorindex.Hit, error) {
	emb, err := s.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	var where map[string]string
	if opts.UserID != "" {
		where = map[string]string{"user_id": opts.UserID}
	}
	return s.vectors.Query(ctx, MemCellVectorAlias(s.cfg.Elasticsearch.IndexPrefix), emb, opts.CandidateLimit, where)
}

func rerank(query string, c *candidate) float64 {
	score := c.base + 0.20*tokenJaccard(query, c.Content)
	if strings.Contains(strings.ToLower(c.Content), strings.ToLower(query)) {
		score += 0.08
	}
	return score
}

func recencyWeight(now, seen time.Time, halfLife time.Duration) float64 {
	if seen.IsZero() {
		return 0
	}
	delta := now.Sub(seen)
	if delta < 0 {
		delta = 0
	}
	return math.Exp(-math.Ln2 * float64(delta) / float64(halfLife))
}

func tokenJaccard(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if _, ok := tb[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(ta)+len(tb)-inter)
}

func tokenSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	}) {
		if len(tok) >= 2 {
			out[tok] = struct{}{}
		}
	}
	return out
}
