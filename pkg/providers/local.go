package providers

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/dotsetgreg/memsync/pkg/memory"
	"github.com/dotsetgreg/memsync/pkg/profile"
)

const (
	ChargramModel = "memsync-chargram-384-v1"
	HashModel     = "memsync-hash-256-v1"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

type hashEmbedder struct {
	dims int
}

func (e *hashEmbedder) ModelID() string { return HashModel }

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[idx] += sign * float32(1+len(token)/8)
	}
	memory.NormalizeVector(vec)
	return vec, nil
}

type chargramEmbedder struct {
	dims int
}

func (e *chargramEmbedder) ModelID() string { return ChargramModel }

func (e *chargramEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec, nil
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		h := fnv.New64a()
		_, _ = h.Write([]byte(window[i : i+3]))
		vec[int(h.Sum64()%uint64(e.dims))] += 1
	}
	for _, token := range tokenize(normalized) {
		h := fnv.New64a()
		_, _ = h.Write([]byte("tok:" + token))
		vec[int(h.Sum64()%uint64(e.dims))] += 1.25
	}
	memory.NormalizeVector(vec)
	return vec, nil
}

// NewLocalEmbedder returns a deterministic in-process embedder. name selects
// the hash or char-gram model; anything else means char-gram.
func NewLocalEmbedder(name string) Embedder {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case HashModel, "hash", "hash-256":
		return &hashEmbedder{dims: 256}
	default:
		return &chargramEmbedder{dims: 384}
	}
}

func tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

// LocalProvider runs fully offline: local embeddings plus pattern-based
// fact extraction.
type LocalProvider struct {
	Embedder
	profile.HeuristicExtractor
}

func NewLocalProvider(model string) *LocalProvider {
	return &LocalProvider{Embedder: NewLocalEmbedder(model)}
}

func (p *LocalProvider) Name() string { return ProviderLocal }
