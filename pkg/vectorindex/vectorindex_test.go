package vectorindex

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

type mapAliases struct {
	mu sync.Mutex
	m  map[string]string
}

func (a *mapAliases) GetAlias(_ context.Context, alias string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.m[alias]
	if !ok {
		return "", memory.ErrNotFound
	}
	return v, nil
}

func (a *mapAliases) SetAlias(_ context.Context, alias, physical string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m[alias] = physical
	return nil
}

type fixedEmbedder struct{ calls int }

func (f *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	return []float32{float32(len(text)%7) + 1, 1, 0.5}, nil
}

func TestStoreUpsertQueryDelete(t *testing.T) {
	s, err := NewStore(Options{})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "cells", Document{ID: "a", Content: "alpha", Embedding: []float32{1, 0, 0}, Metadata: map[string]string{"user_id": "u1"}}))
	require.NoError(t, s.Upsert(ctx, "cells", Document{ID: "b", Content: "beta", Embedding: []float32{0, 1, 0}, Metadata: map[string]string{"user_id": "u2"}}))
	require.NoError(t, s.Upsert(ctx, "cells", Document{ID: "a", Content: "alpha v2", Embedding: []float32{1, 0.1, 0}, Metadata: map[string]string{"user_id": "u1"}}))

	n, err := s.Count(ctx, "cells")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hits, err := s.Query(ctx, "cells", []float32{1, 0, 0}, 10, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "alpha v2", hits[0].Content)

	hits, err = s.Query(ctx, "cells", []float32{1, 0, 0}, 1, map[string]string{"user_id": "u2"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)

	require.NoError(t, s.Delete(ctx, "cells", "a"))
	require.NoError(t, s.Delete(ctx, "cells", "a"))
	require.NoError(t, s.Delete(ctx, "missing-collection", "a"))
	n, _ = s.Count(ctx, "cells")
	assert.Equal(t, 1, n)

	err = s.Upsert(ctx, "cells", Document{ID: "c"})
	assert.True(t, errors.Is(err, memory.ErrInvalidInput))
}

func TestStoreAliasesPersistAndClose(t *testing.T) {
	aliases := &mapAliases{m: map[string]string{}}
	s, err := NewStore(Options{PersistDir: t.TempDir(), Aliases: aliases})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.CreateIndex(ctx, "cells-1", nil))
	require.Error(t, s.CreateIndex(ctx, "cells-1", nil))
	require.NoError(t, s.SwapAlias(ctx, "cells", "", "cells-1"))
	require.NoError(t, s.Upsert(ctx, "cells", Document{ID: "a", Embedding: []float32{1, 0}}))

	n, err := s.Count(ctx, "cells-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "cells-1", aliases.m["vector:cells"])

	fresh, err := NewStore(Options{Aliases: aliases})
	require.NoError(t, err)
	physical, err := fresh.ResolveAlias(ctx, "cells")
	require.NoError(t, err)
	assert.Equal(t, "cells-1", physical)

	require.NoError(t, s.CreateIndex(ctx, "cells-2", nil))
	require.NoError(t, s.SwapAlias(ctx, "cells", "cells-1", "cells-2"))
	require.NoError(t, s.CloseIndex(ctx, "cells-1"))
	_, err = s.Count(ctx, "cells-1")
	assert.True(t, errors.Is(err, memory.ErrInvalidInput))
	require.NoError(t, s.DeleteIndex(ctx, "cells-1"))
	require.NoError(t, s.DeleteIndex(ctx, "cells-1"))

	n, err = s.Count(ctx, "cells")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTargetConvertsEntities(t *testing.T) {
	s, err := NewStore(Options{})
	require.NoError(t, err)
	emb := &fixedEmbedder{}
	target := NewTarget(s, emb, map[memory.EntityKind]string{
		memory.KindMemCell: "cells",
		memory.KindProfile: "profiles",
	})
	ctx := context.Background()
	assert.Equal(t, memory.TargetVector, target.Name())

	cell := memory.MemCell{EventID: "e1", UserID: "u1", GroupID: "g1", Timestamp: time.Now(), Summary: "hiking", Embedding: []float32{0.2, 0.4, 0.1}, Version: 1}
	require.NoError(t, target.Upsert(ctx, cell))
	assert.Equal(t, 0, emb.calls, "cells with embeddings are not re-embedded")

	prof := memory.Profile{UserID: "u1", Version: 2, Facts: map[string]memory.ProfileFact{
		"identity.name": {Key: "identity.name", Value: "Ana"},
	}}
	require.NoError(t, target.Upsert(ctx, prof))
	assert.Equal(t, 1, emb.calls)

	hits, err := s.Query(ctx, "profiles", []float32{1, 1, 1}, 5, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "identity.name: Ana", hits[0].Content)
	assert.Equal(t, "2", hits[0].Metadata["version"])

	require.NoError(t, target.Delete(ctx, cell))
	n, _ := s.Count(ctx, "cells")
	assert.Equal(t, 0, n)

	noProfiles := NewTarget(s, emb, map[memory.EntityKind]string{memory.KindMemCell: "cells"})
	err = noProfiles.Upsert(ctx, prof)
	assert.True(t, errors.Is(err, memory.ErrUnsupportedSync))
}
