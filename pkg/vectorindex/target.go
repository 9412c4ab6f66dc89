package vectorindex

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

// Embedder computes vectors for entities that carry none.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Converter turns an entity into a vector document.
type Converter func(ctx context.Context, e memory.Entity) (Document, error)

// Target writes entities into per-kind aliases of a Store.
type Target struct {
	store      *Store
	aliases    map[memory.EntityKind]string
	converters map[memory.EntityKind]Converter
}

// NewTarget registers converters for memory cells and profiles. Profiles are
// embedded from their rendered facts with embedder.
func NewTarget(store *Store, embedder Embedder, aliases map[memory.EntityKind]string) *Target {
	t := &Target{
		store:      store,
		aliases:    map[memory.EntityKind]string{},
		converters: map[memory.EntityKind]Converter{},
	}
	builtin := map[memory.EntityKind]Converter{
		memory.KindMemCell: MemCellConverter(embedder),
		memory.KindProfile: ProfileConverter(embedder),
	}
	for kind, alias := range aliases {
		t.aliases[kind] = alias
		if conv, ok := builtin[kind]; ok {
			t.converters[kind] = conv
		}
	}
	return t
}

func (t *Target) Name() memory.SyncTarget { return memory.TargetVector }

func (t *Target) Supports(kind memory.EntityKind) bool {
	_, ok := t.converters[kind]
	return ok
}

func (t *Target) Alias(kind memory.EntityKind) string { return t.aliases[kind] }

func (t *Target) Upsert(ctx context.Context, e memory.Entity) error {
	alias, ok := t.aliases[e.EntityKind()]
	if !ok {
		return t.unsupported(e)
	}
	return t.UpsertInto(ctx, alias, e)
}

func (t *Target) UpsertInto(ctx context.Context, index string, e memory.Entity) error {
	conv, ok := t.converters[e.EntityKind()]
	if !ok {
		return t.unsupported(e)
	}
	doc, err := conv(ctx, e)
	if err != nil {
		return err
	}
	return t.store.Upsert(ctx, index, doc)
}

func (t *Target) Delete(ctx context.Context, e memory.Entity) error {
	alias, ok := t.aliases[e.EntityKind()]
	if !ok {
		return t.unsupported(e)
	}
	return t.DeleteFrom(ctx, alias, e)
}

// DeleteFrom removes e from a specific physical index, bypassing the alias.
func (t *Target) DeleteFrom(ctx context.Context, index string, e memory.Entity) error {
	if !t.Supports(e.EntityKind()) {
		return t.unsupported(e)
	}
	return t.store.Delete(ctx, index, e.EntityID())
}

func (t *Target) unsupported(e memory.Entity) error {
	return fmt.Errorf("vector index has no mapping for %s: %w", e.EntityKind(), memory.ErrUnsupportedSync)
}

// MemCellConverter uses the cell's stored embedding and falls back to
// embedding its text.
func MemCellConverter(embedder Embedder) Converter {
	return func(ctx context.Context, e memory.Entity) (Document, error) {
		var cell memory.MemCell
		switch v := e.(type) {
		case memory.MemCell:
			cell = v
		case *memory.MemCell:
			cell = *v
		default:
			return Document{}, fmt.Errorf("memcell converter got %T: %w", e, memory.ErrInvalidInput)
		}
		vec := cell.Embedding
		if len(vec) == 0 {
			if embedder == nil {
				return Document{}, fmt.Errorf("memcell %s has no embedding: %w", cell.EventID, memory.ErrInvalidInput)
			}
			var err error
			if vec, err = embedder.Embed(ctx, cell.Text()); err != nil {
				return Document{}, err
			}
		}
		return Document{
			ID:        cell.EventID,
			Content:   cell.Text(),
			Embedding: vec,
			Metadata: map[string]string{
				"kind":      string(memory.KindMemCell),
				"user_id":   cell.UserID,
				"group_id":  cell.GroupID,
				"timestamp": cell.Timestamp.UTC().Format(time.RFC3339),
				"version":   strconv.FormatInt(cell.Version, 10),
			},
		}, nil
	}
}

// ProfileConverter embeds the "key: value" rendering of a profile.
func ProfileConverter(embedder Embedder) Converter {
	return func(ctx context.Context, e memory.Entity) (Document, error) {
		var p memory.Profile
		switch v := e.(type) {
		case memory.Profile:
			p = v
		case *memory.Profile:
			p = *v
		default:
			return Document{}, fmt.Errorf("profile converter got %T: %w", e, memory.ErrInvalidInput)
		}
		if embedder == nil {
			return Document{}, fmt.Errorf("profile vectors need an embedder: %w", memory.ErrUnsupportedSync)
		}
		lines := make([]string, 0, len(p.Facts))
		for _, key := range p.SortedKeys() {
			lines = append(lines, key+": "+p.Facts[key].Value)
		}
		content := strings.Join(lines, "\n")
		if content == "" {
			content = p.UserID
		}
		vec, err := embedder.Embed(ctx, content)
		if err != nil {
			return Document{}, err
		}
		return Document{
			ID:        p.UserID,
			Content:   content,
			Embedding: vec,
			Metadata: map[string]string{
				"kind":    string(memory.KindProfile),
				"user_id": p.UserID,
				"version": strconv.FormatInt(p.Version, 10),
			},
		}, nil
	}
}
