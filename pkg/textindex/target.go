package textindex

import (
	"context"
	"fmt"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

// DocumentWriter is the subset of Client the sync target needs.
type DocumentWriter interface {
	IndexDocument(ctx context.Context, index, id string, version int64, doc any) error
	DeleteDocument(ctx context.Context, index, id string) error
}

// Target writes entities into per-kind aliases.
type Target struct {
	writer     DocumentWriter
	aliases    map[memory.EntityKind]string
	converters map[memory.EntityKind]Converter
}

// NewTarget registers the built-in memcell and profile converters for every
// kind that has an alias.
func NewTarget(writer DocumentWriter, aliases map[memory.EntityKind]string) *Target {
	t := &Target{
		writer:     writer,
		aliases:    map[memory.EntityKind]string{},
		converters: map[memory.EntityKind]Converter{},
	}
	builtin := map[memory.EntityKind]Converter{
		memory.KindMemCell: MemCellDocument,
		memory.KindProfile: ProfileDocument,
	}
	for kind, alias := range aliases {
		t.aliases[kind] = alias
		if conv, ok := builtin[kind]; ok {
			t.converters[kind] = conv
		}
	}
	return t
}

// Register adds or replaces the converter for kind.
func (t *Target) Register(kind memory.EntityKind, alias string, conv Converter) {
	t.aliases[kind] = alias
	t.converters[kind] = conv
}

func (t *Target) Name() memory.SyncTarget { return memory.TargetText }

func (t *Target) Supports(kind memory.EntityKind) bool {
	_, ok := t.converters[kind]
	return ok
}

// Alias returns the alias entities of kind are written through.
func (t *Target) Alias(kind memory.EntityKind) string { return t.aliases[kind] }

func (t *Target) Upsert(ctx context.Context, e memory.Entity) error {
	alias, ok := t.aliases[e.EntityKind()]
	if !ok {
		return t.unsupported(e)
	}
	return t.UpsertInto(ctx, alias, e)
}

// UpsertInto writes e into a specific physical index, bypassing the alias.
func (t *Target) UpsertInto(ctx context.Context, index string, e memory.Entity) error {
	conv, ok := t.converters[e.EntityKind()]
	if !ok {
		return t.unsupported(e)
	}
	doc, err := conv(e)
	if err != nil {
		return err
	}
	return t.writer.IndexDocument(ctx, index, doc.ID, doc.Version, doc)
}

func (t *Target) Delete(ctx context.Context, e memory.Entity) error {
	alias, ok := t.aliases[e.EntityKind()]
	if !ok {
		return t.unsupported(e)
	}
	return t.DeleteFrom(ctx, alias, e)
}

// DeleteFrom removes e from a specific physical index. Deletes carry no
// version and always apply.
func (t *Target) DeleteFrom(ctx context.Context, index string, e memory.Entity) error {
	if !t.Supports(e.EntityKind()) {
		return t.unsupported(e)
	}
	return t.writer.DeleteDocument(ctx, index, e.EntityID())
}

func (t *Target) unsupported(e memory.Entity) error {
	return fmt.Errorf("text index has no mapping for %s: %w", e.EntityKind(), memory.ErrUnsupportedSync)
}
