package lifecycle

import (
	"context"
	"fmt"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

// Source pages entities of one kind from the store of record. The returned
// cursor is "" once the last page has been read.
type Source interface {
	Page(ctx context.Context, kind memory.EntityKind, after string, limit int) ([]memory.Entity, string, error)
}

// StoreSource pages memory cells by event id and latest profiles by user id.
type StoreSource struct {
	Store memory.Store
}

func (s StoreSource) Page(ctx context.Context, kind memory.EntityKind, after string, limit int) ([]memory.Entity, string, error) {
	switch kind {
	case memory.KindMemCell:
		cells, err := s.Store.ListMemCells(ctx, memory.MemCellQuery{AfterEventID: after, Limit: limit})
		if err != nil {
			return nil, "", err
		}
		out := make([]memory.Entity, 0, len(cells))
		for _, c := range cells {
			out = append(out, c)
		}
		return out, nextCursor(len(cells), limit, func() string { return cells[len(cells)-1].EventID }), nil
	case memory.KindProfile:
		profiles, err := s.Store.ListProfiles(ctx, after, limit)
		if err != nil {
			return nil, "", err
		}
		out := make([]memory.Entity, 0, len(profiles))
		for _, p := range profiles {
			out = append(out, p)
		}
		return out, nextCursor(len(profiles), limit, func() string { return profiles[len(profiles)-1].UserID }), nil
	default:
		return nil, "", fmt.Errorf("no source for %s: %w", kind, memory.ErrUnsupportedSync)
	}
}

func nextCursor(n, limit int, last func() string) string {
	if n == 0 || n < limit {
		return ""
	}
	return last()
}
