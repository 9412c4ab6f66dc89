// Package lifecycle rebuilds search indexes under a new physical name and
// swaps their alias atomically.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

// AliasAdmin manages physical indexes and the aliases that point at them.
type AliasAdmin interface {
	// ResolveAlias returns the physical index behind alias, or "" if unset.
	ResolveAlias(ctx context.Context, alias string) (string, error)
	CreateIndex(ctx context.Context, name string, schema json.RawMessage) error
	// SwapAlias must repoint alias from oldIndex to newIndex in one step.
	SwapAlias(ctx context.Context, alias, oldIndex, newIndex string) error
	CloseIndex(ctx context.Context, name string) error
	DeleteIndex(ctx context.Context, name string) error
}

// Writer writes to and removes from a specific physical index.
type Writer interface {
	UpsertInto(ctx context.Context, index string, e memory.Entity) error
	DeleteFrom(ctx context.Context, index string, e memory.Entity) error
}

// IndexSpec binds an alias to the entity kind it holds, its schema and the
// adapters that manage it.
type IndexSpec struct {
	Alias  string
	Kind   memory.EntityKind
	Target memory.SyncTarget
	Schema json.RawMessage
	Admin  AliasAdmin
	Writer Writer
}

// Registry is the static alias -> spec table, built once at startup.
type Registry struct {
	specs map[string]IndexSpec
}

func NewRegistry(specs ...IndexSpec) (*Registry, error) {
	r := &Registry{specs: map[string]IndexSpec{}}
	for _, spec := range specs {
		if spec.Alias == "" {
			return nil, fmt.Errorf("index spec without alias: %w", memory.ErrInvalidInput)
		}
		if spec.Admin == nil || spec.Writer == nil {
			return nil, fmt.Errorf("index spec %s needs an admin and a writer: %w", spec.Alias, memory.ErrInvalidInput)
		}
		if _, dup := r.specs[spec.Alias]; dup {
			return nil, fmt.Errorf("alias %s registered twice: %w", spec.Alias, memory.ErrInvalidInput)
		}
		r.specs[spec.Alias] = spec
	}
	return r, nil
}

func (r *Registry) Lookup(alias string) (IndexSpec, bool) {
	spec, ok := r.specs[alias]
	return spec, ok
}

// Aliases lists registered aliases in sorted order.
func (r *Registry) Aliases() []string {
	out := make([]string, 0, len(r.specs))
	for alias := range r.specs {
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}
