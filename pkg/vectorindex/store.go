// Package vectorindex keeps a similarity-searchable projection of memory
// entities in an embedded chromem-go database.
package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

const aliasKeyPrefix = "vector:"

// Options configure the vector store.
type Options struct {
	// PersistDir stores collections on disk. Empty keeps everything in memory.
	PersistDir string
	Compress   bool
	// Aliases persists alias assignments across restarts. Optional.
	Aliases memory.AliasStore
	Logger  *zap.Logger
}

// Store is a set of chromem collections addressed by physical name or alias.
type Store struct {
	db         *chromem.DB
	aliasStore memory.AliasStore
	logger     *zap.Logger

	mu      sync.RWMutex
	aliases map[string]string
	closed  map[string]bool
}

func NewStore(opts Options) (*Store, error) {
	var (
		db  *chromem.DB
		err error
	)
	if opts.PersistDir != "" {
		db, err = chromem.NewPersistentDB(opts.PersistDir, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("open vector db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		db:         db,
		aliasStore: opts.Aliases,
		logger:     log.Named("vectorindex"),
		aliases:    map[string]string{},
		closed:     map[string]bool{},
	}, nil
}

// Document is one vector entry.
type Document struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
}

// Hit is one similarity search result.
type Hit struct {
	ID         string
	Content    string
	Metadata   map[string]string
	Similarity float32
}

// Upsert writes doc into the collection behind name (alias or physical).
func (s *Store) Upsert(ctx context.Context, name string, doc Document) error {
	if len(doc.Embedding) == 0 {
		return fmt.Errorf("vector document %s has no embedding: %w", doc.ID, memory.ErrInvalidInput)
	}
	col, err := s.collection(ctx, name, true)
	if err != nil {
		return err
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: doc.Embedding,
		Metadata:  doc.Metadata,
	})
	if err != nil {
		return fmt.Errorf("add vector %s: %w", doc.ID, err)
	}
	return nil
}

// Delete removes id from the collection behind name. Missing ids and
// missing collections are not errors.
func (s *Store) Delete(ctx context.Context, name, id string) error {
	col, err := s.collection(ctx, name, false)
	if err != nil || col == nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete vector %s: %w", id, err)
	}
	return nil
}

// Count returns the number of documents behind name.
func (s *Store) Count(ctx context.Context, name string) (int, error) {
	col, err := s.collection(ctx, name, false)
	if err != nil || col == nil {
		return 0, err
	}
	return col.Count(), nil
}

// Query returns up to n nearest documents, optionally filtered by metadata.
func (s *Store) Query(ctx context.Context, name string, embedding []float32, n int, where map[string]string) ([]Hit, error) {
	col, err := s.collection(ctx, name, false)
	if err != nil || col == nil {
		return nil, err
	}
	if total := col.Count(); n > total {
		n = total
	}
	if n <= 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, embedding, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", name, err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{ID: r.ID, Content: r.Content, Metadata: r.Metadata, Similarity: r.Similarity})
	}
	return hits, nil
}

// ResolveAlias returns the collection behind alias, or "" when unset.
func (s *Store) ResolveAlias(ctx context.Context, alias string) (string, error) {
	s.mu.RLock()
	physical, ok := s.aliases[alias]
	s.mu.RUnlock()
	if ok {
		return physical, nil
	}
	if s.aliasStore == nil {
		return "", nil
	}
	physical, err := s.aliasStore.GetAlias(ctx, aliasKeyPrefix+alias)
	if errors.Is(err, memory.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.aliases[alias] = physical
	s.mu.Unlock()
	return physical, nil
}

// CreateIndex creates an empty collection. The schema is stored as
// collection metadata.
func (s *Store) CreateIndex(_ context.Context, name string, schema json.RawMessage) error {
	if s.db.GetCollection(name, noEmbedding) != nil {
		return fmt.Errorf("vector collection %s already exists: %w", name, memory.ErrInvalidInput)
	}
	meta := map[string]string{}
	if len(schema) > 0 {
		meta["schema"] = string(schema)
	}
	if _, err := s.db.CreateCollection(name, meta, noEmbedding); err != nil {
		return fmt.Errorf("create vector collection %s: %w", name, err)
	}
	s.mu.Lock()
	delete(s.closed, name)
	s.mu.Unlock()
	return nil
}

// SwapAlias points alias at newIndex. oldIndex is informational; the alias
// map is replaced in one step.
func (s *Store) SwapAlias(ctx context.Context, alias, oldIndex, newIndex string) error {
	if s.aliasStore != nil {
		if err := s.aliasStore.SetAlias(ctx, aliasKeyPrefix+alias, newIndex); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.aliases[alias] = newIndex
	s.mu.Unlock()
	s.logger.Debug("alias swapped", zap.String("alias", alias), zap.String("from", oldIndex), zap.String("to", newIndex))
	return nil
}

// CloseIndex makes a collection reject reads and writes while keeping its data.
func (s *Store) CloseIndex(_ context.Context, name string) error {
	s.mu.Lock()
	s.closed[name] = true
	s.mu.Unlock()
	return nil
}

func (s *Store) DeleteIndex(_ context.Context, name string) error {
	if s.db.GetCollection(name, noEmbedding) != nil {
		if err := s.db.DeleteCollection(name); err != nil {
			return fmt.Errorf("delete vector collection %s: %w", name, err)
		}
	}
	s.mu.Lock()
	delete(s.closed, name)
	s.mu.Unlock()
	return nil
}

func (s *Store) collection(ctx context.Context, name string, create bool) (*chromem.Collection, error) {
	physical, err := s.ResolveAlias(ctx, name)
	if err != nil {
		return nil, err
	}
	if physical == "" {
		physical = name
	}
	s.mu.RLock()
	closed := s.closed[physical]
	s.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("vector collection %s is closed: %w", physical, memory.ErrInvalidInput)
	}
	if !create {
		return s.db.GetCollection(physical, noEmbedding), nil
	}
	col, err := s.db.GetOrCreateCollection(physical, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("open vector collection %s: %w", physical, err)
	}
	return col, nil
}

// Embeddings are always computed before documents reach the store.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("vector store requires precomputed embeddings: %w", memory.ErrInvalidInput)
}
