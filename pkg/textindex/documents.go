package textindex

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

// Document is the indexed form of a memory entity.
type Document struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	UserID    string            `json:"user_id"`
	GroupID   string            `json:"group_id,omitempty"`
	Title     string            `json:"title,omitempty"`
	Content   string            `json:"content"`
	Keywords  []string          `json:"keywords,omitempty"`
	Facts     map[string]string `json:"facts,omitempty"`
	Source    string            `json:"source_type,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Version   int64             `json:"version"`
}

// Converter turns an entity into its document form.
type Converter func(e memory.Entity) (Document, error)

// MemCellDocument indexes title, summary and episode text of a memory cell.
func MemCellDocument(e memory.Entity) (Document, error) {
	cell, ok := asMemCell(e)
	if !ok {
		return Document{}, fmt.Errorf("memcell converter got %T: %w", e, memory.ErrInvalidInput)
	}
	return Document{
		ID:        cell.EventID,
		Kind:      string(memory.KindMemCell),
		UserID:    cell.UserID,
		GroupID:   cell.GroupID,
		Title:     cell.Title,
		Content:   cell.Text(),
		Keywords:  cell.Keywords,
		Source:    string(cell.SourceType),
		Timestamp: cell.Timestamp.UTC(),
		Version:   cell.Version,
	}, nil
}

// ProfileDocument indexes a profile as "key: value" lines plus the raw facts.
func ProfileDocument(e memory.Entity) (Document, error) {
	p, ok := asProfile(e)
	if !ok {
		return Document{}, fmt.Errorf("profile converter got %T: %w", e, memory.ErrInvalidInput)
	}
	facts := make(map[string]string, len(p.Facts))
	lines := make([]string, 0, len(p.Facts))
	for _, key := range p.SortedKeys() {
		fact := p.Facts[key]
		facts[key] = fact.Value
		lines = append(lines, key+": "+fact.Value)
	}
	return Document{
		ID:        p.UserID,
		Kind:      string(memory.KindProfile),
		UserID:    p.UserID,
		Content:   strings.Join(lines, "\n"),
		Facts:     facts,
		Timestamp: p.UpdatedAt.UTC(),
		Version:   p.Version,
	}, nil
}

func asMemCell(e memory.Entity) (memory.MemCell, bool) {
	switch v := e.(type) {
	case memory.MemCell:
		return v, true
	case *memory.MemCell:
		if v != nil {
			return *v, true
		}
	}
	return memory.MemCell{}, false
}

func asProfile(e memory.Entity) (memory.Profile, bool) {
	switch v := e.(type) {
	case memory.Profile:
		return v, true
	case *memory.Profile:
		if v != nil {
			return *v, true
		}
	}
	return memory.Profile{}, false
}

// MemCellSchema is the index body for memory cell indices.
var MemCellSchema = json.RawMessage(`{
  "settings": {"number_of_shards": 1, "number_of_replicas": 0},
  "mappings": {
    "dynamic": "strict",
    "properties": {
      "id":          {"type": "keyword"},
      "kind":        {"type": "keyword"},
      "user_id":     {"type": "keyword"},
      "group_id":    {"type": "keyword"},
      "title":       {"type": "text"},
      "content":     {"type": "text"},
      "keywords":    {"type": "text", "fields": {"raw": {"type": "keyword"}}},
      "source_type": {"type": "keyword"},
      "timestamp":   {"type": "date"},
      "version":     {"type": "long"}
    }
  }
}`)

// ProfileSchema is the index body for profile indices.
var ProfileSchema = json.RawMessage(`{
  "settings": {"number_of_shards": 1, "number_of_replicas": 0},
  "mappings": {
    "properties": {
      "id":        {"type": "keyword"},
      "kind":      {"type": "keyword"},
      "user_id":   {"type": "keyword"},
      "content":   {"type": "text"},
      "facts":     {"type": "flattened"},
      "timestamp": {"type": "date"},
      "version":   {"type": "long"}
    }
  }
}`)
