package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/memsync/pkg/consolidate"
	"github.com/dotsetgreg/memsync/pkg/memory"
)

// cellRecord is the file form of a memory cell.
type cellRecord struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	GroupID    string    `json:"group_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	SourceType string    `json:"source_type,omitempty"`
	Title      string    `json:"title,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Episode    string    `json:"episode,omitempty"`
	Keywords   []string  `json:"keywords,omitempty"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

type batchRecord struct {
	GroupID  string       `json:"group_id"`
	MemCells []cellRecord `json:"memcells"`
}

func (r cellRecord) memCell(groupID string) memory.MemCell {
	source := memory.SourceType(r.SourceType)
	if source == "" {
		source = memory.SourceConversation
	}
	if r.GroupID != "" {
		groupID = r.GroupID
	}
	return memory.MemCell{
		EventID:    r.EventID,
		UserID:     r.UserID,
		GroupID:    groupID,
		Timestamp:  r.Timestamp,
		SourceType: source,
		Title:      r.Title,
		Summary:    r.Summary,
		Episode:    r.Episode,
		Keywords:   r.Keywords,
		Embedding:  r.Embedding,
	}
}

// readBatches loads one batch object or an array of batches from path ("-"
// reads stdin) and groups the cells by group id. fallbackGroup applies to
// batches without a group.
func readBatches(path, fallbackGroup string) (map[string][]memory.MemCell, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return parseBatches(data, fallbackGroup)
}

func parseBatches(data []byte, fallbackGroup string) (map[string][]memory.MemCell, error) {
	var records []batchRecord
	trimmed := bytes.TrimSpace(data)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("parse input batches: %w", err)
		}
	} else {
		var one batchRecord
		if err := json.Unmarshal(trimmed, &one); err != nil {
			return nil, fmt.Errorf("parse input batch: %w", err)
		}
		records = []batchRecord{one}
	}

	out := map[string][]memory.MemCell{}
	for i, rec := range records {
		group := strings.TrimSpace(rec.GroupID)
		if group == "" {
			group = fallbackGroup
		}
		if group == "" {
			return nil, fmt.Errorf("batch %d has no group_id (set one or pass --group)", i)
		}
		for _, c := range rec.MemCells {
			out[group] = append(out[group], c.memCell(group))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("input contains no memory cells")
	}
	return out, nil
}

type groupSummary struct {
	Status       string            `json:"status"`
	Assigned     int               `json:"assigned"`
	NewClusters  int               `json:"new_clusters"`
	Rejected     map[string]string `json:"rejected,omitempty"`
	Profiles     []string          `json:"profiles,omitempty"`
	SkippedUsers []string          `json:"skipped_users,omitempty"`
	StateVersion int64             `json:"state_version"`
	PendingJobs  int               `json:"pending_jobs"`
	Error        string            `json:"error,omitempty"`
}

func summarizeBatch(out consolidate.BatchResult) map[string]groupSummary {
	summary := map[string]groupSummary{}
	for g, res := range out.Results {
		s := groupSummary{
			Status:       "ok",
			Assigned:     len(res.Assignments),
			NewClusters:  len(res.NewClusters),
			SkippedUsers: res.SkippedUsers,
			StateVersion: res.StateVersion,
			PendingJobs:  res.PendingJobs,
		}
		if res.Stale {
			s.Status = "stale"
		}
		if len(res.Rejected) > 0 {
			s.Rejected = make(map[string]string, len(res.Rejected))
			for id, err := range res.Rejected {
				s.Rejected[id] = err.Error()
			}
		}
		for _, p := range res.Profiles {
			s.Profiles = append(s.Profiles, p.UserID)
		}
		sort.Strings(s.Profiles)
		summary[g] = s
	}
	for g, err := range out.Failed {
		s := summary[g]
		s.Status = "failed"
		s.Error = err.Error()
		summary[g] = s
	}
	return summary
}

type syncSummary struct {
	Kind     string `json:"kind"`
	EntityID string `json:"entity_id"`
	Target   string `json:"target"`
	Version  int64  `json:"version"`
	Outcome  string `json:"outcome"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

func summarizeSync(records []memory.SyncRecord) []syncSummary {
	out := make([]syncSummary, 0, len(records))
	for _, rec := range records {
		s := syncSummary{
			Kind:     string(rec.Kind),
			EntityID: rec.EntityID,
			Target:   string(rec.Target),
			Version:  rec.Version,
			Outcome:  string(rec.Outcome),
			Attempts: rec.Attempts,
		}
		if rec.Err != nil {
			s.Error = rec.Err.Error()
		}
		out = append(out, s)
	}
	return out
}

// readCheckpoint returns the entity keys a previous resync completed. A
// missing file is an empty checkpoint.
func readCheckpoint(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	done := make(map[string]bool, len(keys))
	for _, k := range keys {
		done[k] = true
	}
	return done, nil
}

func writeCheckpoint(path string, previous map[string]bool, completed []string) error {
	merged := make([]string, 0, len(previous)+len(completed))
	seen := make(map[string]bool, len(previous)+len(completed))
	for k := range previous {
		seen[k] = true
		merged = append(merged, k)
	}
	for _, k := range completed {
		if !seen[k] {
			seen[k] = true
			merged = append(merged, k)
		}
	}
	sort.Strings(merged)
	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
