package textindex

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

// fakeES implements the handful of endpoints the client uses.
type fakeES struct {
	mu      sync.Mutex
	indices map[string]map[string]json.RawMessage
	closed  map[string]bool
	aliases  map[string]string
	versions map[string]int64
	queries  []url.Values
	fail     int
}

func newFakeES(t *testing.T) (*fakeES, *Client) {
	t.Helper()
	f := &fakeES{
		indices: map[string]map[string]json.RawMessage{},
		closed:  map[string]bool{},
		aliases:  map[string]string{},
		versions: map[string]int64{},
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return f, c
}

func (f *fakeES) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	if f.fail != 0 {
		w.WriteHeader(f.fail)
		_, _ = io.WriteString(w, `{"error":"boom"}`)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.URL.Path == "/":
		_, _ = io.WriteString(w, `{"version":{"number":"8.17.0"},"tagline":"You Know, for Search"}`)
	case r.Method == http.MethodGet && parts[0] == "_alias":
		index, ok := f.aliases[parts[1]]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"alias missing","status":404}`)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{index: map[string]any{"aliases": map[string]any{parts[1]: map[string]any{}}}})
	case r.Method == http.MethodPost && parts[0] == "_aliases":
		var body struct {
			Actions []map[string]map[string]string `json:"actions"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for _, action := range body.Actions {
			if rm, ok := action["remove"]; ok {
				delete(f.aliases, rm["alias"])
			}
			if add, ok := action["add"]; ok {
				f.aliases[add["alias"]] = add["index"]
			}
		}
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	case len(parts) == 1 && r.Method == http.MethodPut:
		if _, exists := f.indices[parts[0]]; exists {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"resource_already_exists_exception"}`)
			return
		}
		f.indices[parts[0]] = map[string]json.RawMessage{}
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if _, exists := f.indices[parts[0]]; !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.indices, parts[0])
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	case len(parts) == 2 && parts[1] == "_close":
		f.closed[parts[0]] = true
		_, _ = io.WriteString(w, `{"acknowledged":true}`)
	case len(parts) == 3 && parts[1] == "_doc":
		index := f.resolve(parts[0])
		switch r.Method {
		case http.MethodPut, http.MethodPost:
			raw, _ := io.ReadAll(r.Body)
			q := r.URL.Query()
			f.queries = append(f.queries, q)
			key := index + "/" + parts[2]
			if v, err := strconv.ParseInt(q.Get("version"), 10, 64); err == nil {
				if v < f.versions[key] {
					w.WriteHeader(http.StatusConflict)
					_, _ = io.WriteString(w, `{"error":{"type":"version_conflict_engine_exception"},"status":409}`)
					return
				}
				f.versions[key] = v
			}
			if f.indices[index] == nil {
				f.indices[index] = map[string]json.RawMessage{}
			}
			f.indices[index][parts[2]] = raw
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"result":"created"}`)
		case http.MethodDelete:
			if _, ok := f.indices[index][parts[2]]; !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = io.WriteString(w, `{"result":"not_found"}`)
				return
			}
			delete(f.indices[index], parts[2])
			_, _ = io.WriteString(w, `{"result":"deleted"}`)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeES) resolve(name string) string {
	if index, ok := f.aliases[name]; ok {
		return index
	}
	return name
}

func (f *fakeES) doc(index, id string) (Document, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.indices[f.resolve(index)][id]
	if !ok {
		return Document{}, false
	}
	var doc Document
	_ = json.Unmarshal(raw, &doc)
	return doc, true
}

func TestClientAliasLifecycle(t *testing.T) {
	f, c := newFakeES(t)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	current, err := c.ResolveAlias(ctx, "memsync-memcells")
	require.NoError(t, err)
	assert.Empty(t, current)

	require.NoError(t, c.CreateIndex(ctx, "memsync-memcells-1", MemCellSchema))
	require.NoError(t, c.SwapAlias(ctx, "memsync-memcells", "", "memsync-memcells-1"))
	current, err = c.ResolveAlias(ctx, "memsync-memcells")
	require.NoError(t, err)
	assert.Equal(t, "memsync-memcells-1", current)

	require.NoError(t, c.CreateIndex(ctx, "memsync-memcells-2", MemCellSchema))
	require.NoError(t, c.SwapAlias(ctx, "memsync-memcells", "memsync-memcells-1", "memsync-memcells-2"))
	current, err = c.ResolveAlias(ctx, "memsync-memcells")
	require.NoError(t, err)
	assert.Equal(t, "memsync-memcells-2", current)

	require.NoError(t, c.CloseIndex(ctx, "memsync-memcells-1"))
	require.NoError(t, c.DeleteIndex(ctx, "memsync-memcells-1"))
	require.NoError(t, c.DeleteIndex(ctx, "memsync-memcells-1"), "deleting a missing index is a no-op")
	assert.True(t, f.closed["memsync-memcells-1"])

	err = c.CreateIndex(ctx, "memsync-memcells-2", nil)
	require.Error(t, err)
	assert.False(t, memory.IsRetryable(err))
}

func TestTargetUpsertAndDelete(t *testing.T) {
	f, c := newFakeES(t)
	ctx := context.Background()
	target := NewTarget(c, map[memory.EntityKind]string{
		memory.KindMemCell: "memsync-memcells",
		memory.KindProfile: "memsync-profiles",
	})
	assert.Equal(t, memory.TargetText, target.Name())

	cell := memory.MemCell{
		EventID: "e1", UserID: "u1", GroupID: "g1",
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Title:     "Hike", Summary: "Planned a hike", Episode: "We talked about hiking",
		Keywords: []string{"hiking"}, Version: 2,
	}
	require.NoError(t, target.Upsert(ctx, cell))
	require.NoError(t, target.Upsert(ctx, cell), "upsert is idempotent")

	doc, ok := f.doc("memsync-memcells", "e1")
	require.True(t, ok)
	assert.Equal(t, "u1", doc.UserID)
	assert.Equal(t, int64(2), doc.Version)
	assert.Contains(t, doc.Content, "Planned a hike")

	prof := memory.Profile{UserID: "u1", Version: 3, Facts: map[string]memory.ProfileFact{
		"identity.name": {Key: "identity.name", Value: "Ana", Confidence: 0.9},
	}}
	require.NoError(t, target.Upsert(ctx, prof))
	pdoc, ok := f.doc("memsync-profiles", "u1")
	require.True(t, ok)
	assert.Equal(t, "Ana", pdoc.Facts["identity.name"])
	assert.Equal(t, "identity.name: Ana", pdoc.Content)

	require.NoError(t, target.UpsertInto(ctx, "memsync-memcells-next", cell))
	_, ok = f.doc("memsync-memcells-next", "e1")
	assert.True(t, ok)

	require.NoError(t, target.Delete(ctx, cell))
	_, ok = f.doc("memsync-memcells", "e1")
	assert.False(t, ok)
	require.NoError(t, target.Delete(ctx, cell), "deleting an absent document succeeds")
}

type otherEntity struct{}

func (otherEntity) EntityKind() memory.EntityKind { return "episode" }
func (otherEntity) EntityID() string              { return "x" }
func (otherEntity) SyncVersion() int64            { return 1 }

func TestTargetRejectsUnknownKinds(t *testing.T) {
	_, c := newFakeES(t)
	target := NewTarget(c, map[memory.EntityKind]string{memory.KindMemCell: "memsync-memcells"})

	err := target.Upsert(context.Background(), otherEntity{})
	assert.True(t, errors.Is(err, memory.ErrUnsupportedSync))
	err = target.Upsert(context.Background(), memory.Profile{UserID: "u1"})
	assert.True(t, errors.Is(err, memory.ErrUnsupportedSync))
	assert.False(t, target.Supports(memory.KindProfile))
}

func TestServerErrorsAreRetryable(t *testing.T) {
	f, c := newFakeES(t)
	f.mu.Lock()
	f.fail = http.StatusInternalServerError
	f.mu.Unlock()
	err := c.IndexDocument(context.Background(), "idx", "1", 0, map[string]string{"a": "b"})
	require.Error(t, err)
	assert.True(t, memory.IsRetryable(err))

	f.mu.Lock()
	f.fail = http.StatusBadRequest
	f.mu.Unlock()
	err = c.IndexDocument(context.Background(), "idx", "1", 0, map[string]string{"a": "b"})
	require.Error(t, err)
	assert.False(t, memory.IsRetryable(err))
}

func TestIndexDocumentUsesExternalVersions(t *testing.T) {
	f, c := newFakeES(t)
	ctx := context.Background()
	target := NewTarget(c, map[memory.EntityKind]string{memory.KindMemCell: "memsync-memcells"})

	cell := memory.MemCell{EventID: "e1", UserID: "u1", Episode: "newer text", Version: 5}
	require.NoError(t, target.Upsert(ctx, cell))

	f.mu.Lock()
	require.Len(t, f.queries, 1)
	assert.Equal(t, "5", f.queries[0].Get("version"))
	assert.Equal(t, "external_gte", f.queries[0].Get("version_type"))
	f.mu.Unlock()

	stale := cell
	stale.Episode = "older text"
	stale.Version = 3
	require.NoError(t, target.Upsert(ctx, stale), "a conflict with a newer document is not an error")
	doc, ok := f.doc("memsync-memcells", "e1")
	require.True(t, ok)
	assert.Equal(t, int64(5), doc.Version)
	assert.Contains(t, doc.Content, "newer text")

	require.NoError(t, target.Upsert(ctx, cell), "equal versions are accepted")

	require.NoError(t, c.IndexDocument(ctx, "idx", "plain", 0, map[string]string{"a": "b"}))
	f.mu.Lock()
	last := f.queries[len(f.queries)-1]
	f.mu.Unlock()
	assert.Empty(t, last.Get("version"), "unversioned writes send no version")
}
