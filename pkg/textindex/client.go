// Package textindex projects memory entities into an Elasticsearch BM25
// index addressed through aliases.
package textindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"

	"github.com/dotsetgreg/memsync/pkg/memory"
)

// Options configure the Elasticsearch connection.
type Options struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string
	Transport http.RoundTripper
	// Refresh makes writes visible to search immediately ("true", "wait_for").
	Refresh string
	Logger  *zap.Logger
}

// Client is a thin document and alias API over Elasticsearch.
type Client struct {
	es      *elasticsearch.Client
	refresh string
	logger  *zap.Logger
}

func NewClient(opts Options) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
		APIKey:    opts.APIKey,
		Transport: opts.Transport,
	}
	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{es: es, refresh: opts.Refresh, logger: log.Named("textindex")}, nil
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Info(c.es.Info.WithContext(ctx))
	return checkResponse("info", res, err, false)
}

// IndexDocument creates or replaces the document id in index. A positive
// version is sent as an external_gte version, so a write older than the
// indexed document is dropped and reported as success.
func (c *Client) IndexDocument(ctx context.Context, index, id string, version int64, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", id, err)
	}
	opts := []func(*esapi.IndexRequest){
		c.es.Index.WithContext(ctx),
		c.es.Index.WithDocumentID(id),
	}
	if version > 0 {
		opts = append(opts, c.es.Index.WithVersion(int(version)), c.es.Index.WithVersionType("external_gte"))
	}
	if c.refresh != "" {
		opts = append(opts, c.es.Index.WithRefresh(c.refresh))
	}
	res, err := c.es.Index(index, bytes.NewReader(body), opts...)
	if err == nil && version > 0 && res.StatusCode == http.StatusConflict {
		res.Body.Close()
		c.logger.Debug("older document version dropped", zap.String("index", index), zap.String("id", id), zap.Int64("version", version))
		return nil
	}
	return checkResponse("index document "+id, res, err, false)
}

// DeleteDocument removes id from index. A missing document is not an error.
func (c *Client) DeleteDocument(ctx context.Context, index, id string) error {
	opts := []func(*esapi.DeleteRequest){c.es.Delete.WithContext(ctx)}
	if c.refresh != "" {
		opts = append(opts, c.es.Delete.WithRefresh(c.refresh))
	}
	res, err := c.es.Delete(index, id, opts...)
	return checkResponse("delete document "+id, res, err, true)
}

// Hit is one search result.
type Hit struct {
	ID     string          `json:"_id"`
	Score  float64         `json:"_score"`
	Source json.RawMessage `json:"_source"`
}

// Search runs a BM25 multi_match over the content fields of index, filtered
// to userID when set.
func (c *Client) Search(ctx context.Context, index, text, userID string, size int) ([]Hit, error) {
	if size <= 0 {
		size = 10
	}
	must := []any{map[string]any{"multi_match": map[string]any{
		"query":  text,
		"fields": []string{"title^2", "content", "keywords^1.5", "facts"},
	}}}
	query := map[string]any{"bool": map[string]any{"must": must}}
	if userID != "" {
		query["bool"].(map[string]any)["filter"] = []any{map[string]any{"term": map[string]any{"user_id": userID}}}
	}
	body, err := json.Marshal(map[string]any{"size": size, "query": query})
	if err != nil {
		return nil, err
	}
	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(index),
		c.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w: %w", index, memory.ErrDependencyUnavailable, err)
	}
	defer res.Body.Close()
	if err := statusError("search "+index, res, false); err != nil {
		return nil, err
	}
	var parsed struct {
		Hits struct {
			Hits []Hit `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return parsed.Hits.Hits, nil
}

// ResolveAlias returns the physical index behind alias, or "" when the alias
// does not exist.
func (c *Client) ResolveAlias(ctx context.Context, alias string) (string, error) {
	res, err := c.es.Indices.GetAlias(
		c.es.Indices.GetAlias.WithContext(ctx),
		c.es.Indices.GetAlias.WithName(alias),
	)
	if err != nil {
		return "", fmt.Errorf("get alias %s: %w: %w", alias, memory.ErrDependencyUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if err := statusError("get alias "+alias, res, false); err != nil {
		return "", err
	}
	var parsed map[string]json.RawMessage
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode alias response: %w", err)
	}
	if len(parsed) > 1 {
		return "", fmt.Errorf("alias %s points at %d indices", alias, len(parsed))
	}
	for index := range parsed {
		return index, nil
	}
	return "", nil
}

// CreateIndex creates a physical index with the given settings/mappings body.
func (c *Client) CreateIndex(ctx context.Context, name string, schema json.RawMessage) error {
	opts := []func(*esapi.IndicesCreateRequest){c.es.Indices.Create.WithContext(ctx)}
	if len(schema) > 0 {
		opts = append(opts, c.es.Indices.Create.WithBody(bytes.NewReader(schema)))
	}
	res, err := c.es.Indices.Create(name, opts...)
	return checkResponse("create index "+name, res, err, false)
}

// SwapAlias repoints alias from oldIndex to newIndex in one atomic
// _aliases request. oldIndex may be empty when the alias is new.
func (c *Client) SwapAlias(ctx context.Context, alias, oldIndex, newIndex string) error {
	actions := []any{}
	if oldIndex != "" {
		actions = append(actions, map[string]any{"remove": map[string]string{"index": oldIndex, "alias": alias}})
	}
	actions = append(actions, map[string]any{"add": map[string]string{"index": newIndex, "alias": alias}})
	body, err := json.Marshal(map[string]any{"actions": actions})
	if err != nil {
		return err
	}
	res, err := c.es.Indices.UpdateAliases(bytes.NewReader(body), c.es.Indices.UpdateAliases.WithContext(ctx))
	return checkResponse("swap alias "+alias, res, err, false)
}

func (c *Client) CloseIndex(ctx context.Context, name string) error {
	res, err := c.es.Indices.Close([]string{name}, c.es.Indices.Close.WithContext(ctx))
	return checkResponse("close index "+name, res, err, true)
}

func (c *Client) DeleteIndex(ctx context.Context, name string) error {
	res, err := c.es.Indices.Delete([]string{name}, c.es.Indices.Delete.WithContext(ctx))
	return checkResponse("delete index "+name, res, err, true)
}

func checkResponse(op string, res *esapi.Response, err error, notFoundOK bool) error {
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, memory.ErrDependencyUnavailable, err)
	}
	defer res.Body.Close()
	return statusError(op, res, notFoundOK)
}

func statusError(op string, res *esapi.Response, notFoundOK bool) error {
	if !res.IsError() {
		return nil
	}
	if notFoundOK && res.StatusCode == http.StatusNotFound {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	msg := strings.TrimSpace(string(raw))
	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s: status %d: %s: %w", op, res.StatusCode, msg, memory.ErrDependencyUnavailable)
	}
	return fmt.Errorf("%s: status %d: %s", op, res.StatusCode, msg)
}
