package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dotsetgreg/memsync/pkg/memory"
	"github.com/dotsetgreg/memsync/pkg/profile"
)

const extractionSystemPrompt = `You maintain long-term user profiles for a conversational assistant.
Read the memory units and return durable facts about the user as JSON:
{"facts":[{"key":"namespace.attribute","value":"...","confidence":0.0,"supersedes":false,"source_ids":["<unit id>"]}]}
Rules:
- keys are short dotted lowercase paths such as identity.name, preferences.likes.coffee, goals.primary
- confidence is between 0 and 1
- set supersedes to true only when the user explicitly corrects a value in the current profile
- source_ids lists the ids of the units that support the fact
- never include secrets, credentials or one-off task details
Return {"facts":[]} when nothing durable is present.`

// OpenAIOptions configure the OpenAI-compatible provider.
type OpenAIOptions struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	MaxRetries     int
	HTTPClient     *http.Client
}

// OpenAIProvider embeds text and extracts profile facts through an
// OpenAI-compatible API.
type OpenAIProvider struct {
	client         openai.Client
	model          string
	embeddingModel string
}

func NewOpenAIProvider(opts OpenAIOptions) *OpenAIProvider {
	reqOpts := []option.RequestOption{option.WithMaxRetries(opts.MaxRetries)}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}
	if opts.Model == "" {
		opts.Model = openai.ChatModelGPT4oMini
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = openai.EmbeddingModelTextEmbedding3Small
	}
	return &OpenAIProvider{
		client:         openai.NewClient(reqOpts...),
		model:          opts.Model,
		embeddingModel: opts.EmbeddingModel,
	}
}

func (p *OpenAIProvider) Name() string    { return ProviderOpenAI }
func (p *OpenAIProvider) ModelID() string { return p.embeddingModel }

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: p.embeddingModel,
	})
	if err != nil {
		return nil, classifyAPIError("openai embeddings", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response: %w", memory.ErrDependencyUnavailable)
	}
	src := resp.Data[0].Embedding
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out, nil
}

type extractedFact struct {
	Key        string   `json:"key"`
	Value      string   `json:"value"`
	Confidence float64  `json:"confidence"`
	Supersedes bool     `json:"supersedes"`
	SourceIDs  []string `json:"source_ids"`
}

type extractionResponse struct {
	Facts []extractedFact `json:"facts"`
}

type promptUnit struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text"`
}

func (p *OpenAIProvider) ExtractFacts(ctx context.Context, req profile.ExtractionRequest) ([]profile.Candidate, error) {
	user, err := buildExtractionPrompt(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(extractionSystemPrompt),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0),
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, classifyAPIError("openai extraction", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai extraction: no choices returned: %w", memory.ErrDependencyUnavailable)
	}
	return parseExtraction(resp.Choices[0].Message.Content, req)
}

func buildExtractionPrompt(req profile.ExtractionRequest) (string, error) {
	units := make([]promptUnit, 0, len(req.Cells))
	for _, c := range req.Cells {
		units = append(units, promptUnit{
			ID:        c.EventID,
			Timestamp: c.Timestamp.UTC().Format(time.RFC3339),
			Title:     c.Title,
			Text:      c.Text(),
		})
	}
	payload := map[string]any{"user_id": req.UserID, "units": units}
	if req.Current != nil {
		current := map[string]any{}
		for _, k := range req.Current.SortedKeys() {
			f := req.Current.Facts[k]
			current[k] = map[string]any{"value": f.Value, "confidence": f.Confidence}
		}
		payload["current_profile"] = current
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode extraction prompt: %w", err)
	}
	return string(b), nil
}

func parseExtraction(content string, req profile.ExtractionRequest) ([]profile.Candidate, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var parsed extractionResponse
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("decode extraction response: %w: %w", memory.ErrDependencyUnavailable, err)
	}

	known := make(map[string]time.Time, len(req.Cells))
	for _, c := range req.Cells {
		known[c.EventID] = c.Timestamp
	}
	out := make([]profile.Candidate, 0, len(parsed.Facts))
	for _, f := range parsed.Facts {
		cand := profile.Candidate{
			Key:        f.Key,
			Value:      f.Value,
			Confidence: f.Confidence,
			Supersedes: f.Supersedes,
		}
		// Only ids of units actually sent are kept.
		for _, id := range f.SourceIDs {
			ts, ok := known[id]
			if !ok {
				continue
			}
			cand.SourceIDs = append(cand.SourceIDs, id)
			if ts.After(cand.ObservedAt) {
				cand.ObservedAt = ts
			}
		}
		out = append(out, cand)
	}
	return out, nil
}

func classifyAPIError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests && apiErr.StatusCode != http.StatusRequestTimeout {
			return fmt.Errorf("%s: status %d: %w", op, apiErr.StatusCode, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, memory.ErrDependencyUnavailable, err)
}
