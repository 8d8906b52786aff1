package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
)

// AISettings points at an OpenAI-compatible endpoint. The embeddings model
// may differ from the chat model used for graph extraction.
type AISettings struct {
	BaseURL    string
	APIKey     string
	ChatModel  string
	EmbedModel string
	Timeout    time.Duration
}

func (s AISettings) ready() bool {
	return s.BaseURL != ""
}

// AIClient performs the embeddings and extraction calls. Requests go over
// plain HTTP against the configured base URL; the chat request body reuses
// the OpenAI param types so message shapes stay wire-compatible.
type AIClient struct {
	settings AISettings
	http     *http.Client
}

func NewAIClient(settings AISettings) *AIClient {
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	return &AIClient{
		settings: settings,
		http:     &http.Client{Timeout: settings.Timeout},
	}
}

func (c *AIClient) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrExternalService, err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.settings.Timeout)
	defer cancel()

	url := strings.TrimRight(c.settings.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrExternalService, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.settings.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExternalService, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrExternalService, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(raw)
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrExternalService, path, resp.StatusCode, snippet)
	}
	return raw, nil
}

// Embed returns one vector per input text, in order.
func (c *AIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if !c.settings.ready() || c.settings.EmbedModel == "" {
		return nil, fmt.Errorf("%w: embeddings endpoint not configured", ErrExternalService)
	}
	raw, err := c.post(ctx, "/embeddings", map[string]any{
		"model": c.settings.EmbedModel,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode embeddings: %v", ErrExternalService, err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("%w: embeddings count mismatch: got %d want %d", ErrExternalService, len(parsed.Data), len(texts))
	}
	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("%w: embeddings index %d out of range", ErrExternalService, d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Complete sends a system+user chat exchange and returns the assistant text.
func (c *AIClient) Complete(ctx context.Context, system, user string) (string, error) {
	if !c.settings.ready() || c.settings.ChatModel == "" {
		return "", fmt.Errorf("%w: chat endpoint not configured", ErrExternalService)
	}
	params := openai.ChatCompletionNewParams{
		Model: c.settings.ChatModel,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
	}
	raw, err := c.post(ctx, "/chat/completions", params)
	if err != nil {
		return "", err
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode completion: %v", ErrExternalService, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: completion returned no choices", ErrExternalService)
	}
	return parsed.Choices[0].Message.Content, nil
}
