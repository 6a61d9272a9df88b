// Package openai embeds text through an OpenAI-compatible /embeddings endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

// Default configuration values.
const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "text-embedding-ada-002"
	DefaultTimeout = 30 * time.Second
)

var modelDimensions = map[string]int{
	"text-embedding-ada-002": 1536,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
}

// Config holds configuration for the client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// Dimensions overrides the model's native size. Only text-embedding-3-*
	// models accept it on the wire.
	Dimensions int
	HTTPClient *http.Client
}

// Client implements crawler.Embedder.
type Client struct {
	http       *http.Client
	baseURL    string
	apiKey     string
	model      string
	dimensions int
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// New validates cfg and builds a Client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	dims := cfg.Dimensions
	if dims == 0 {
		var ok bool
		if dims, ok = modelDimensions[cfg.Model]; !ok {
			return nil, fmt.Errorf("openai: unknown model %q, set embedding.dimensions", cfg.Model)
		}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		http:       httpClient,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: dims,
	}, nil
}

// Dimensions returns the vector size this client produces.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Embed returns the embedding for text. Every failure wraps
// crawler.ErrEmbeddingUnavailable; client errors other than 429 are also
// marked permanent so retry wrappers give up immediately.
func (c *Client) Embed(ctx context.Context, text string) (crawler.Vector, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch embeds texts in one request, preserving input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([]crawler.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	reqBody := embeddingRequest{Model: c.model, Input: texts}
	if strings.HasPrefix(c.model, "text-embedding-3-") {
		reqBody.Dimensions = c.dimensions
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, unavailable(crawler.Permanent(fmt.Errorf("marshal request: %w", err)))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, unavailable(crawler.Permanent(fmt.Errorf("create request: %w", err)))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, unavailable(fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, unavailable(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		statusErr := fmt.Errorf("status %d: %s", resp.StatusCode, apiMessage(body))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			statusErr = crawler.Permanent(statusErr)
		}
		return nil, unavailable(statusErr)
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, unavailable(fmt.Errorf("decode response: %w", err))
	}
	if decoded.Error != nil {
		return nil, unavailable(fmt.Errorf("api error: %s", decoded.Error.Message))
	}

	out := make([]crawler.Vector, len(texts))
	for _, d := range decoded.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, unavailable(fmt.Errorf("response index %d out of range", d.Index))
		}
		vec := make(crawler.Vector, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	for i, vec := range out {
		if len(vec) != c.dimensions {
			return nil, unavailable(fmt.Errorf("input %d: got %d dimensions, want %d", i, len(vec), c.dimensions))
		}
	}
	return out, nil
}

func unavailable(err error) error {
	return fmt.Errorf("openai: %w: %w", crawler.ErrEmbeddingUnavailable, err)
}

func apiMessage(body []byte) string {
	var decoded embeddingResponse
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error != nil {
		return decoded.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 256 {
		msg = msg[:256]
	}
	return msg
}
