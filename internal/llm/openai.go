package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client calls an OpenAI-compatible HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	chatModel  string
	embedModel string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client for an OpenAI-compatible endpoint. baseURL is the
// API root without a trailing slash, e.g. https://api.openai.com/v1.
func NewClient(baseURL, apiKey, chatModel, embedModel string, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		chatModel:  chatModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		logger:     logger,
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends a chat completion request and returns the first choice text.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	body, err := c.post(ctx, "chat", "/chat/completions", chatRequest{
		Model:       c.chatModel,
		Messages:    messages,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Op: "chat", Kind: KindServerError, Retryable: true}
	}
	return resp.Choices[0].Message.Content, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedBatch embeds texts in one request. The returned vectors are in input
// order regardless of the order the provider lists them in.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := c.post(ctx, "embeddings", "/embeddings", embedRequest{
		Model: c.embedModel,
		Input: texts,
	})
	if err != nil {
		return nil, err
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding embeddings response: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, &ProviderError{Op: "embeddings", Kind: KindServerError, Retryable: true}
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, &ProviderError{Op: "embeddings", Kind: KindServerError, Retryable: true}
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug("provider request failed", "op", op, "error", err)
		return nil, classifyTransport(op)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, classifyTransport(op)
	}

	if resp.StatusCode != http.StatusOK {
		// Provider bodies can contain request echoes, so they only go to
		// debug logs, never into errors.
		c.logger.Debug("provider returned error",
			"op", op, "status", resp.StatusCode, "body", string(body))
		return nil, classifyStatus(op, resp.StatusCode)
	}
	return body, nil
}
