// Package openaicompat streams chat completions from any OpenAI-compatible
// API: OpenAI, OpenRouter, Groq, Together, DeepSeek, Mistral, Ollama, vLLM,
// LM Studio and the like.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nevindra/chatflow"
)

// Provider implements chatflow.Transport over HTTP.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	headers http.Header
	logger  *slog.Logger
}

// New creates an OpenAI-compatible transport.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1").
// The /chat/completions path is appended automatically.
func New(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		name:    "openai",
		headers: make(http.Header),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Stream posts body with stream=true and returns the decoded chunks.
// Non-200 responses become *chatflow.ErrHTTP so chatflow.WithRetry can
// recognize transient failures.
func (p *Provider) Stream(ctx context.Context, body chatflow.RequestBody) (iter.Seq2[chatflow.Chunk, error], error) {
	resp, err := p.sendHTTP(ctx, BuildBody(body, p.model, p.opts...))
	if err != nil {
		if abortErr := chatflow.AbortCause(ctx); abortErr != nil {
			return nil, abortErr
		}
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, p.httpErr(resp)
	}
	return StreamSSE(ctx, resp.Body, p.logger), nil
}

// sendHTTP marshals the request body and sends it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body chatflow.RequestBody) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &chatflow.ErrLLM{Transport: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &chatflow.ErrLLM{Transport: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	for k, vs := range p.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &chatflow.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: chatflow.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface check.
var _ chatflow.Transport = (*Provider)(nil)
