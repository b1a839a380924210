package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/config"
	"github.com/antigravity/keygate/internal/models"
)

const (
	userAgent       = "keygate/1.0"
	maxErrorBody    = 4 << 10
	maxSSELineBytes = 1 << 20
)

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint (perplexity, groq)
type OpenAIClient struct {
	name    Backend
	baseURL string
	apiKey  string
	model   string
	tags    []Tag
	search  bool
	http    *http.Client
}

// NewOpenAIClient creates a client. Timeouts come from the request context.
func NewOpenAIClient(name Backend, cfg config.BackendConfig, tags ...Tag) *OpenAIClient {
	return &OpenAIClient{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		tags:    tags,
		search:  hasTag(tags, TagSearch),
		http:    &http.Client{},
	}
}

// NewPerplexityClient creates the search-capable perplexity client
func NewPerplexityClient(cfg config.BackendConfig) *OpenAIClient {
	return NewOpenAIClient(Perplexity, cfg, TagSearch, TagStreaming)
}

// NewGroqClient creates the fast-path groq client
func NewGroqClient(cfg config.BackendConfig) *OpenAIClient {
	return NewOpenAIClient(Groq, cfg, TagFast, TagStreaming)
}

func (c *OpenAIClient) Name() Backend { return c.name }
func (c *OpenAIClient) Tags() []Tag   { return c.tags }

func (c *OpenAIClient) Supports(capability models.Capability) bool {
	return textCapabilities[capability]
}

func (c *OpenAIClient) buildRequest(req Request, stream bool) *models.ChatCompletionRequest {
	messages := make([]models.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, models.ChatCompletionMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, models.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	out := &models.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Stream:      stream,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if c.search {
		no := false
		out.TopP = 0.9
		out.FrequencyPenalty = 1
		out.SearchRecencyFilter = "month"
		out.ReturnImages = &no
		out.ReturnRelatedQuestions = &no
	}
	return out
}

func (c *OpenAIClient) do(ctx context.Context, body *models.ChatCompletionRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apierr.Wrap(apierr.AttemptTransportError, err, "request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, apierr.Wrap(apierr.AttemptTransportError, upstreamError(resp.StatusCode, data), "upstream error")
	}
	return resp, nil
}

func upstreamError(status int, body []byte) error {
	var apiErr models.APIErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		return fmt.Errorf("HTTP %d: %s", status, apiErr.Error.Message)
	}
	return fmt.Errorf("HTTP %d: %s", status, strings.TrimSpace(string(body)))
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Result, error) {
	resp, err := c.do(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var completion models.ChatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apierr.Wrap(apierr.AttemptBadResponse, err, "malformed response")
	}
	if len(completion.Choices) == 0 || strings.TrimSpace(completion.Choices[0].Message.Content) == "" {
		return nil, apierr.New(apierr.AttemptBadResponse, "response has no content")
	}

	res := &Result{
		Text:      completion.Choices[0].Message.Content,
		Citations: completion.Citations,
		Model:     completion.Model,
	}
	if res.Model == "" {
		res.Model = c.model
	}
	if u := completion.Usage; u != nil {
		res.PromptTokens, res.CompletionTokens, res.TotalTokens = u.PromptTokens, u.CompletionTokens, u.TotalTokens
	}
	return res, nil
}

// Stream reads the server-sent events of a streaming completion
func (c *OpenAIClient) Stream(ctx context.Context, req Request, emit EmitFunc) (*Result, error) {
	resp, err := c.do(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	res := &Result{Model: c.model}
	var text strings.Builder

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), maxSSELineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk models.ChatCompletionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, apierr.Wrap(apierr.AttemptBadResponse, err, "malformed stream chunk")
		}
		if chunk.Model != "" {
			res.Model = chunk.Model
		}
		if len(chunk.Citations) > 0 {
			res.Citations = chunk.Citations
		}
		if u := chunk.Usage; u != nil {
			res.PromptTokens, res.CompletionTokens, res.TotalTokens = u.PromptTokens, u.CompletionTokens, u.TotalTokens
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			text.WriteString(choice.Delta.Content)
			if err := emit(choice.Delta.Content); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apierr.Wrap(apierr.AttemptTransportError, err, "stream interrupted")
	}

	res.Text = text.String()
	return res, nil
}
