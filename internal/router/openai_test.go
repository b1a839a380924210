package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/config"
	"github.com/antigravity/keygate/internal/models"
)

func newUpstream(t *testing.T, handler func(w http.ResponseWriter, req *models.ChatCompletionRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req models.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		handler(w, &req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func backendConfig(url string) config.BackendConfig {
	return config.BackendConfig{APIKey: "test-key", Model: "test-model", BaseURL: url + "/"}
}

func TestOpenAIClient_Complete(t *testing.T) {
	var got *models.ChatCompletionRequest
	srv := newUpstream(t, func(w http.ResponseWriter, req *models.ChatCompletionRequest) {
		got = req
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"sonar","choices":[{"index":0,"message":{"role":"assistant","content":"Paris"}}],
			"usage":{"prompt_tokens":7,"completion_tokens":1,"total_tokens":8},
			"citations":["https://example.com/paris"]}`)
	})

	c := NewPerplexityClient(backendConfig(srv.URL))
	res, err := c.Complete(context.Background(), Request{
		System:      "be brief",
		Messages:    []Message{{Role: RoleUser, Content: "capital of France?"}},
		MaxTokens:   50,
		Temperature: 0.2,
	})
	require.NoError(t, err)
	assert.Equal(t, "Paris", res.Text)
	assert.Equal(t, "sonar", res.Model)
	assert.Equal(t, 8, res.TotalTokens)
	assert.Equal(t, []string{"https://example.com/paris"}, res.Citations)

	require.NotNil(t, got)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "test-model", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, "month", got.SearchRecencyFilter)
	require.NotNil(t, got.ReturnImages)
	assert.False(t, *got.ReturnImages)
}

func TestOpenAIClient_GroqOmitsSearchOptions(t *testing.T) {
	var got *models.ChatCompletionRequest
	srv := newUpstream(t, func(w http.ResponseWriter, req *models.ChatCompletionRequest) {
		got = req
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`)
	})

	res, err := NewGroqClient(backendConfig(srv.URL)).Complete(context.Background(), testRequest)
	require.NoError(t, err)
	assert.Equal(t, "test-model", res.Model)
	assert.Empty(t, got.SearchRecencyFilter)
	assert.Nil(t, got.ReturnImages)
	assert.Len(t, got.Messages, 1)
}

func TestOpenAIClient_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		code    apierr.Code
		message string
	}{
		{"upstream error", http.StatusTooManyRequests, `{"error":{"message":"quota exceeded","type":"rate_limit"}}`, apierr.AttemptTransportError, "HTTP 429: quota exceeded"},
		{"plain error body", http.StatusBadGateway, "bad gateway\n", apierr.AttemptTransportError, "HTTP 502: bad gateway"},
		{"malformed", http.StatusOK, `{"choices":`, apierr.AttemptBadResponse, ""},
		{"no choices", http.StatusOK, `{"choices":[]}`, apierr.AttemptBadResponse, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newUpstream(t, func(w http.ResponseWriter, _ *models.ChatCompletionRequest) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			_, err := NewGroqClient(backendConfig(srv.URL)).Complete(context.Background(), testRequest)
			require.Error(t, err)
			assert.Equal(t, tt.code, apierr.CodeOf(err))
			if tt.message != "" {
				assert.Contains(t, err.Error(), tt.message)
			}
		})
	}
}

func TestOpenAIClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewGroqClient(backendConfig(url)).Complete(context.Background(), testRequest)
	assert.Equal(t, apierr.AttemptTransportError, apierr.CodeOf(err))
}

func TestOpenAIClient_Stream(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, req *models.ChatCompletionRequest) {
		if !req.Stream {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, `data: {"model":"llama","choices":[{"delta":{"role":"assistant"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"lo"}}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"ignored"}}]}`+"\n\n")
	})

	var chunks []string
	res, err := NewGroqClient(backendConfig(srv.URL)).Stream(context.Background(), testRequest, func(chunk string) error {
		chunks = append(chunks, chunk)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hel", "lo"}, chunks)
	assert.Equal(t, "Hello", res.Text)
	assert.Equal(t, "llama", res.Model)
	assert.Equal(t, 5, res.TotalTokens)
}

func TestOpenAIClient_StreamMalformedChunk(t *testing.T) {
	srv := newUpstream(t, func(w http.ResponseWriter, _ *models.ChatCompletionRequest) {
		fmt.Fprint(w, "data: {not json}\n\n")
	})
	_, err := NewGroqClient(backendConfig(srv.URL)).Stream(context.Background(), testRequest, func(string) error { return nil })
	assert.Equal(t, apierr.AttemptBadResponse, apierr.CodeOf(err))
}

func TestGemini_ToContents(t *testing.T) {
	contents := toContents([]Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	})
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, genai.Text("hello"), contents[1].Parts[0])
}

func TestGemini_ToResult(t *testing.T) {
	uri := "https://example.com/source"
	c := &GeminiClient{model: "gemini-1.5-flash"}
	res := c.toResult(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:          &genai.Content{Parts: []genai.Part{genai.Text("a"), genai.Text("b")}},
			CitationMetadata: &genai.CitationMetadata{CitationSources: []*genai.CitationSource{{URI: &uri}, {}}},
		}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 2, TotalTokenCount: 6},
	})
	assert.Equal(t, "ab", res.Text)
	assert.Equal(t, []string{uri}, res.Citations)
	assert.Equal(t, 6, res.TotalTokens)
	assert.Equal(t, "gemini-1.5-flash", res.Model)

	assert.Empty(t, c.toResult(nil).Text)
}

func TestGeminiOptions(t *testing.T) {
	opts, err := GeminiOptions(context.Background(), config.BackendConfig{APIKey: "k"})
	require.NoError(t, err)
	assert.Len(t, opts, 1)

	_, err = GeminiOptions(context.Background(), config.BackendConfig{})
	assert.Error(t, err)

	_, err = GeminiOptions(context.Background(), config.BackendConfig{CredentialsFile: "/nonexistent/creds.json"})
	assert.Error(t, err)
}
