package router

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/config"
	"github.com/antigravity/keygate/internal/models"
)

const generativeLanguageScope = "https://www.googleapis.com/auth/generative-language"

// GeminiClient calls Google's generative language API
type GeminiClient struct {
	client *genai.Client
	model  string
}

// GeminiOptions resolves credentials: an API key wins over a service-account file
func GeminiOptions(ctx context.Context, cfg config.BackendConfig) ([]option.ClientOption, error) {
	if cfg.APIKey != "" {
		return []option.ClientOption{option.WithAPIKey(cfg.APIKey)}, nil
	}
	if cfg.CredentialsFile == "" {
		return nil, fmt.Errorf("gemini needs an api key or a credentials file")
	}
	data, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read gemini credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, generativeLanguageScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse gemini credentials: %w", err)
	}
	return []option.ClientOption{option.WithTokenSource(creds.TokenSource)}, nil
}

// NewGeminiClient creates the gemini backend
func NewGeminiClient(ctx context.Context, cfg config.BackendConfig, extra ...option.ClientOption) (*GeminiClient, error) {
	opts, err := GeminiOptions(ctx, cfg)
	if err != nil {
		return nil, err
	}
	client, err := genai.NewClient(ctx, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{client: client, model: cfg.Model}, nil
}

func (c *GeminiClient) Name() Backend { return Gemini }
func (c *GeminiClient) Tags() []Tag   { return []Tag{TagStreaming} }

func (c *GeminiClient) Supports(capability models.Capability) bool {
	return textCapabilities[capability]
}

func (c *GeminiClient) Close() error {
	return c.client.Close()
}

// session prepares a chat session whose history holds every message but the last
func (c *GeminiClient) session(req Request) (*genai.ChatSession, genai.Part, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("empty prompt")
	}
	model := c.client.GenerativeModel(c.model)
	model.SetTemperature(float32(req.Temperature))
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	model.SetTopP(0.95)
	model.SetTopK(40)
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	cs := model.StartChat()
	cs.History = toContents(req.Messages[:len(req.Messages)-1])
	return cs, genai.Text(req.Messages[len(req.Messages)-1].Content), nil
}

func toContents(messages []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	return contents
}

func (c *GeminiClient) Complete(ctx context.Context, req Request) (*Result, error) {
	cs, prompt, err := c.session(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.AttemptBadResponse, err, "invalid request")
	}
	resp, err := cs.SendMessage(ctx, prompt)
	if err != nil {
		return nil, geminiError(ctx, err)
	}
	res := c.toResult(resp)
	if strings.TrimSpace(res.Text) == "" {
		return nil, apierr.New(apierr.AttemptBadResponse, "response has no content")
	}
	return res, nil
}

func (c *GeminiClient) Stream(ctx context.Context, req Request, emit EmitFunc) (*Result, error) {
	cs, prompt, err := c.session(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.AttemptBadResponse, err, "invalid request")
	}
	iter := cs.SendMessageStream(ctx, prompt)

	res := &Result{Model: c.model}
	var text strings.Builder
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, geminiError(ctx, err)
		}
		part := c.toResult(resp)
		if u := resp.UsageMetadata; u != nil {
			res.PromptTokens, res.CompletionTokens, res.TotalTokens = part.PromptTokens, part.CompletionTokens, part.TotalTokens
		}
		res.Citations = append(res.Citations, part.Citations...)
		if part.Text == "" {
			continue
		}
		text.WriteString(part.Text)
		if err := emit(part.Text); err != nil {
			return nil, err
		}
	}
	res.Text = text.String()
	return res, nil
}

func (c *GeminiClient) toResult(resp *genai.GenerateContentResponse) *Result {
	res := &Result{Model: c.model}
	if resp == nil {
		return res
	}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		if cand.Content != nil {
			var b strings.Builder
			for _, p := range cand.Content.Parts {
				if t, ok := p.(genai.Text); ok {
					b.WriteString(string(t))
				}
			}
			res.Text = b.String()
		}
		if cm := cand.CitationMetadata; cm != nil {
			for _, src := range cm.CitationSources {
				if src != nil && src.URI != nil {
					res.Citations = append(res.Citations, *src.URI)
				}
			}
		}
	}
	if u := resp.UsageMetadata; u != nil {
		res.PromptTokens = int(u.PromptTokenCount)
		res.CompletionTokens = int(u.CandidatesTokenCount)
		res.TotalTokens = int(u.TotalTokenCount)
	}
	return res
}

func geminiError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return apierr.Wrap(apierr.AttemptBadResponse, err, "response blocked")
	}
	return apierr.Wrap(apierr.AttemptTransportError, err, "gemini request failed")
}
