// Package assistant turns capability requests into prompts, dispatches them through the router and
// shapes the replies.
package assistant

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/config"
	"github.com/antigravity/keygate/internal/models"
	"github.com/antigravity/keygate/internal/notify"
	"github.com/antigravity/keygate/internal/router"
	"github.com/antigravity/keygate/internal/storage"
)

const (
	StyleConcise  = "concise"
	StyleBullet   = "bullet"
	StyleDetailed = "detailed"

	CodeModeDebug    = "debug"
	CodeModeGenerate = "generate"

	defaultCodeLanguage = "python"
	maxTemperature      = 2.0
)

// Dispatcher is the part of the router the assistant needs
type Dispatcher interface {
	Dispatch(ctx context.Context, capability models.Capability, req router.Request, hints router.Hints) (*router.Result, error)
	Stream(ctx context.Context, req router.Request, hints router.Hints, emit router.EmitFunc) (*router.Result, error)
}

// ChatInput is a normalized chat or stream request
type ChatInput struct {
	// Principal owns the conversation context
	Principal      string
	Question       string
	Language       string
	Tone           string
	IncludeContext bool
	MaxTokens      int
	Temperature    *float64
	Hints          router.Hints
}

// Summary is the result of Summarize
type Summary struct {
	Summary          string  `json:"summary"`
	Style            string  `json:"style"`
	OriginalLength   int     `json:"original_length"`
	SummaryLength    int     `json:"summary_length"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// CodeAnswer is the result of Code
type CodeAnswer struct {
	Response string `json:"response"`
	Language string `json:"language"`
	Type     string `json:"type"`
}

// Service implements chat, analyze, summarize, code and stream on top of the router
type Service struct {
	router   Dispatcher
	contexts storage.ContextStore
	notifier notify.Notifier
	logger   *zap.Logger

	maxTurns    int
	window      int
	temperature float64
	maxTokens   int
	now         func() time.Time
}

// NewService creates the capability layer
func NewService(r Dispatcher, contexts storage.ContextStore, notifier notify.Notifier, cfg *config.Config, logger *zap.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		router:      r,
		contexts:    contexts,
		notifier:    notifier,
		logger:      logger,
		maxTurns:    cfg.Storage.ContextMaxTurns,
		window:      cfg.Storage.ContextWindow,
		temperature: cfg.Defaults.Temperature,
		maxTokens:   cfg.Defaults.MaxTokens,
		now:         time.Now,
	}
}

// prepare validates a chat input and builds the routed request
func (s *Service) prepare(ctx context.Context, in *ChatInput) (router.Request, error) {
	in.Question = strings.TrimSpace(in.Question)
	if in.Question == "" {
		return router.Request{}, apierr.New(apierr.InvalidRequest, "question is required")
	}

	req := router.Request{
		System:      systemPrompt(in.Tone, in.Language),
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	}
	if in.MaxTokens < 0 {
		return router.Request{}, apierr.New(apierr.InvalidRequest, "max_tokens must be positive")
	}
	if in.MaxTokens > 0 {
		req.MaxTokens = in.MaxTokens
	}
	if in.Temperature != nil {
		if *in.Temperature < 0 || *in.Temperature > maxTemperature {
			return router.Request{}, apierr.Newf(apierr.InvalidRequest, "temperature must be between 0 and %.0f", maxTemperature)
		}
		req.Temperature = *in.Temperature
	}

	if s.useContext(in) {
		turns, err := s.contexts.Turns(ctx, in.Principal)
		if err != nil {
			// 上下文不可用时降级为无上下文
			s.logger.Warn("Failed to load conversation context", zap.Error(err))
		} else {
			req.Messages = historyMessages(turns, s.window)
		}
	}
	req.Messages = append(req.Messages, router.Message{Role: router.RoleUser, Content: in.Question})

	if !in.Hints.PreferSearch && looksLikeCode(in.Question) {
		in.Hints.PreferFast = true
	}
	return req, nil
}

func (s *Service) useContext(in *ChatInput) bool {
	return in.IncludeContext && in.Principal != "" && s.contexts != nil
}

func (s *Service) remember(ctx context.Context, in *ChatInput, answer string) {
	if !s.useContext(in) {
		return
	}
	turn := models.Turn{User: in.Question, Assistant: answer, Timestamp: s.now()}
	if err := s.contexts.Append(ctx, in.Principal, turn, s.maxTurns); err != nil {
		s.logger.Warn("Failed to save conversation context", zap.Error(err))
	}
}

// Chat answers a question, optionally with the principal's recent conversation
func (s *Service) Chat(ctx context.Context, in ChatInput) (*router.Result, error) {
	req, err := s.prepare(ctx, &in)
	if err != nil {
		return nil, err
	}
	res, err := s.dispatch(ctx, models.CapabilityChat, req, in.Hints)
	if err != nil {
		return nil, err
	}
	s.remember(ctx, &in, res.Text)
	return res, nil
}

// Stream relays a chat answer chunk by chunk
func (s *Service) Stream(ctx context.Context, in ChatInput, emit router.EmitFunc) (*router.Result, error) {
	req, err := s.prepare(ctx, &in)
	if err != nil {
		return nil, err
	}
	res, err := s.router.Stream(ctx, req, in.Hints, emit)
	if err != nil {
		s.reportUnavailable(ctx, models.CapabilityStream, err)
		return nil, err
	}
	s.remember(ctx, &in, res.Text)
	return res, nil
}

// Analyze reports sentiment, topics and tone of text
func (s *Service) Analyze(ctx context.Context, text string, hints router.Hints) (*Analysis, *router.Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil, apierr.New(apierr.InvalidRequest, "text is required")
	}
	res, err := s.dispatch(ctx, models.CapabilityAnalyze, router.Request{
		Messages:    []router.Message{{Role: router.RoleUser, Content: analysisPrompt(text)}},
		MaxTokens:   512,
		Temperature: 0.3,
	}, hints)
	if err != nil {
		return nil, nil, err
	}

	analysis, ok := parseAnalysis(res.Text, text)
	if !ok {
		s.logger.Debug("Analysis reply was not JSON, using lexical analysis",
			zap.String("backend", string(res.Backend)))
	}
	return &analysis, res, nil
}

// Summarize condenses content in the given style
func (s *Service) Summarize(ctx context.Context, content, style string, hints router.Hints) (*Summary, *router.Result, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, nil, apierr.New(apierr.InvalidRequest, "content is required")
	}
	style = strings.ToLower(strings.TrimSpace(style))
	if style == "" {
		style = StyleConcise
	}
	instruction, ok := summaryPrompts[style]
	if !ok {
		return nil, nil, apierr.Newf(apierr.InvalidRequest, "unknown summary style %q", style)
	}

	res, err := s.dispatch(ctx, models.CapabilitySummarize, router.Request{
		Messages:    []router.Message{{Role: router.RoleUser, Content: instruction + "\n\n" + content}},
		MaxTokens:   2048,
		Temperature: 0.3,
	}, hints)
	if err != nil {
		return nil, nil, err
	}

	summary := strings.TrimSpace(res.Text)
	original := utf8.RuneCountInString(content)
	length := utf8.RuneCountInString(summary)
	ratio, _ := decimal.NewFromInt(int64(length)).
		Div(decimal.NewFromInt(int64(original))).
		Round(2).
		Float64()

	return &Summary{
		Summary:          summary,
		Style:            style,
		OriginalLength:   original,
		SummaryLength:    length,
		CompressionRatio: ratio,
	}, res, nil
}

// Code reviews code when it is given, otherwise generates code for task
func (s *Service) Code(ctx context.Context, code, task, language string, hints router.Hints) (*CodeAnswer, *router.Result, error) {
	code = strings.TrimSpace(code)
	task = strings.TrimSpace(task)
	if code == "" && task == "" {
		return nil, nil, apierr.New(apierr.InvalidRequest, "provide either code or task")
	}
	language = strings.TrimSpace(language)
	if language == "" {
		language = defaultCodeLanguage
	}
	mode := CodeModeGenerate
	if code != "" {
		mode = CodeModeDebug
	}

	hints.PreferFast = true
	res, err := s.dispatch(ctx, models.CapabilityCode, router.Request{
		System:      tonePrompts["code"],
		Messages:    []router.Message{{Role: router.RoleUser, Content: codePrompt(code, task, language)}},
		MaxTokens:   3000,
		Temperature: 0.2,
	}, hints)
	if err != nil {
		return nil, nil, err
	}
	return &CodeAnswer{Response: res.Text, Language: language, Type: mode}, res, nil
}

func (s *Service) dispatch(ctx context.Context, capability models.Capability, req router.Request, hints router.Hints) (*router.Result, error) {
	res, err := s.router.Dispatch(ctx, capability, req, hints)
	if err != nil {
		s.reportUnavailable(ctx, capability, err)
		return nil, err
	}
	return res, nil
}

// reportUnavailable tells the operators when every backend failed a request
func (s *Service) reportUnavailable(ctx context.Context, capability models.Capability, err error) {
	if apierr.CodeOf(err) != apierr.AllBackendsUnavailable {
		return
	}
	failures := router.Failures(err)
	lines := make([]string, 0, len(failures))
	for _, f := range failures {
		lines = append(lines, f.String())
	}
	s.logger.Error("All backends unavailable",
		zap.String("capability", string(capability)),
		zap.Strings("failures", lines))
	s.notifier.Notify(ctx, notify.BackendsUnavailable(capability, lines, s.now()))
}
