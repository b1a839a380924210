package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/antigravity/keygate/internal/apierr"
	"github.com/antigravity/keygate/internal/assistant"
	"github.com/antigravity/keygate/internal/entitlement"
	"github.com/antigravity/keygate/internal/models"
	"github.com/antigravity/keygate/internal/router"
)

// begin runs the entitlement checks for the request's key. On failure the error response is
// already written.
func (s *Server) begin(c *gin.Context, capability models.Capability, opts entitlement.Options) (*entitlement.Grant, bool) {
	grant, err := s.deps.Engine.Begin(c.Request.Context(), c.GetString(ctxAPIKey), capability, opts)
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	return grant, true
}

// settle commits the grant when the request was served and releases it otherwise. The commit
// must not be lost to a client that disconnects right after the answer.
func (s *Server) settle(c *gin.Context, grant *entitlement.Grant, served error) (*models.UsageInfo, error) {
	if served != nil {
		grant.Release()
		return nil, served
	}
	if err := grant.Commit(context.WithoutCancel(c.Request.Context())); err != nil {
		return nil, err
	}
	return usageInfo(grant.Decision()), nil
}

func usageInfo(d entitlement.Decision) *models.UsageInfo {
	return &models.UsageInfo{
		RequestsUsed: d.Key.Usage,
		Plan:         d.Key.Plan,
		Remaining:    d.Remaining,
		Unlimited:    d.Remaining == entitlement.Unlimited,
	}
}

func parseHints(backend string, preferSearch bool) (router.Hints, error) {
	hints := router.Hints{PreferSearch: preferSearch}
	if strings.TrimSpace(backend) == "" {
		return hints, nil
	}
	b, err := router.ParseBackend(backend)
	if err != nil {
		return hints, apierr.Wrap(apierr.InvalidRequest, err, "invalid backend")
	}
	hints.Preferred = b
	return hints, nil
}

func chatInput(req *models.ChatRequest, principal string, hints router.Hints) assistant.ChatInput {
	return assistant.ChatInput{
		Principal:      principal,
		Question:       req.Question,
		Language:       req.Language,
		Tone:           req.Tone,
		IncludeContext: req.IncludeContext,
		MaxTokens:      req.MaxTokens,
		Temperature:    req.Temperature,
		Hints:          hints,
	}
}

func chatOptions(req *models.ChatRequest) entitlement.Options {
	return entitlement.Options{Language: req.Language, Tone: req.Tone, IncludeContext: req.IncludeContext}
}

func (s *Server) chat(c *gin.Context) {
	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, invalidRequest(err))
		return
	}
	hints, err := parseHints(req.Backend, req.PreferSearch)
	if err != nil {
		s.respondError(c, err)
		return
	}

	grant, ok := s.begin(c, models.CapabilityChat, chatOptions(&req))
	if !ok {
		return
	}
	res, err := s.deps.Assistant.Chat(c.Request.Context(), chatInput(&req, grant.Decision().Key.Principal, hints))
	usage, err := s.settle(c, grant, err)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.ChatResponse{
		Success:   true,
		Text:      res.Text,
		Response:  res.Text,
		Backend:   string(res.Backend),
		Model:     res.Model,
		LatencyMs: res.Latency.Milliseconds(),
		Tokens:    res.TotalTokens,
		Citations: res.Citations,
		Usage:     usage,
		Timestamp: s.now(),
	})
}

func (s *Server) analyze(c *gin.Context) {
	var req models.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, invalidRequest(err))
		return
	}
	hints, err := parseHints(req.Backend, false)
	if err != nil {
		s.respondError(c, err)
		return
	}

	grant, ok := s.begin(c, models.CapabilityAnalyze, entitlement.Options{})
	if !ok {
		return
	}
	analysis, res, err := s.deps.Assistant.Analyze(c.Request.Context(), req.Text, hints)
	if _, err := s.settle(c, grant, err); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.AnalyzeResponse{
		Success:   true,
		Sentiment: analysis.Sentiment,
		Score:     analysis.Score,
		Topics:    analysis.Topics,
		Tone:      analysis.Tone,
		Backend:   string(res.Backend),
		LatencyMs: res.Latency.Milliseconds(),
	})
}

func (s *Server) summarize(c *gin.Context) {
	var req models.SummarizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, invalidRequest(err))
		return
	}
	hints, err := parseHints(req.Backend, false)
	if err != nil {
		s.respondError(c, err)
		return
	}

	grant, ok := s.begin(c, models.CapabilitySummarize, entitlement.Options{})
	if !ok {
		return
	}
	summary, res, err := s.deps.Assistant.Summarize(c.Request.Context(), req.Content, req.Style, hints)
	if _, err := s.settle(c, grant, err); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.SummarizeResponse{
		Success:          true,
		Summary:          summary.Summary,
		Style:            summary.Style,
		OriginalLength:   summary.OriginalLength,
		SummaryLength:    summary.SummaryLength,
		CompressionRatio: summary.CompressionRatio,
		Backend:          string(res.Backend),
		LatencyMs:        res.Latency.Milliseconds(),
	})
}

func (s *Server) code(c *gin.Context) {
	var req models.CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, invalidRequest(err))
		return
	}
	hints, err := parseHints(req.Backend, false)
	if err != nil {
		s.respondError(c, err)
		return
	}

	grant, ok := s.begin(c, models.CapabilityCode, entitlement.Options{})
	if !ok {
		return
	}
	answer, res, err := s.deps.Assistant.Code(c.Request.Context(), req.Code, req.Task, req.Language, hints)
	if _, err := s.settle(c, grant, err); err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.CodeResponse{
		Success:   true,
		Response:  answer.Response,
		Language:  answer.Language,
		Type:      answer.Type,
		Backend:   string(res.Backend),
		LatencyMs: res.Latency.Milliseconds(),
	})
}

// clearContext drops the conversation history of the key's principal. It needs no capability and
// consumes no usage.
func (s *Server) clearContext(c *gin.Context) {
	var req models.ClearRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, invalidRequest(err))
			return
		}
	}

	d, err := s.deps.Engine.Validate(c.Request.Context(), c.GetString(ctxAPIKey))
	if err != nil {
		s.respondError(c, err)
		return
	}
	principal := d.Key.Principal
	if req.UserID != "" && req.UserID != principal {
		s.respondError(c, apierr.New(apierr.InvalidRequest, "user_id does not belong to this key"))
		return
	}

	if err := s.deps.Contexts.Clear(c.Request.Context(), principal); err != nil {
		s.respondError(c, apierr.Storage(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "conversation context cleared"})
}

// validateKey reports the key's standing without consuming usage
func (s *Server) validateKey(c *gin.Context) {
	d, err := s.deps.Engine.Validate(c.Request.Context(), c.GetString(ctxAPIKey))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"authorized": true,
		"plan":       d.Key.Plan,
		"usage":      d.Key.Usage,
		"active":     d.Key.Active,
		"created_at": d.Key.CreatedAt,
		"expires_at": d.Key.ExpiresAt,
		"remaining":  d.Remaining,
	})
}

func (s *Server) keyUsage(c *gin.Context) {
	d, err := s.deps.Engine.Validate(c.Request.Context(), c.GetString(ctxAPIKey))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"key":           models.MaskToken(d.Key.Token),
		"plan":          d.Key.Plan,
		"requests_used": d.Key.Usage,
		"active":        d.Key.Active,
		"expires_at":    d.Key.ExpiresAt,
		"remaining":     d.Remaining,
		"unlimited":     d.Remaining == entitlement.Unlimited,
		"capabilities":  d.Tier.Capabilities,
	})
}
