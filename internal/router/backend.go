// Package router dispatches capability requests to the configured AI backends with ordered failover.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antigravity/keygate/internal/models"
)

// Backend names one of the supported providers
type Backend string

const (
	Perplexity Backend = "perplexity"
	Gemini     Backend = "gemini"
	Groq       Backend = "groq"
)

// ParseBackend validates a backend name
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case Perplexity, Gemini, Groq:
		return b, nil
	}
	return "", fmt.Errorf("unknown backend %q", s)
}

// Tag describes a backend trait used for candidate ordering
type Tag string

const (
	TagSearch    Tag = "search"
	TagFast      Tag = "fast"
	TagStreaming Tag = "streaming"
)

// Message is one turn of the prompt
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is a normalized completion request
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Hints influence candidate ordering
type Hints struct {
	Preferred    Backend
	PreferSearch bool
	PreferFast   bool
}

// Result is a normalized backend response
type Result struct {
	Text             string        `json:"text"`
	Citations        []string      `json:"citations,omitempty"`
	Model            string        `json:"model"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	Backend          Backend       `json:"backend"`
	Latency          time.Duration `json:"latency"`
}

// EmitFunc receives streamed text chunks. Returning an error stops the stream.
type EmitFunc func(chunk string) error

// Client is one backend provider
type Client interface {
	Name() Backend
	Tags() []Tag
	Supports(capability models.Capability) bool
	Complete(ctx context.Context, req Request) (*Result, error)
	// Stream emits text as it arrives and returns the aggregated result
	Stream(ctx context.Context, req Request, emit EmitFunc) (*Result, error)
}

// textCapabilities are served by every text backend
var textCapabilities = map[models.Capability]bool{
	models.CapabilityChat:      true,
	models.CapabilityAnalyze:   true,
	models.CapabilitySummarize: true,
	models.CapabilityCode:      true,
	models.CapabilityStream:    true,
}

func hasTag(tags []Tag, tag Tag) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
