package models

import "time"

// HTTP request/response models

// ChatRequest is the body of /v1/chat, /v1/stream and the websocket relay.
type ChatRequest struct {
	Question       string   `json:"question" binding:"required"`
	UserID         string   `json:"user_id,omitempty"`
	Language       string   `json:"language,omitempty"`
	Tone           string   `json:"tone,omitempty"`
	IncludeContext bool     `json:"include_context,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	Backend        string   `json:"backend,omitempty"`
	PreferSearch   bool     `json:"prefer_search,omitempty"`
}

// ChatResponse is returned by /v1/chat.
type ChatResponse struct {
	Success   bool       `json:"success"`
	Text      string     `json:"text"`
	Response  string     `json:"response"` // same as Text, kept for older clients
	Backend   string     `json:"backend"`
	Model     string     `json:"model"`
	LatencyMs int64      `json:"latency_ms"`
	Tokens    int        `json:"tokens"`
	Citations []string   `json:"citations,omitempty"`
	Usage     *UsageInfo `json:"usage,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// UsageInfo summarizes the key state after an accepted request.
type UsageInfo struct {
	RequestsUsed int64 `json:"requests_used"`
	Plan         Plan  `json:"plan"`
	Remaining    int   `json:"remaining"`
	Unlimited    bool  `json:"unlimited"`
}

// AnalyzeRequest is the body of /v1/analyze.
type AnalyzeRequest struct {
	Text    string `json:"text" binding:"required"`
	Backend string `json:"backend,omitempty"`
}

// AnalyzeResponse is returned by /v1/analyze.
type AnalyzeResponse struct {
	Success   bool     `json:"success"`
	Sentiment string   `json:"sentiment"`
	Score     float64  `json:"score"`
	Topics    []string `json:"topics"`
	Tone      string   `json:"tone"`
	Backend   string   `json:"backend"`
	LatencyMs int64    `json:"latency_ms"`
}

// SummarizeRequest is the body of /v1/summarize.
type SummarizeRequest struct {
	Content string `json:"content" binding:"required"`
	Style   string `json:"style,omitempty"`
	Backend string `json:"backend,omitempty"`
}

// SummarizeResponse is returned by /v1/summarize.
type SummarizeResponse struct {
	Success          bool    `json:"success"`
	Summary          string  `json:"summary"`
	Style            string  `json:"style"`
	OriginalLength   int     `json:"original_length"`
	SummaryLength    int     `json:"summary_length"`
	CompressionRatio float64 `json:"compression_ratio"`
	Backend          string  `json:"backend"`
	LatencyMs        int64   `json:"latency_ms"`
}

// CodeRequest is the body of /v1/code. Exactly one of Code or Task is expected.
type CodeRequest struct {
	Code     string `json:"code,omitempty"`
	Task     string `json:"task,omitempty"`
	Language string `json:"language,omitempty"`
	Backend  string `json:"backend,omitempty"`
}

// CodeResponse is returned by /v1/code.
type CodeResponse struct {
	Success   bool   `json:"success"`
	Response  string `json:"response"`
	Language  string `json:"language"`
	Type      string `json:"type"`
	Backend   string `json:"backend"`
	LatencyMs int64  `json:"latency_ms"`
}

// ClearRequest is the body of /v1/clear.
type ClearRequest struct {
	UserID string `json:"user_id,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// ErrorDetail provides error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Type    string      `json:"type"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}
