package models

// OpenAI-compatible chat completion wire format, spoken by perplexity and groq

type ChatCompletionRequest struct {
	Model            string                  `json:"model"`
	Messages         []ChatCompletionMessage `json:"messages"`
	Stream           bool                    `json:"stream,omitempty"`
	MaxTokens        int                     `json:"max_tokens,omitempty"`
	Temperature      float64                 `json:"temperature"`
	TopP             float64                 `json:"top_p,omitempty"`
	FrequencyPenalty float64                 `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64                 `json:"presence_penalty,omitempty"`

	// Perplexity search options
	SearchRecencyFilter    string `json:"search_recency_filter,omitempty"`
	ReturnImages           *bool  `json:"return_images,omitempty"`
	ReturnRelatedQuestions *bool  `json:"return_related_questions,omitempty"`
}

type ChatCompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAI Chat Completion Response
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *Usage                 `json:"usage,omitempty"`
	// Citations is a perplexity extension
	Citations []string `json:"citations,omitempty"`
}

type ChatCompletionChoice struct {
	Index        int                   `json:"index"`
	Message      ChatCompletionMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAI Stream Response
type ChatCompletionChunk struct {
	ID        string                      `json:"id"`
	Object    string                      `json:"object"`
	Created   int64                       `json:"created"`
	Model     string                      `json:"model"`
	Choices   []ChatCompletionChunkChoice `json:"choices"`
	Usage     *Usage                      `json:"usage,omitempty"`
	Citations []string                    `json:"citations,omitempty"`
}

type ChatCompletionChunkChoice struct {
	Index        int                 `json:"index"`
	Delta        ChatCompletionDelta `json:"delta"`
	FinishReason *string             `json:"finish_reason"` // Nullable
}

type ChatCompletionDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// APIErrorResponse is the error body returned by OpenAI-compatible providers
type APIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}
