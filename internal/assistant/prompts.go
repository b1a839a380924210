package assistant

import (
	"fmt"
	"strings"

	"github.com/antigravity/keygate/internal/models"
	"github.com/antigravity/keygate/internal/router"
)

const (
	defaultTone     = "default"
	defaultLanguage = "english"
)

var tonePrompts = map[string]string{
	"default":      "You are a highly intelligent AI assistant. Be helpful, accurate, and concise.",
	"creative":     "You are a creative AI assistant with imagination and flair. Be innovative and think outside the box.",
	"professional": "You are a professional AI assistant. Provide formal, well-structured responses suitable for business contexts.",
	"casual":       "You are a friendly AI assistant. Use casual language and be conversational.",
	"educational":  "You are an educational AI tutor. Explain concepts clearly with examples and step-by-step guidance.",
	"code":         "You are an expert programming assistant. Provide clean, efficient code with explanations.",
	"analyst":      "You are a data analyst. Provide detailed analysis with insights and actionable recommendations.",
}

// 语言名称映射
var languageNames = map[string]string{
	"hindi":    "हिंदी",
	"spanish":  "Español",
	"french":   "Français",
	"german":   "Deutsch",
	"chinese":  "中文",
	"japanese": "日本語",
	"arabic":   "العربية",
}

var summaryPrompts = map[string]string{
	StyleConcise:  "Summarize in 2-3 clear, concise sentences:",
	StyleBullet:   "Summarize in 5-7 bullet points covering key information:",
	StyleDetailed: "Provide a detailed, comprehensive summary covering all major points:",
}

// Tones lists the supported tone names
func Tones() []string {
	return []string{"default", "creative", "professional", "casual", "educational", "code", "analyst"}
}

// systemPrompt returns the tone prompt followed by a language instruction when needed.
// Unknown tones fall back to the default prompt.
func systemPrompt(tone, language string) string {
	prompt, ok := tonePrompts[strings.ToLower(strings.TrimSpace(tone))]
	if !ok {
		prompt = tonePrompts[defaultTone]
	}
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" || lang == defaultLanguage {
		return prompt
	}
	name, ok := languageNames[lang]
	if !ok {
		name = strings.TrimSpace(language)
	}
	return prompt + fmt.Sprintf("\n\nIMPORTANT: Respond in %s language.", name)
}

// historyMessages turns the last window turns into alternating user/assistant messages
func historyMessages(turns []models.Turn, window int) []router.Message {
	if window > 0 && len(turns) > window {
		turns = turns[len(turns)-window:]
	}
	messages := make([]router.Message, 0, len(turns)*2)
	for _, t := range turns {
		messages = append(messages,
			router.Message{Role: router.RoleUser, Content: t.User},
			router.Message{Role: router.RoleAssistant, Content: t.Assistant},
		)
	}
	return messages
}

func analysisPrompt(text string) string {
	return "Analyze the following text. Reply with a single JSON object and nothing else, using the keys " +
		`"sentiment" (one of positive, negative, neutral, mixed), "score" (a number from -1 to 1), ` +
		`"topics" (up to 8 short strings) and "tone" (one or two words).` +
		"\n\nText: " + text
}

func codePrompt(code, task, language string) string {
	if code != "" {
		return fmt.Sprintf("Analyze this %s code: explain, find bugs, suggest improvements.\n\n```%s\n%s\n```", language, language, code)
	}
	return fmt.Sprintf("Generate clean %s code for: %s\n\nInclude: code with comments, usage example.", language, task)
}

var codeKeywords = []string{"code", "python", "javascript", "function", "class", "api", "debug"}

// looksLikeCode reports whether a chat question is about programming, which the fast backend serves well
func looksLikeCode(question string) bool {
	q := strings.ToLower(question)
	for _, kw := range codeKeywords {
		if strings.Contains(q, kw) {
			return true
		}
	}
	return false
}
