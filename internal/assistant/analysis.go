package assistant

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"unicode"
)

const maxTopics = 8

const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
	SentimentMixed    = "mixed"
)

// Analysis is the structured result of Analyze
type Analysis struct {
	Sentiment string   `json:"sentiment"`
	Score     float64  `json:"score"`
	Topics    []string `json:"topics"`
	Tone      string   `json:"tone"`
}

var positiveWords = toSet("good", "great", "excellent", "amazing", "awesome", "love", "like", "happy", "glad",
	"best", "wonderful", "fantastic", "nice", "enjoy", "enjoyed", "pleased", "perfect", "helpful", "thanks",
	"thank", "brilliant", "positive", "success", "successful", "easy", "fast", "recommend", "beautiful")

var negativeWords = toSet("bad", "terrible", "awful", "horrible", "hate", "dislike", "sad", "angry", "worst",
	"poor", "broken", "slow", "bug", "bugs", "fail", "failed", "failure", "problem", "problems", "issue",
	"issues", "wrong", "difficult", "annoying", "disappointed", "disappointing", "negative", "error", "crash")

var formalWords = toSet("therefore", "furthermore", "however", "regarding", "accordingly", "hereby",
	"consequently", "moreover", "pursuant", "sincerely")

var stopWords = toSet("the", "and", "that", "this", "with", "from", "have", "has", "had", "was", "were",
	"are", "is", "for", "not", "but", "you", "your", "they", "them", "their", "there", "what", "when",
	"where", "which", "who", "will", "would", "could", "should", "about", "into", "than", "then", "been",
	"being", "just", "also", "very", "more", "most", "some", "such", "only", "over", "other", "because",
	"while", "after", "before", "these", "those", "here", "each", "much", "many", "does", "did", "done",
	"can", "our", "out", "all", "any", "its", "it's", "i'm", "really")

func toSet(words ...string) map[string]bool {
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// lexicalAnalysis is the deterministic analyzer used when the backend reply cannot be parsed
func lexicalAnalysis(text string) Analysis {
	words := tokenize(text)

	var pos, neg int
	for _, w := range words {
		switch {
		case positiveWords[w]:
			pos++
		case negativeWords[w]:
			neg++
		}
	}

	a := Analysis{Topics: lexicalTopics(words), Tone: lexicalTone(text, words)}
	if pos+neg > 0 {
		a.Score = round2(float64(pos-neg) / float64(pos+neg))
	}
	a.Sentiment = sentimentOf(a.Score, pos > 0 && neg > 0)
	return a
}

func sentimentOf(score float64, both bool) string {
	switch {
	case both && math.Abs(score) < 0.34:
		return SentimentMixed
	case score > 0.2:
		return SentimentPositive
	case score < -0.2:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// lexicalTopics picks the most frequent content words, ties broken by first appearance
func lexicalTopics(words []string) []string {
	type candidate struct {
		word  string
		count int
		first int
	}
	seen := make(map[string]*candidate)
	var list []*candidate
	for i, w := range words {
		if len([]rune(w)) < 4 || stopWords[w] || positiveWords[w] || negativeWords[w] {
			continue
		}
		if c, ok := seen[w]; ok {
			c.count++
			continue
		}
		c := &candidate{word: w, count: 1, first: i}
		seen[w] = c
		list = append(list, c)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].count != list[j].count {
			return list[i].count > list[j].count
		}
		return list[i].first < list[j].first
	})

	topics := make([]string, 0, maxTopics)
	for _, c := range list {
		if len(topics) == maxTopics {
			break
		}
		topics = append(topics, c.word)
	}
	return topics
}

func lexicalTone(text string, words []string) string {
	exclamations := strings.Count(text, "!")
	questions := strings.Count(text, "?")
	formal := 0
	for _, w := range words {
		if formalWords[w] {
			formal++
		}
	}
	switch {
	case exclamations >= 2:
		return "enthusiastic"
	case questions > 0 && questions >= exclamations:
		return "inquisitive"
	case formal > 0:
		return "formal"
	default:
		return "neutral"
	}
}

// parseAnalysis extracts the JSON object from a backend reply. Missing fields are filled from the
// lexical analysis of the original text.
func parseAnalysis(reply, text string) (Analysis, bool) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return lexicalAnalysis(text), false
	}

	var raw struct {
		Sentiment string   `json:"sentiment"`
		Score     *float64 `json:"score"`
		Topics    []string `json:"topics"`
		Tone      string   `json:"tone"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return lexicalAnalysis(text), false
	}

	fallback := lexicalAnalysis(text)
	a := Analysis{Tone: strings.ToLower(strings.TrimSpace(raw.Tone))}

	switch s := strings.ToLower(strings.TrimSpace(raw.Sentiment)); s {
	case SentimentPositive, SentimentNegative, SentimentNeutral, SentimentMixed:
		a.Sentiment = s
	default:
		a.Sentiment = fallback.Sentiment
	}

	if raw.Score != nil && !math.IsNaN(*raw.Score) {
		a.Score = round2(math.Max(-1, math.Min(1, *raw.Score)))
	} else {
		a.Score = fallback.Score
	}

	for _, t := range raw.Topics {
		if t = strings.TrimSpace(t); t != "" && len(a.Topics) < maxTopics {
			a.Topics = append(a.Topics, t)
		}
	}
	if len(a.Topics) == 0 {
		a.Topics = fallback.Topics
	}
	if a.Tone == "" {
		a.Tone = fallback.Tone
	}
	return a, true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
