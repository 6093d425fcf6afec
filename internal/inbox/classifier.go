package inbox

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/deskmate/deskmate/internal/config"
	"github.com/deskmate/deskmate/internal/llm"
)

// Sentiment is the customer's tone as seen by the desk.
type Sentiment string

const (
	SentimentPositive Sentiment = "Positive"
	SentimentNegative Sentiment = "Negative"
	SentimentNeutral  Sentiment = "Neutral"
)

// Priority decides where an email sits in the queue.
type Priority string

const (
	PriorityUrgent    Priority = "Urgent"
	PriorityNotUrgent Priority = "Not urgent"
)

// Keyword sets for the sentiment fallback. Matching is by substring.
var (
	negativeWords = []string{
		"immediately", "urgent", "cannot", "error", "down", "failed", "critical",
		"asap", "blocked", "not working", "issue", "frustrated", "angry", "delay",
		"access", "locked",
	}

	positiveWords = []string{
		"thanks", "thank you", "great", "appreciate", "working", "resolved", "love", "happy",
	}

	urgentTokens = []string{
		"immediately", "urgent", "critical", "cannot access", "down", "asap", "blocked",
		"high priority", "severe", "production", "p0", "p1",
	}
)

const sentimentPrompt = "Classify the sentiment of the following customer email as Positive, Negative, or Neutral. Only return one word.\n\nEmail:\n"

// FallbackSentiment scores text against the keyword sets: each negative
// keyword present subtracts one, each positive keyword adds one.
func FallbackSentiment(text string) Sentiment {
	lower := strings.ToLower(text)
	score := 0
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			score--
		}
	}
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			score++
		}
	}

	switch {
	case score > 0:
		return SentimentPositive
	case score < 0:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// ParseSentiment maps a free-form model answer onto a Sentiment by prefix.
func ParseSentiment(answer string) Sentiment {
	a := strings.ToLower(strings.TrimSpace(answer))
	switch {
	case strings.HasPrefix(a, "pos"):
		return SentimentPositive
	case strings.HasPrefix(a, "neg"):
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// SentimentClassifier asks the model first and falls back to keyword scoring
// whenever the model is absent or fails.
type SentimentClassifier struct {
	model   llm.Completer
	timeout time.Duration
	logger  *slog.Logger
}

func NewSentimentClassifier(model llm.Completer, timeout time.Duration, logger *slog.Logger) *SentimentClassifier {
	if logger == nil {
		logger = config.DiscardLogger()
	}
	return &SentimentClassifier{model: model, timeout: timeout, logger: logger}
}

// Classify never fails; the worst case is the keyword heuristic.
func (c *SentimentClassifier) Classify(ctx context.Context, text string) Sentiment {
	res := llm.Ask(ctx, c.model, c.timeout, llm.Request{
		Prompt:      sentimentPrompt + text,
		Temperature: 0,
	}, c.logger)
	if res.OK() {
		return ParseSentiment(res.Text)
	}
	return FallbackSentiment(text)
}

// ClassifyPriority marks text Urgent when any urgency token appears in it.
func ClassifyPriority(text string) Priority {
	lower := strings.ToLower(text)
	for _, tok := range urgentTokens {
		if strings.Contains(lower, tok) {
			return PriorityUrgent
		}
	}
	return PriorityNotUrgent
}
