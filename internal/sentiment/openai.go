package sentiment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	openai "github.com/sashabaranov/go-openai"
)

const (
	Positive   = "positive"
	Neutral    = "neutral"
	Negative   = "negative"
	Frustrated = "frustrated"
	Unknown    = "unknown"

	defaultModel    = openai.GPT4oMini
	defaultMaxChars = 1000
)

var ErrEmptyResponse = errors.New("sentiment: empty completion")

type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	// MaxChars caps how much of the transcript is sent.
	MaxChars int
}

// Classifier labels call transcripts with a one-word sentiment using an
// OpenAI-compatible chat completion endpoint.
type Classifier struct {
	client   *openai.Client
	model    string
	maxChars int
}

func New(cfg Config) *Classifier {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	return &Classifier{
		client:   openai.NewClientWithConfig(oc),
		model:    model,
		maxChars: maxChars,
	}
}

// Classify returns one of positive, neutral, negative, frustrated or unknown.
// An empty transcript is unknown without a request.
func (c *Classifier) Classify(ctx context.Context, transcript string) (string, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return Unknown, nil
	}
	if r := []rune(transcript); len(r) > c.maxChars {
		transcript = string(r[:c.maxChars])
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.model,
		MaxTokens: 5,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			Content: "Classify this call transcript as exactly one word: " +
				"positive, neutral, negative, or frustrated.\n\n" + transcript,
		}},
	})
	if err != nil {
		return "", fmt.Errorf("sentiment: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return Normalize(resp.Choices[0].Message.Content), nil
}

// Normalize maps a free-form model answer onto the label set.
func Normalize(raw string) string {
	word := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.IndexFunc(word, unicode.IsSpace); i >= 0 {
		word = word[:i]
	}
	word = strings.TrimFunc(word, func(r rune) bool { return !unicode.IsLetter(r) })
	switch word {
	case Positive, Neutral, Negative, Frustrated:
		return word
	}
	return Unknown
}
