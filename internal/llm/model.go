package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/deskmate/deskmate/internal/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// ErrUnavailable is returned by a Completer that has no model behind it.
var ErrUnavailable = errors.New("language model unavailable")

// Request is a single completion call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
}

// Completer produces text for a prompt.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Disabled is the Completer used when no credentials are configured.
type Disabled struct{}

func (Disabled) Complete(context.Context, Request) (string, error) {
	return "", ErrUnavailable
}

// Model wraps a langchaingo model for text generation.
type Model struct {
	llm       llms.Model
	modelName string
}

// NewModel creates an LLM model based on configuration.
func NewModel(cfg config.LLMConfig) (*Model, error) {
	var model llms.Model
	var err error

	switch cfg.Provider {
	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.Model),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.APIKey),
			openai.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.APIKey),
			anthropic.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}

	return &Model{
		llm:       model,
		modelName: cfg.Model,
	}, nil
}

// New returns a Completer for cfg. Missing credentials or a construction
// failure yield Disabled so callers always take their fallback path.
func New(cfg config.LLMConfig, logger *slog.Logger) Completer {
	if logger == nil {
		logger = config.DiscardLogger()
	}
	if !cfg.Enabled() {
		logger.Info("language model disabled, using keyword and template fallbacks", "provider", cfg.Provider)
		return Disabled{}
	}
	m, err := NewModel(cfg)
	if err != nil {
		logger.Warn("language model unavailable, using fallbacks", "provider", cfg.Provider, "error", err)
		return Disabled{}
	}
	logger.Info("language model ready", "provider", cfg.Provider, "model", m.Name())
	return m
}

// Complete sends an optional system instruction and a user prompt.
func (m *Model) Complete(ctx context.Context, req Request) (string, error) {
	var messages []llms.MessageContent
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, req.Prompt))

	response, err := m.llm.GenerateContent(ctx, messages, llms.WithTemperature(req.Temperature))
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}
	return response.Choices[0].Content, nil
}

// Name returns the LLM model name.
func (m *Model) Name() string {
	return m.modelName
}

// Result is the outcome of a model call. A failed call carries Err and no text.
type Result struct {
	Text string
	Err  error
}

// OK reports whether the call produced usable text.
func (r Result) OK() bool {
	return r.Err == nil && r.Text != ""
}

// Ask runs req against c bounded by timeout and never returns an error:
// failures are folded into the Result and logged at debug level.
func Ask(ctx context.Context, c Completer, timeout time.Duration, req Request, logger *slog.Logger) Result {
	if c == nil {
		return Result{Err: ErrUnavailable}
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	text, err := c.Complete(ctx, req)
	if err != nil {
		if logger != nil && !errors.Is(err, ErrUnavailable) {
			logger.Debug("model call failed, falling back", "error", err)
		}
		return Result{Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Err: fmt.Errorf("empty completion")}
	}
	return Result{Text: text}
}
