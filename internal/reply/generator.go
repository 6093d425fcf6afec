package reply

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/deskmate/deskmate/internal/config"
	"github.com/deskmate/deskmate/internal/kb"
	"github.com/deskmate/deskmate/internal/llm"
	"github.com/deskmate/deskmate/internal/template"
)

const replyTemperature = 0.3

// Input is what the generator knows about the email being answered.
type Input struct {
	Sender    string
	Subject   string
	Body      string
	Sentiment string
	Priority  string
}

// Generator drafts replies with the model and falls back to a fixed template.
type Generator struct {
	model     llm.Completer
	retriever *kb.Retriever
	engine    *template.Engine
	timeout   time.Duration
	topK      int
	logger    *slog.Logger
}

func NewGenerator(model llm.Completer, retriever *kb.Retriever, engine *template.Engine, timeout time.Duration, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = config.DiscardLogger()
	}
	return &Generator{
		model:     model,
		retriever: retriever,
		engine:    engine,
		timeout:   timeout,
		topK:      kb.DefaultTopK,
		logger:    logger,
	}
}

// SetTopK changes how many knowledge-base documents go into the prompt.
func (g *Generator) SetTopK(k int) { g.topK = k }

// Generate always returns a reply unless the embedded templates are broken.
func (g *Generator) Generate(ctx context.Context, in Input) (string, error) {
	docs := g.retriever.Retrieve(in.Subject+"\n"+in.Body, g.topK)
	data := template.ReplyData{
		Sender:    in.Sender,
		Subject:   in.Subject,
		Body:      in.Body,
		Sentiment: in.Sentiment,
		Priority:  in.Priority,
		Knowledge: kb.FormatContext(docs),
	}

	system, err := g.engine.Render(template.ReplySystem, data)
	if err != nil {
		return "", fmt.Errorf("failed to build system prompt: %w", err)
	}
	prompt, err := g.engine.Render(template.ReplyPrompt, data)
	if err != nil {
		return "", fmt.Errorf("failed to build reply prompt: %w", err)
	}

	res := llm.Ask(ctx, g.model, g.timeout, llm.Request{
		System:      system,
		Prompt:      prompt,
		Temperature: replyTemperature,
	}, g.logger)
	if res.OK() {
		g.logger.Debug("reply drafted by model", "subject", in.Subject, "kb_docs", len(docs))
		return res.Text, nil
	}

	g.logger.Debug("reply drafted from template", "subject", in.Subject)
	return g.engine.Render(template.FallbackReply, data)
}
