package template

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var embeddedTemplates embed.FS

// Template names.
const (
	FallbackReply = "fallback_reply"
	ReplySystem   = "reply_system"
	ReplyPrompt   = "reply_prompt"
)

// ReplyData contains all data available to reply templates
type ReplyData struct {
	Sender    string
	Subject   string
	Body      string
	Sentiment string
	Priority  string
	Knowledge string // formatted knowledge-base context
}

// Negative reports whether the fallback should open with an apology.
func (d ReplyData) Negative() bool {
	return d.Sentiment == "Negative"
}

// Engine handles reply template rendering
type Engine struct {
	templates map[string]*template.Template
}

// NewEngine parses the embedded templates
func NewEngine() (*Engine, error) {
	e := &Engine{
		templates: make(map[string]*template.Template),
	}

	for _, name := range []string{FallbackReply, ReplySystem, ReplyPrompt} {
		content, err := embeddedTemplates.ReadFile("templates/" + name + ".tmpl")
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded template %s: %w", name, err)
		}

		tmpl, err := template.New(name).Option("missingkey=error").Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}

		e.templates[name] = tmpl
	}

	return e, nil
}

// MustEngine is NewEngine for callers that treat a broken embed as a bug.
func MustEngine() *Engine {
	e, err := NewEngine()
	if err != nil {
		panic(err)
	}
	return e
}

// Render executes a template. The file's trailing newline is not part of the output.
func (e *Engine) Render(name string, data ReplyData) (string, error) {
	tmpl, ok := e.templates[name]
	if !ok {
		return "", fmt.Errorf("unknown template: %s", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
