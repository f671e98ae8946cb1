package multiagent

import (
	"fmt"
	"strings"
	"text/template"

	"orchestra-ai/internal/domain"
)

// promptBody turns a task payload into the prompt handed to a runner. The set
// of implementations is closed and chosen once, when a definition is registered.
type promptBody interface {
	kind() domain.SourceKind
	render(in promptInput) (string, error)
}

// promptInput is the data visible to a prompt template.
type promptInput struct {
	TaskID  string
	Payload string
	Context map[string]string
	Agent   domain.AgentDefinition
}

// structuredBody passes the payload through unchanged; request context
// reaches the runner through AgentCall.Context.
type structuredBody struct{}

func (structuredBody) kind() domain.SourceKind { return domain.SourceStructured }

func (structuredBody) render(in promptInput) (string, error) { return in.Payload, nil }

// templatedBody renders a compiled text/template.
type templatedBody struct {
	tmpl *template.Template
}

func (templatedBody) kind() domain.SourceKind { return domain.SourceTemplated }

func (b templatedBody) render(in promptInput) (string, error) {
	var sb strings.Builder
	if err := b.tmpl.Execute(&sb, in); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return sb.String(), nil
}

var promptFuncs = template.FuncMap{
	"join":  strings.Join,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"trim":  strings.TrimSpace,
	"default": func(def, v string) string {
		if v == "" {
			return def
		}
		return v
	},
}

// resolveBody picks the prompt strategy for a definition.
func resolveBody(def domain.AgentDefinition) (promptBody, error) {
	switch def.SourceKind {
	case domain.SourceStructured:
		return structuredBody{}, nil
	case domain.SourceTemplated:
		if strings.TrimSpace(def.Prompt) == "" {
			return nil, fmt.Errorf("templated agent %q has no prompt text", def.ID)
		}
		tmpl, err := template.New(def.ID).
			Option("missingkey=zero").
			Funcs(promptFuncs).
			Parse(def.Prompt)
		if err != nil {
			return nil, fmt.Errorf("compile prompt template: %w", err)
		}
		return templatedBody{tmpl: tmpl}, nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", def.SourceKind)
	}
}
