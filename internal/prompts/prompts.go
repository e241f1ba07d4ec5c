// Package prompts implements named prompt templates with {{variable}}
// placeholders.
package prompts

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"

	conduit "github.com/conduitproxy/conduit/internal"
	"github.com/conduitproxy/conduit/internal/storage"
)

// placeholderRe matches {{name}} placeholders. Names are word characters,
// optionally padded with spaces inside the braces.
var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Renderer resolves stored templates and substitutes variables.
type Renderer struct {
	store storage.PromptStore
}

// NewRenderer returns a Renderer backed by store.
func NewRenderer(store storage.PromptStore) *Renderer {
	return &Renderer{store: store}
}

// Create validates and persists a new template.
func (r *Renderer) Create(ctx context.Context, name, template string) (*conduit.PromptTemplate, error) {
	if name == "" {
		return nil, conduit.NewRequestError(conduit.ErrValidation, "prompt name is required")
	}
	if template == "" {
		return nil, conduit.NewRequestError(conduit.ErrValidation, "prompt template is required")
	}
	p := &conduit.PromptTemplate{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Name:      name,
		Template:  template,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.store.CreatePrompt(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Render looks up the template by name and substitutes variables. Every
// placeholder must be bound; an unbound placeholder is a validation error
// naming the missing variable.
func (r *Renderer) Render(ctx context.Context, name string, variables map[string]string) (string, error) {
	p, err := r.store.GetPromptByName(ctx, name)
	if err != nil {
		return "", err
	}
	return Substitute(p.Template, variables)
}

// Substitute replaces every {{variable}} in template with its value.
func Substitute(template string, variables map[string]string) (string, error) {
	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := variables[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", conduit.NewRequestError(conduit.ErrValidation,
			"missing template variable %q", missing[0]).
			WithDetail("missing_variables", missing)
	}
	return out, nil
}

// Variables returns the distinct placeholder names in template, in order of
// first appearance.
func Variables(template string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range placeholderRe.FindAllStringSubmatch(template, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}
