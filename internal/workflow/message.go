package workflow

import (
	"fmt"
	"sync"

	"github.com/osteele/liquid"
)

// Default escalation message templates.
const (
	DefaultEscalationTitle   = "Workflow escalation"
	DefaultEscalationMessage = "Workflow {{ workflow }} escalated to level {{ level }}"
)

// MessageRenderer renders Liquid templates for workflow notifications. Parsed
// templates are cached by source.
type MessageRenderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewMessageRenderer creates a renderer with a default Liquid engine.
func NewMessageRenderer() *MessageRenderer {
	return &MessageRenderer{engine: liquid.NewEngine()}
}

// Render renders src with bindings. On a parse or render error the source is returned
// together with the error.
func (r *MessageRenderer) Render(src string, bindings map[string]interface{}) (string, error) {
	if src == "" {
		return "", nil
	}
	var tpl *liquid.Template
	if cached, ok := r.cache.Load(src); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(src)
		if err != nil {
			return src, fmt.Errorf("failed to parse message template: %w", err)
		}
		r.cache.Store(src, parsed)
		tpl = parsed
	}
	out, err := tpl.RenderString(bindings)
	if err != nil {
		return src, fmt.Errorf("failed to render message template: %w", err)
	}
	return out, nil
}
