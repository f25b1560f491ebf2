package sender

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer personalizes subjects and bodies with Liquid. Parsed templates are
// cached per source text.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // source -> *liquid.Template
}

// NewRenderer returns a renderer with the default filter set plus
// "first_name" ({{ name | first_name }}).
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()
	engine.RegisterFilter("first_name", func(s string) string {
		if f := strings.Fields(s); len(f) > 0 {
			return f[0]
		}
		return s
	})
	return &Renderer{engine: engine}
}

// Parse checks a template for syntax errors.
func (r *Renderer) Parse(src string) error {
	_, err := r.template(src)
	return err
}

// Render executes src with the recipient bindings "name" and "email".
func (r *Renderer) Render(src, name, email string) (string, error) {
	if !strings.Contains(src, "{{") && !strings.Contains(src, "{%") {
		return src, nil
	}
	tpl, err := r.template(src)
	if err != nil {
		return "", err
	}
	out, rerr := tpl.RenderString(map[string]interface{}{
		"name":  name,
		"email": email,
	})
	if rerr != nil {
		return "", fmt.Errorf("render template: %w", rerr)
	}
	return out, nil
}

func (r *Renderer) template(src string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(src); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	r.cache.Store(src, tpl)
	return tpl, nil
}
