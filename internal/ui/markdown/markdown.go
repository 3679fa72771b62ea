// Package markdown renders markdown as styled terminal output.
package markdown

import (
	"github.com/charmbracelet/glamour"
)

// noMarginStyle strips document margins so rendered output aligns with
// surrounding plain-text output instead of floating in a padded block.
// It inherits everything else from the auto (dark/light) style.
const noMarginStyle = `{
	"document": {
		"margin": 0,
		"block_prefix": "",
		"block_suffix": ""
	}
}`

// Renderer is a reusable glamour renderer with a fixed wrap width.
type Renderer struct {
	renderer *glamour.TermRenderer
	width    int
}

// New creates a renderer that word-wraps at the given width.
func New(width int) (*Renderer, error) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithStylesFromJSONBytes([]byte(noMarginStyle)),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, err
	}
	return &Renderer{renderer: r, width: width}, nil
}

// Width returns the configured word wrap width.
func (r *Renderer) Width() int {
	return r.width
}

// Render transforms markdown into styled terminal output.
func (r *Renderer) Render(text string) (string, error) {
	return r.renderer.Render(text)
}

// Render builds a one-shot renderer and renders text at the given width.
// CLI commands that print a single document use this instead of holding
// a Renderer.
func Render(text string, width int) (string, error) {
	r, err := New(width)
	if err != nil {
		return "", err
	}
	return r.Render(text)
}
