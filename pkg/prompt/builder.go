// Package prompt renders the text sent to the generative models.
package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"math/rand"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var defaultTemplates embed.FS

// wordsPerSecond is a comfortable narration pace.
const wordsPerSecond = 2.5

// VideoData is the input of the "video" template.
type VideoData struct {
	Description   string
	Style         string
	CharacterLock string
	Continuation  bool
	Previous      string // prompt of the scene being continued
}

// ScriptData is the input of the "script" template.
type ScriptData struct {
	Description string
	Style       string
	MaxSeconds  int
	MaxWords    int
}

// Builder renders prompts from templates.
type Builder struct {
	root *template.Template
}

// NewBuilder loads the built-in templates.
func NewBuilder() (*Builder, error) {
	root, err := template.New("root").Funcs(template.FuncMap{
		"pick": pickFunc,
	}).ParseFS(defaultTemplates, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parsing prompt templates: %w", err)
	}
	return &Builder{root: root}, nil
}

// Render executes the named template with the provided data.
func (b *Builder) Render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := b.root.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// Video augments a user scene description for the video model.
// User supplied text is sanitised first.
func (b *Builder) Video(d VideoData) (string, error) {
	d.Description = Sanitize(d.Description)
	d.CharacterLock = Sanitize(d.CharacterLock)
	d.Previous = Sanitize(d.Previous)
	if d.Description == "" {
		return "", fmt.Errorf("empty scene description")
	}
	return b.Render("video", d)
}

// Script builds the narration-writing prompt for a scene of the given length.
func (b *Builder) Script(description, style string, seconds int) (string, error) {
	description = Sanitize(description)
	if description == "" {
		return "", fmt.Errorf("empty scene description")
	}
	if seconds <= 0 {
		seconds = 5
	}
	return b.Render("script", ScriptData{
		Description: description,
		Style:       Sanitize(style),
		MaxSeconds:  seconds,
		MaxWords:    int(float64(seconds) * wordsPerSecond),
	})
}

// pickFunc selects one random option from a list separated by "|||".
// Usage: {{pick "Option A|||Option B"}}
func pickFunc(options string) string {
	parts := strings.Split(options, "|||")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts[rand.Intn(len(parts))]
}
