// Package render formats build results with templates embedded in the
// binary.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Report is the template for a finished build report.
const Report = "report.tmpl"

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New parses all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(funcs).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

var funcs = template.FuncMap{
	"bytes": func(n int64) string { return humanize.IBytes(uint64(n)) },
	"join":  strings.Join,
	"round": func(d time.Duration) time.Duration { return d.Round(time.Millisecond) },
}

// Render executes the named template with data.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
