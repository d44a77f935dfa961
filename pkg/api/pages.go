package api

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/mailtriage/email-agent/pkg/models"
)

//go:embed templates/*.html
var templateFS embed.FS

// Full pages share layout.html; fragments render on their own.
var (
	fullPages = []string{"dashboard.html", "email_detail.html"}
	fragments = []string{"email_list.html", "email_inline.html", "draft_panel.html"}
)

type pageRenderer struct {
	pages map[string]*template.Template
}

var templateFuncs = template.FuncMap{
	"tierBadge": tierBadge,
	"shortTime": shortTime,
	"list":      func(xs ...string) []string { return xs },
	"initial": func(s string) string {
		s = strings.TrimSpace(s)
		if s == "" {
			return "?"
		}
		return strings.ToUpper(string([]rune(s)[0]))
	},
}

func newPageRenderer() (*pageRenderer, error) {
	p := &pageRenderer{pages: make(map[string]*template.Template)}
	for _, name := range fullPages {
		t, err := template.New(name).Funcs(templateFuncs).ParseFS(templateFS, "templates/layout.html", "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("api: parse %s: %w", name, err)
		}
		p.pages[name] = t
	}
	for _, name := range fragments {
		t, err := template.New(name).Funcs(templateFuncs).ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("api: parse %s: %w", name, err)
		}
		p.pages[name] = t
	}
	return p, nil
}

// render executes a template into a buffer first so a failure never leaves
// a half-written page behind.
func (p *pageRenderer) render(w http.ResponseWriter, status int, name string, data interface{}) error {
	t, ok := p.pages[name]
	if !ok {
		return fmt.Errorf("api: unknown template %q", name)
	}
	entry := name
	if isFullPage(name) {
		entry = "layout"
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, entry, data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}

func isFullPage(name string) bool {
	for _, n := range fullPages {
		if n == name {
			return true
		}
	}
	return false
}

func tierBadge(tier int) string {
	switch models.Tier(tier) {
	case models.TierVVIP:
		return "bg-red-100 text-red-800"
	case models.TierImportant:
		return "bg-orange-100 text-orange-800"
	case models.TierStandard:
		return "bg-blue-100 text-blue-800"
	default:
		return "bg-gray-100 text-gray-700"
	}
}

// shortTime renders a Graph timestamp as "Jan 2, 3:04 PM"; unparseable
// values are shown as-is.
func shortTime(raw string) string {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return t.In(pacific).Format("Jan 2, 3:04 PM")
}
