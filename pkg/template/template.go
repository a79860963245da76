// Package template parses text templates carrying a header of `# key=value`
// tag lines, used to render configuration files for exported artifacts.
package template

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/goccy/go-json"
)

// A parsed template, together with the tags from its header.
type Template struct {
	parsed *template.Template
	tags   map[string]string
}

// Parse a template from a string. The passed `id` must be unique for each
// template. Leading lines of the form `# key=value` are stripped and kept
// as tags.
func Parse(id, tmpl string) (*Template, error) {
	var tags map[string]string
	for strings.HasPrefix(tmpl, "#") {
		line, remaining, ok := strings.Cut(tmpl, "\n")
		if !ok {
			return nil, fmt.Errorf("invalid template %q: expected newline after comment", id)
		}
		tmpl = remaining
		k, v, ok := strings.Cut(strings.Trim(line, "# "), "=")
		if !ok {
			return nil, fmt.Errorf(
				"invalid template %q: expected key=value in comment line %q",
				id,
				line,
			)
		}
		if tags == nil {
			tags = make(map[string]string)
		}
		tags[k] = v
	}
	t, err := template.New(id).Funcs(funcMap()).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parsing template %q: %w", id, err)
	}
	return &Template{
		parsed: t,
		tags:   tags,
	}, nil
}

func funcMap() template.FuncMap {
	return template.FuncMap{
		"join":  strings.Join,
		"quote": strconv.Quote,
		"json": func(v any) (string, error) {
			b, err := json.Marshal(v)
			return string(b), err
		},
		"lower": strings.ToLower,
	}
}

// Tag returns the value of a tag with the given name, if it exists.
func (t *Template) Tag(name string) (string, bool) {
	if t.tags == nil {
		return "", false
	}
	v, ok := t.tags[name]
	return v, ok
}

// Tags returns all tags in this template.
func (t *Template) Tags() map[string]string {
	if t.tags == nil {
		return nil
	}
	tags := make(map[string]string, len(t.tags))
	for k, v := range t.tags {
		tags[k] = v
	}
	return tags
}

// Returns whether or not this template has all the templates passed in `names`.
func (t *Template) HasAllTemplates(names ...string) bool {
	if len(names) == 0 {
		return true
	}
	remaining := make(map[string]struct{}, len(names))
	for _, name := range names {
		remaining[name] = struct{}{}
	}
	for _, tmpl := range t.parsed.Templates() {
		delete(remaining, tmpl.Name())
		if len(remaining) == 0 {
			return true // all templates found
		}
	}
	return false
}

// Render renders the template with the given name against data. If the
// name is empty, it renders the entire template.
func Render(t *Template, name string, data any) ([]byte, error) {
	var buf bytes.Buffer
	if name == "" {
		if err := t.parsed.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("rendering template: %w", err)
		}
	} else {
		if err := t.parsed.ExecuteTemplate(&buf, name, data); err != nil {
			return nil, fmt.Errorf("rendering template: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// RenderJSON renders the named template and unmarshals the output into a
// given type. Returns the value, and the size of the rendered output.
func RenderJSON[T any](t *Template, name string, data any) (T, uint, error) {
	var result T
	rendered, err := Render(t, name, data)
	if err != nil {
		return result, 0, err
	}
	l := uint(len(rendered))
	if err := json.Unmarshal(rendered, &result); err != nil {
		return result, 0, fmt.Errorf("unmarshalling rendered template: %w", err)
	}
	return result, l, nil
}
