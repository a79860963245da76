package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `# format=pbtxt
# backend=nvtabular
{{define "config"}}name: {{quote .Name}} cols: [ {{join .Cols ", "}} ]{{end}}
{{define "manifest"}}{"name": {{json .Name}}, "cols": {{json .Cols}}}{{end}}`

type data struct {
	Name string
	Cols []string
}

type manifest struct {
	Name string   `json:"name"`
	Cols []string `json:"cols"`
}

func TestParseTags(t *testing.T) {
	tmpl, err := Parse("sample", sample)
	require.NoError(t, err)

	v, ok := tmpl.Tag("format")
	assert.True(t, ok)
	assert.Equal(t, "pbtxt", v)
	_, ok = tmpl.Tag("missing")
	assert.False(t, ok)
	assert.Equal(t, map[string]string{"format": "pbtxt", "backend": "nvtabular"}, tmpl.Tags())

	tags := tmpl.Tags()
	tags["format"] = "changed"
	v, _ = tmpl.Tag("format")
	assert.Equal(t, "pbtxt", v)

	plain, err := Parse("plain", "hello")
	require.NoError(t, err)
	assert.Nil(t, plain.Tags())
}

func TestParseInvalidHeader(t *testing.T) {
	_, err := Parse("bad", "# no-equals-sign\nbody")
	assert.ErrorContains(t, err, "expected key=value")

	_, err = Parse("eof", "# key=value")
	assert.ErrorContains(t, err, "expected newline")

	_, err = Parse("syntax", "{{ .Broken")
	assert.ErrorContains(t, err, `parsing template "syntax"`)
}

func TestHasAllTemplates(t *testing.T) {
	tmpl, err := Parse("sample", sample)
	require.NoError(t, err)
	assert.True(t, tmpl.HasAllTemplates())
	assert.True(t, tmpl.HasAllTemplates("config", "manifest"))
	assert.False(t, tmpl.HasAllTemplates("config", "other"))
}

func TestRender(t *testing.T) {
	tmpl, err := Parse("sample", sample)
	require.NoError(t, err)
	d := data{Name: "movielens", Cols: []string{"userId", "movieId"}}

	out, err := Render(tmpl, "config", d)
	require.NoError(t, err)
	assert.Equal(t, `name: "movielens" cols: [ userId, movieId ]`, string(out))

	_, err = Render(tmpl, "nope", d)
	assert.ErrorContains(t, err, "rendering template")
}

func TestRenderJSON(t *testing.T) {
	tmpl, err := Parse("sample", sample)
	require.NoError(t, err)
	d := data{Name: "movielens", Cols: []string{"userId", "movieId"}}

	m, n, err := RenderJSON[manifest](tmpl, "manifest", d)
	require.NoError(t, err)
	assert.Equal(t, manifest{Name: "movielens", Cols: []string{"userId", "movieId"}}, m)
	assert.Positive(t, n)

	_, _, err = RenderJSON[manifest](tmpl, "config", d)
	assert.ErrorContains(t, err, "unmarshalling rendered template")
}
