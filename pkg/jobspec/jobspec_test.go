package jobspec

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_JSON(t *testing.T) {
	data := []byte(`[
  {"url": "https://example.com/watch?v=a", "output_path": "a", "ytdl_opts": {"format": "bestaudio"}},
  {"url": "https://example.com/watch?v=b", "output_path": "b", "tags": ["x"]}
]`)

	jobs, err := Parse(data, FormatJSON)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "https://example.com/watch?v=a", jobs[0][KeyURL])
	assert.Equal(t, map[string]any{"format": "bestaudio"}, jobs[0][KeyYtdlOpts])
	assert.Equal(t, []any{"x"}, jobs[1]["tags"], "unknown keys are forwarded verbatim")
}

func TestParse_YAML(t *testing.T) {
	data := []byte(`
- url: https://example.com/watch?v=a
  output_path: clips/a
  postprocessing: -vn out.mp3
  postprocessing_output: out.mp3
- url: https://example.com/watch?v=b
  ytdl_opts:
    writesubtitles: false
    retries: 5
`)

	jobs, err := Parse(data, FormatYAML)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "clips/a", jobs[0][KeyOutputPath])
	assert.Equal(t, map[string]any{"writesubtitles": false, "retries": float64(5)}, jobs[1][KeyYtdlOpts])
}

func TestParse_FileList(t *testing.T) {
	data := []byte("https://example.com/a\n\n  https://example.com/b  \n# comment\nhttps://example.com/c\n")

	jobs, err := Parse(data, FormatFileList)
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"url": "https://example.com/a"},
		{"url": "https://example.com/b"},
		{"url": "https://example.com/c"},
	}, jobs)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing url", `[{"output_path": "a"}]`},
		{"empty url", `[{"url": ""}]`},
		{"non-object entry", `["https://example.com/a"]`},
		{"not an array", `{"url": "https://example.com/a"}`},
		{"nested ytdl opt", `[{"url": "u", "ytdl_opts": {"x": {"y": 1}}}]`},
		{"absolute output path", `[{"url": "u", "output_path": "/abs"}]`},
		{"output without postprocessing", `[{"url": "u", "postprocessing_output": "o.mp3"}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), FormatJSON)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidationFailed), "got %v", err)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("  \n"), FormatJSON)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse([]byte("[]"), FormatJSON)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse([]byte("# only comments\n"), FormatFileList)
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse([]byte("[{"), FormatJSON)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid JSON")

	_, err = Parse([]byte("- url: [unterminated"), FormatYAML)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid YAML")

	_, err = Parse([]byte("[]"), Format("csv"))
	assert.Error(t, err)
}

func TestLoad_DetectsFormat(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"jobs.json": `[{"url": "a"}]`,
		"jobs.yml":  "- url: a\n",
		"jobs.txt":  "a\n",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		jobs, err := Load(path, "")
		require.NoError(t, err, name)
		assert.Equal(t, []map[string]any{{"url": "a"}}, jobs, name)
	}

	_, err := Load(filepath.Join(dir, "missing.json"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoadFromReader(t *testing.T) {
	jobs, err := LoadFromReader(strings.NewReader("x\ny\n"), FormatFileList)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestParseFormat(t *testing.T) {
	tests := map[string]Format{
		"":          "",
		"json":      FormatJSON,
		"YAML":      FormatYAML,
		"yml":       FormatYAML,
		"file_list": FormatFileList,
		"txt":       FormatFileList,
	}
	for in, want := range tests {
		got, err := ParseFormat(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseFormat("csv")
	assert.Error(t, err)
}

func TestEncodeRoundTripsThroughParse(t *testing.T) {
	in := []map[string]any{{"url": "a", "output_path": "x"}}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Parse(data, FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Path: "/0/url", Message: "missing"},
		{Message: "bad"},
	}
	assert.Contains(t, errs.Error(), "2 errors")
	assert.Contains(t, errs.Error(), "/0/url: missing")
	assert.Equal(t, "bad", ValidationErrors{{Message: "bad"}}.Error())
}
