// Package jobspec loads the job lists a coordinator serves.
//
// Three input formats are supported:
//
//   - json: an array of objects
//   - yaml: the same array written as YAML
//   - file_list: one source URL per line, each becoming {"url": line}
//
// Every list is validated against the embedded job-list schema before it is
// returned, so a coordinator never starts with a job a worker cannot run.
package jobspec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a job list encoding.
type Format string

// Supported formats.
const (
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatFileList Format = "file_list"
)

// Well-known payload keys.
const (
	KeyURL                  = "url"
	KeyOutputPath           = "output_path"
	KeyFolder               = "folder"
	KeyYtdlOpts             = "ytdl_opts"
	KeyPostprocessing       = "postprocessing"
	KeyPostprocessingInput  = "postprocessing_input"
	KeyPostprocessingOutput = "postprocessing_output"
)

// ErrEmpty indicates a job list without jobs.
var ErrEmpty = errors.New("job list is empty")

// ParseFormat validates a format name. Empty returns "" so callers can fall
// back to DetectFormat.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return "", nil
	case FormatJSON, FormatYAML, FormatFileList:
		return f, nil
	case "yml":
		return FormatYAML, nil
	case "txt", "list":
		return FormatFileList, nil
	default:
		return "", fmt.Errorf("unknown job list format %q (want json, yaml or file_list)", s)
	}
}

// DetectFormat infers a format from the file extension. Unknown extensions
// are treated as file lists.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatFileList
	}
}

// Load reads and validates a job list. An empty format is inferred from the
// path.
func Load(path string, format Format) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job list not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read job list: %w", err)
	}
	if format == "" {
		format = DetectFormat(path)
	}
	return Parse(data, format)
}

// LoadFromReader reads and validates a job list from r.
func LoadFromReader(r io.Reader, format Format) ([]map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read job list: %w", err)
	}
	return Parse(data, format)
}

// Parse decodes and validates a job list.
func Parse(data []byte, format Format) ([]map[string]any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmpty
	}

	jsonData, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var jobs []map[string]any
	if err := json.Unmarshal(jsonData, &jobs); err != nil {
		return nil, fmt.Errorf("invalid job list: %w", err)
	}
	if len(jobs) == 0 {
		return nil, ErrEmpty
	}
	return jobs, nil
}

// Encode renders jobs as the JSON array a coordinator loads.
func Encode(jobs []map[string]any) ([]byte, error) {
	if jobs == nil {
		jobs = []map[string]any{}
	}
	return json.MarshalIndent(jobs, "", "  ")
}

func toJSON(data []byte, format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in job list: %w", err)
		}
		return data, nil
	case FormatYAML:
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML in job list: %w", err)
		}
		out, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to convert job list to JSON: %w", err)
		}
		return out, nil
	case FormatFileList:
		return json.Marshal(parseFileList(data))
	default:
		return nil, fmt.Errorf("unknown job list format %q", format)
	}
}

// parseFileList turns each non-blank line into a job. Lines starting with
// '#' are comments.
func parseFileList(data []byte) []map[string]any {
	jobs := []map[string]any{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		jobs = append(jobs, map[string]any{KeyURL: line})
	}
	return jobs
}
