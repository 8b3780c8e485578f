package fetch

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Options is a yt-dlp option set keyed by the embedding API's option names
// (writesubtitles, outtmpl, ...). Job payloads carry the same names in
// ytdl_opts, so lists written for the embedded API keep working.
type Options map[string]any

// DefaultOptions is what every job starts from before its ytdl_opts are
// applied.
func DefaultOptions() Options {
	return Options{
		"format":            "best",
		"allsubtitles":      true,
		"writesubtitles":    true,
		"writeautomaticsub": true,
		"writedescription":  true,
		"writeinfojson":     true,
		"writeannotations":  true,
		"writethumbnail":    true,
		"geo_bypass":        true,
		"outtmpl":           "%(title)s.%(ext)s",
		"quiet":             true,
	}
}

// Merge returns a copy of o with overrides applied on top.
func (o Options) Merge(overrides map[string]any) Options {
	out := make(Options, len(o)+len(overrides))
	for k, v := range o {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// optionFlags maps API option names whose CLI flag is not the name with
// underscores turned into dashes.
var optionFlags = map[string]string{
	"format":              "--format",
	"outtmpl":             "--output",
	"writesubtitles":      "--write-subs",
	"writeautomaticsub":   "--write-auto-subs",
	"writedescription":    "--write-description",
	"writeinfojson":       "--write-info-json",
	"writethumbnail":      "--write-thumbnail",
	"subtitleslangs":      "--sub-langs",
	"subtitlesformat":     "--sub-format",
	"ratelimit":           "--limit-rate",
	"noplaylist":          "--no-playlist",
	"nooverwrites":        "--no-overwrites",
	"ignoreerrors":        "--ignore-errors",
	"extractaudio":        "--extract-audio",
	"audioformat":         "--audio-format",
	"audioquality":        "--audio-quality",
	"cookiefile":          "--cookies",
	"proxy":               "--proxy",
	"socket_timeout":      "--socket-timeout",
	"retries":             "--retries",
	"playlistend":         "--playlist-end",
	"max_filesize":        "--max-filesize",
	"merge_output_format": "--merge-output-format",
}

// ignoredOptions have no effect on the CLI.
var ignoredOptions = map[string]bool{
	"writeannotations": true, // annotations were removed upstream
	"progress_hooks":   true,
	"logger":           true,
}

// Args renders o as yt-dlp command line flags in a stable order.
//
// Booleans become --flag or --no-flag, scalars become --flag value and lists
// are joined with commas. Keys starting with "-" are passed through as
// literal flags.
func (o Options) Args() ([]string, error) {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var args []string
	for _, key := range keys {
		val := o[key]
		if val == nil || ignoredOptions[key] {
			continue
		}

		switch key {
		case "allsubtitles":
			if b, ok := val.(bool); ok && b {
				args = append(args, "--sub-langs", "all")
			}
			continue
		case "quiet":
			if b, ok := val.(bool); ok && b {
				args = append(args, "--quiet")
			}
			continue
		}

		flag := flagFor(key)
		switch v := val.(type) {
		case bool:
			if v {
				args = append(args, flag)
			} else {
				args = append(args, negate(flag))
			}
		case string:
			args = append(args, flag, v)
		case float64:
			args = append(args, flag, strconv.FormatFloat(v, 'f', -1, 64))
		case int:
			args = append(args, flag, strconv.Itoa(v))
		case int64:
			args = append(args, flag, strconv.FormatInt(v, 10))
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			args = append(args, flag, strings.Join(parts, ","))
		case []string:
			args = append(args, flag, strings.Join(v, ","))
		default:
			return nil, fmt.Errorf("option %q: unsupported value type %T", key, val)
		}
	}
	return args, nil
}

func flagFor(key string) string {
	if strings.HasPrefix(key, "-") {
		return key
	}
	if f, ok := optionFlags[key]; ok {
		return f
	}
	return "--" + strings.ReplaceAll(key, "_", "-")
}

func negate(flag string) string {
	if strings.HasPrefix(flag, "--no-") {
		return "--" + strings.TrimPrefix(flag, "--no-")
	}
	if strings.HasPrefix(flag, "--") {
		return "--no-" + strings.TrimPrefix(flag, "--")
	}
	return flag
}
