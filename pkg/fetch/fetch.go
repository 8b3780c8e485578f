// Package fetch runs yt-dlp, and optionally ffmpeg, for a single job and
// reports the files it produced.
package fetch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultYTDLP  = "yt-dlp"
	DefaultFFmpeg = "ffmpeg"

	// MetaFile is written next to the media with the extractor's info dict.
	MetaFile = "meta.json"

	maxKeep = 8192
)

// Sentinels for failures attributable to the source rather than the host.
// See IsSourceError.
var (
	ErrDownload        = errors.New("download failed")
	ErrPostprocess     = errors.New("postprocessing failed")
	ErrMissingURL      = errors.New("url is required")
	ErrNoMediaProduced = errors.New("no media file produced")
)

// IsSourceError reports whether err came from the job itself (bad URL,
// extractor or ffmpeg failure) rather than from the local machine.
func IsSourceError(err error) bool {
	return errors.Is(err, ErrDownload) || errors.Is(err, ErrPostprocess) ||
		errors.Is(err, ErrMissingURL) || errors.Is(err, ErrNoMediaProduced)
}

// Config configures a Fetcher.
type Config struct {
	YTDLPPath  string
	FFmpegPath string
	// Timeout bounds one Fetch, including postprocessing. Zero means none.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Request describes one job.
type Request struct {
	URL string
	// Dir is an empty directory that receives every output file.
	Dir     string
	Options Options

	// Postprocessing is the ffmpeg argument string placed after "-i <input>".
	Postprocessing string
	// PostprocessingInput names the ffmpeg input inside Dir. Empty picks the
	// downloaded media file.
	PostprocessingInput string
	// PostprocessingOutput names the ffmpeg output inside Dir. When set the
	// input file is removed after a successful run.
	PostprocessingOutput string
}

// Result is the outcome of a successful Fetch.
type Result struct {
	// Info is the extractor's info dict, also written to MetaFile.
	Info map[string]any
	// Files are the paths produced under Dir, relative and slash separated.
	Files   []string
	Command []string
}

// Fetcher downloads media with yt-dlp.
type Fetcher struct {
	ytdlp   string
	ffmpeg  string
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		ytdlp:   orDefault(cfg.YTDLPPath, DefaultYTDLP),
		ffmpeg:  orDefault(cfg.FFmpegPath, DefaultFFmpeg),
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

// Fetch downloads req.URL into req.Dir, writes MetaFile and runs the
// optional ffmpeg step.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.URL) == "" {
		return nil, ErrMissingURL
	}
	if strings.TrimSpace(req.Dir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(req.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	opts := req.Options
	if opts == nil {
		opts = DefaultOptions()
	}
	optArgs, err := opts.Args()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownload, err)
	}
	args := append([]string{"--no-playlist", "--newline", "--no-progress", "--dump-json", "--no-simulate"}, optArgs...)
	args = append(args, "--", req.URL)
	command := append([]string{f.ytdlp}, args...)

	f.logger.Debug("Running yt-dlp", zap.String("url", req.URL), zap.Strings("args", args))
	stdout, err := f.run(ctx, req.Dir, f.ytdlp, args)
	if err != nil {
		return &Result{Command: command}, fmt.Errorf("%w: %v", ErrDownload, err)
	}

	info := lastJSONObject(stdout)
	if info == nil {
		info = map[string]any{"webpage_url": req.URL}
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", MetaFile, err)
	}
	if err := os.WriteFile(filepath.Join(req.Dir, MetaFile), meta, 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", MetaFile, err)
	}

	if strings.TrimSpace(req.Postprocessing) != "" {
		if err := f.postprocess(ctx, req, info); err != nil {
			return &Result{Info: info, Command: command}, err
		}
	}

	files, err := ListFiles(req.Dir)
	if err != nil {
		return nil, err
	}
	return &Result{Info: info, Files: files, Command: command}, nil
}

func (f *Fetcher) postprocess(ctx context.Context, req Request, info map[string]any) error {
	input := req.PostprocessingInput
	if input == "" {
		var err error
		input, err = mediaFile(req.Dir, info)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPostprocess, err)
		}
	}

	args := append([]string{"-nostdin", "-y", "-i", input}, strings.Fields(req.Postprocessing)...)
	f.logger.Debug("Running ffmpeg", zap.Strings("args", args))
	if _, err := f.run(ctx, req.Dir, f.ffmpeg, args); err != nil {
		return fmt.Errorf("%w: %v", ErrPostprocess, err)
	}

	if req.PostprocessingOutput != "" {
		if _, err := os.Stat(filepath.Join(req.Dir, req.PostprocessingOutput)); err != nil {
			return fmt.Errorf("%w: output %s: %v", ErrPostprocess, req.PostprocessingOutput, err)
		}
		if err := os.Remove(filepath.Join(req.Dir, input)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove postprocessing input: %w", err)
		}
	}
	return nil
}

// mediaFile picks the downloaded media: the file yt-dlp reported, else the
// first file with the info dict's extension.
func mediaFile(dir string, info map[string]any) (string, error) {
	if fn, ok := info["_filename"].(string); ok && fn != "" {
		if filepath.IsAbs(fn) {
			if rel, err := filepath.Rel(dir, fn); err == nil {
				fn = rel
			}
		}
		if _, err := os.Stat(filepath.Join(dir, fn)); err == nil {
			return filepath.ToSlash(fn), nil
		}
	}
	ext, _ := info["ext"].(string)
	files, err := ListFiles(dir)
	if err != nil {
		return "", err
	}
	for _, name := range files {
		if name == MetaFile {
			continue
		}
		if ext != "" && strings.HasSuffix(name, "."+ext) {
			return name, nil
		}
	}
	return "", ErrNoMediaProduced
}

// ListFiles returns every regular file under dir, relative and sorted.
func ListFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Strings(files)
	return files, nil
}

// run executes name in dir and returns stdout. Stderr is logged line by
// line and its tail is attached to the error.
func (f *Fetcher) run(ctx context.Context, dir, name string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("setup stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", filepath.Base(name), err)
	}

	// Stderr must be drained before Wait closes the pipe.
	var errBuf strings.Builder
	f.drain(stderrPipe, &errBuf, filepath.Base(name))

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(name), ctxErr)
		}
		return nil, fmt.Errorf("%s: %w: %s", filepath.Base(name), err, strings.TrimSpace(errBuf.String()))
	}
	return stdout.Bytes(), nil
}

func (f *Fetcher) drain(r io.Reader, keep *strings.Builder, tool string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(splitByNewlineOrCR)
	for scanner.Scan() {
		line := scanner.Text()
		f.logger.Debug(line, zap.String("tool", tool))
		appendLimited(keep, line)
	}
}

// lastJSONObject returns the last stdout line that decodes as a JSON
// object. yt-dlp prints one per downloaded entry.
func lastJSONObject(out []byte) map[string]any {
	lines := bytes.Split(out, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(line, &obj); err == nil {
			return obj
		}
	}
	return nil
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// appendLimited keeps the tail of a stream bounded; later lines are the
// useful ones in a failure.
func appendLimited(b *strings.Builder, line string) {
	if b.Len()+len(line)+1 > maxKeep {
		s := b.String()
		cut := min(len(s), len(line)+1+b.Len()-maxKeep)
		b.Reset()
		b.WriteString(s[cut:])
	}
	b.WriteString(line)
	b.WriteString("\n")
}
