package fetch

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DependencyReport describes the external binaries a worker needs.
type DependencyReport struct {
	YTDLPFound   bool   `json:"yt_dlp_found"`
	YTDLPPath    string `json:"yt_dlp_path,omitempty"`
	YTDLPVersion string `json:"yt_dlp_version,omitempty"`
	FFmpegFound  bool   `json:"ffmpeg_found"`
	FFmpegPath   string `json:"ffmpeg_path,omitempty"`
}

// DependencyStatus resolves the configured binaries on PATH. yt-dlp is
// asked for its version; a failing --version counts as not found.
func DependencyStatus(ctx context.Context, ytdlp, ffmpeg string) DependencyReport {
	report := DependencyReport{}
	if path, err := exec.LookPath(orDefault(ytdlp, DefaultYTDLP)); err == nil {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		out, err := exec.CommandContext(ctx, path, "--version").Output()
		if err == nil {
			report.YTDLPFound = true
			report.YTDLPPath = path
			report.YTDLPVersion = strings.TrimSpace(string(out))
		}
	}
	if path, err := exec.LookPath(orDefault(ffmpeg, DefaultFFmpeg)); err == nil {
		report.FFmpegFound = true
		report.FFmpegPath = path
	}
	return report
}

// CheckDependencies fails when yt-dlp is missing. ffmpeg is only needed by
// jobs that postprocess or merge formats, so its absence is not an error
// here.
func CheckDependencies(ctx context.Context, ytdlp, ffmpeg string) error {
	report := DependencyStatus(ctx, ytdlp, ffmpeg)
	if !report.YTDLPFound {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", orDefault(ytdlp, DefaultYTDLP))
	}
	return nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
