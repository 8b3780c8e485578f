package config

import (
	"os"
	"path/filepath"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/spf13/viper"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("coordinator.input", "videos.json")
	v.SetDefault("coordinator.input_format", "")
	v.SetDefault("coordinator.job_timeout", "60s")
	v.SetDefault("coordinator.max_retries", 3)
	v.SetDefault("coordinator.sweep_interval", "5s")

	v.SetDefault("worker.server", "")
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.folder", "videos")
	v.SetDefault("worker.backoff", "5s")
	v.SetDefault("worker.poll_rate", 0)
	v.SetDefault("worker.work_dir", filepath.Join(os.TempDir(), "starship"))
	v.SetDefault("worker.no_upload", false)
	v.SetDefault("worker.include", []string{"**"})
	v.SetDefault("worker.exclude", []string{"**/*.part", "**/*.ytdl"})
	v.SetDefault("worker.ytdlp_path", "yt-dlp")
	v.SetDefault("worker.ffmpeg_path", "ffmpeg")
	v.SetDefault("worker.fetch_timeout", "30m")

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.profile", "")
	v.SetDefault("storage.force_path_style", false)
	v.SetDefault("storage.local_dir", "")

	v.SetDefault("launch.plan", "")
	v.SetDefault("launch.status_interval", "5s")

	v.SetDefault("data_dir", gfconfig.GetAppDataDir(DefaultIdentity.ConfigName))
}
