package cmd

import (
	"context"
	"errors"

	"github.com/3leaps/starship/internal/config"
	"github.com/3leaps/starship/pkg/provider"
	"github.com/3leaps/starship/pkg/provider/file"
	"github.com/3leaps/starship/pkg/provider/s3"
)

// openStore returns the artifact store: a local directory when local_dir is
// set, the S3 bucket otherwise.
func openStore(ctx context.Context, cfg config.StorageConfig) (provider.Provider, error) {
	if cfg.LocalDir != "" {
		return file.New(file.Config{BaseDir: cfg.LocalDir})
	}
	if cfg.Bucket == "" {
		return nil, errors.New("no artifact store configured: set --bucket or --local-dir")
	}
	return s3.New(ctx, s3.Config{
		Bucket:         cfg.Bucket,
		Region:         cfg.Region,
		Endpoint:       cfg.Endpoint,
		Profile:        cfg.Profile,
		ForcePathStyle: cfg.ForcePathStyle,
	})
}

// storageFromFlags overlays --bucket, --region, --endpoint and --local-dir.
func storageFromFlags(flags interface {
	GetString(string) (string, error)
}, base config.StorageConfig) config.StorageConfig {
	for name, dst := range map[string]*string{
		"bucket":    &base.Bucket,
		"region":    &base.Region,
		"endpoint":  &base.Endpoint,
		"local-dir": &base.LocalDir,
	} {
		if v, err := flags.GetString(name); err == nil && v != "" {
			*dst = v
		}
	}
	return base
}
