package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/pkg/errors"
)

// New creates a Store based on the configuration.
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch strings.ToLower(cfg.Type) {
	case "local", "":
		return NewLocalStore(cfg.Dir)

	case "s3":
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:          cfg.Bucket,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			Prefix:          cfg.Prefix,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UsePathStyle:    cfg.UsePathStyle,
		})

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown blob type: %s", cfg.Type))
	}
}
