package registry

import (
	"fmt"
	"strings"

	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/pkg/errors"
)

// New creates a Registry based on the configuration.
func New(cfg config.RegistryConfig) (Registry, error) {
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		return NewMemoryRegistry(), nil

	case "redis":
		return NewRedisRegistry(cfg.RedisURL, cfg.KeyPrefix)

	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown registry type: %s", cfg.Type))
	}
}
