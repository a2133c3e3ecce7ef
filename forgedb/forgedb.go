// Package forgedb is the table engine: it turns batches of typed rows into
// immutable parquet data files under an object-store prefix, tracked by a
// transactionally versioned commit log. The writer appends, the compactor
// rewrites, the vacuum reclaims; the commit log is the only source of truth.
package forgedb

import (
	"fmt"

	"github.com/go-kit/log"

	"github.com/deltaforge/deltaforge/forgedb/backend"
	"github.com/deltaforge/deltaforge/forgedb/backend/local"
	"github.com/deltaforge/deltaforge/forgedb/backend/s3"
)

// EngineInfo identifies this writer in commitInfo entries.
const EngineInfo = "deltaforge/0.1.0"

// NewBackend opens the object-store backend named by cfg.Backend.
func NewBackend(cfg *Config, logger log.Logger) (backend.RawBackend, error) {
	switch cfg.Backend {
	case "local":
		return local.New(cfg.Local)
	case "s3":
		return s3.New(cfg.S3, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
