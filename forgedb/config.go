package forgedb

import (
	"flag"
	"time"

	"github.com/deltaforge/deltaforge/forgedb/backend/local"
	"github.com/deltaforge/deltaforge/forgedb/backend/s3"
	"github.com/deltaforge/deltaforge/pkg/schema"
)

const (
	// DefaultConflictRetries bounds the commit rebase loop.
	DefaultConflictRetries = 10

	// DefaultCheckpointInterval is how many commits may accumulate before the
	// writer emits a checkpoint.
	DefaultCheckpointInterval = 20

	DefaultTargetFileBytes = 128 * 1024 * 1024
	DefaultMinCompactBytes = 32 * 1024 * 1024
)

type Config struct {
	Backend string        `yaml:"backend"`
	Local   *local.Config `yaml:"local"`
	S3      *s3.Config    `yaml:"s3"`

	RowGroupBytes      int64         `yaml:"row_group_bytes"`
	ConflictRetries    int           `yaml:"conflict_retries"`
	ConflictBackoff    time.Duration `yaml:"conflict_backoff"`
	CheckpointInterval int64         `yaml:"checkpoint_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Local = &local.Config{}
	cfg.Local.RegisterFlagsAndApplyDefaults(prefix, f)
	cfg.S3 = &s3.Config{}
	cfg.S3.RegisterFlagsAndApplyDefaults(prefix, f)

	f.StringVar(&cfg.Backend, prefix+".backend", "local", "Object store backend (local, s3).")
	cfg.RowGroupBytes = DefaultTargetFileBytes
	cfg.ConflictRetries = DefaultConflictRetries
	cfg.ConflictBackoff = 100 * time.Millisecond
	cfg.CheckpointInterval = DefaultCheckpointInterval
}

// TableSpec identifies one destination table and its write policy. Partition
// columns are fixed at table creation; the writer rejects specs that disagree
// with the commit log.
type TableSpec struct {
	Name             string                 `yaml:"table_name"`
	Prefix           string                 `yaml:"prefix"`
	PartitionColumns []string               `yaml:"partition_columns"`
	TargetFileBytes  int64                  `yaml:"target_file_bytes"`
	MinCompactBytes  int64                  `yaml:"min_compact_bytes"`
	Evolution        schema.EvolutionConfig `yaml:"schema_evolution"`
}

func (s *TableSpec) targetFileBytes() int64 {
	if s.TargetFileBytes > 0 {
		return s.TargetFileBytes
	}
	return DefaultTargetFileBytes
}

func (s *TableSpec) minCompactBytes() int64 {
	if s.MinCompactBytes > 0 {
		return s.MinCompactBytes
	}
	return DefaultMinCompactBytes
}
