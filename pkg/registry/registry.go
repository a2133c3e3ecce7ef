// Package registry holds the per-topic configuration the pipeline runs from.
// The registry is built once at startup and never mutated afterwards, so
// reads need no locking.
package registry

import (
	"fmt"
	"time"

	"github.com/deltaforge/deltaforge/forgedb"
	"github.com/deltaforge/deltaforge/pkg/parse"
	"github.com/deltaforge/deltaforge/pkg/record"
	"github.com/deltaforge/deltaforge/pkg/schema"
	"github.com/deltaforge/deltaforge/pkg/transform"
)

// DestinationConfig names the table a topic materialises into.
type DestinationConfig struct {
	Prefix           string   `yaml:"prefix"`
	TableName        string   `yaml:"table_name"`
	PartitionColumns []string `yaml:"partition_columns"`
	COBField         string   `yaml:"cob_field"`
}

// TableConfig tunes the destination table's maintenance.
type TableConfig struct {
	EnableOptimize        bool          `yaml:"enable_optimize"`
	OptimizeInterval      int64         `yaml:"optimize_interval"`
	EnableVacuum          bool          `yaml:"enable_vacuum"`
	VacuumRetention       time.Duration `yaml:"vacuum_retention"`
	EnableSchemaEvolution bool          `yaml:"enable_schema_evolution"`
	AllowTypeWidening     bool          `yaml:"allow_type_widening"`
	TargetFileBytes       int64         `yaml:"target_file_bytes"`
	MinCompactBytes       int64         `yaml:"min_compact_bytes"`
}

// ProcessingConfig tunes batching and retries for one topic.
type ProcessingConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	BaseBackoff   time.Duration `yaml:"base_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
}

// TopicSpec is the full configuration of one ingested topic.
type TopicSpec struct {
	LogicalName   string             `yaml:"-"`
	SourceTopic   string             `yaml:"source_topic"`
	SchemaName    string             `yaml:"schema_name"`
	SchemaVersion int                `yaml:"schema_version"`
	Formats       []string           `yaml:"formats"`
	CSVHasHeader  bool               `yaml:"csv_has_header"`
	CSVMultiRow   bool               `yaml:"csv_multi_row"`
	Lookups       []transform.Lookup `yaml:"lookups"`
	Destination   DestinationConfig  `yaml:"destination"`
	Table         TableConfig        `yaml:"table"`
	Processing    ProcessingConfig   `yaml:"processing"`
}

func (s *TopicSpec) applyDefaults() {
	if s.SchemaName == "" {
		s.SchemaName = s.LogicalName
	}
	if len(s.Formats) == 0 {
		s.Formats = []string{string(record.FormatJSON)}
	}
	if s.Destination.COBField == "" {
		s.Destination.COBField = "cobDate"
	}
	if len(s.Destination.PartitionColumns) == 0 {
		s.Destination.PartitionColumns = []string{s.Destination.COBField}
	}
	if s.Destination.TableName == "" {
		s.Destination.TableName = s.LogicalName
	}
	if s.Table.OptimizeInterval <= 0 {
		s.Table.OptimizeInterval = 10
	}
	if s.Processing.BatchSize <= 0 {
		s.Processing.BatchSize = 1000
	}
	if s.Processing.FlushInterval <= 0 {
		s.Processing.FlushInterval = 30 * time.Second
	}
	if s.Processing.MaxRetries <= 0 {
		s.Processing.MaxRetries = 5
	}
	if s.Processing.BaseBackoff <= 0 {
		s.Processing.BaseBackoff = 500 * time.Millisecond
	}
	if s.Processing.MaxBackoff <= 0 {
		s.Processing.MaxBackoff = 30 * time.Second
	}
}

func (s *TopicSpec) validate() error {
	if s.SourceTopic == "" {
		return fmt.Errorf("topic %s: source_topic is required", s.LogicalName)
	}
	if s.Destination.Prefix == "" {
		return fmt.Errorf("topic %s: destination.prefix is required", s.LogicalName)
	}
	for _, f := range s.Formats {
		switch record.Format(f) {
		case record.FormatJSON, record.FormatCSV, record.FormatBinary:
		default:
			return fmt.Errorf("topic %s: unknown format %q", s.LogicalName, f)
		}
	}
	if s.Table.EnableVacuum && s.Table.VacuumRetention < forgedb.MinVacuumRetention {
		return fmt.Errorf("topic %s: vacuum_retention %s is below the minimum %s",
			s.LogicalName, s.Table.VacuumRetention, forgedb.MinVacuumRetention)
	}
	return nil
}

// TableSpec derives the table engine's view of this topic.
func (s *TopicSpec) TableSpec() forgedb.TableSpec {
	return forgedb.TableSpec{
		Name:             s.Destination.TableName,
		Prefix:           s.Destination.Prefix,
		PartitionColumns: s.Destination.PartitionColumns,
		TargetFileBytes:  s.Table.TargetFileBytes,
		MinCompactBytes:  s.Table.MinCompactBytes,
		Evolution: schema.EvolutionConfig{
			Enabled:           s.Table.EnableSchemaEvolution,
			AllowTypeWidening: s.Table.AllowTypeWidening,
		},
	}
}

// ParseConfig derives the parser's view of this topic.
func (s *TopicSpec) ParseConfig(cobMaxDaysInPast int) parse.Config {
	formats := make([]record.Format, 0, len(s.Formats))
	for _, f := range s.Formats {
		formats = append(formats, record.Format(f))
	}
	return parse.Config{
		Formats:          formats,
		COBField:         s.Destination.COBField,
		COBMaxDaysInPast: cobMaxDaysInPast,
		CSVHasHeader:     s.CSVHasHeader,
		CSVMultiRow:      s.CSVMultiRow,
	}
}

// Registry maps source topic names to their specs.
type Registry struct {
	byLogical map[string]*TopicSpec
	bySource  map[string]*TopicSpec
	ordered   []*TopicSpec
}

// New builds and validates a registry from the configured topic map, keyed by
// logical name.
func New(topics map[string]*TopicSpec) (*Registry, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics configured")
	}

	r := &Registry{
		byLogical: make(map[string]*TopicSpec, len(topics)),
		bySource:  make(map[string]*TopicSpec, len(topics)),
	}
	for name, spec := range topics {
		spec.LogicalName = name
		spec.applyDefaults()
		if err := spec.validate(); err != nil {
			return nil, err
		}
		if prev, ok := r.bySource[spec.SourceTopic]; ok {
			return nil, fmt.Errorf("topics %s and %s both consume %s", prev.LogicalName, name, spec.SourceTopic)
		}
		r.byLogical[name] = spec
		r.bySource[spec.SourceTopic] = spec
	}
	for _, spec := range r.bySource {
		r.ordered = append(r.ordered, spec)
	}
	return r, nil
}

// BySource returns the spec consuming the given source topic.
func (r *Registry) BySource(topic string) (*TopicSpec, bool) {
	s, ok := r.bySource[topic]
	return s, ok
}

// ByLogical returns the spec with the given logical name.
func (r *Registry) ByLogical(name string) (*TopicSpec, bool) {
	s, ok := r.byLogical[name]
	return s, ok
}

// SourceTopics returns every source topic to subscribe to.
func (r *Registry) SourceTopics() []string {
	topics := make([]string, 0, len(r.ordered))
	for _, s := range r.ordered {
		topics = append(topics, s.SourceTopic)
	}
	return topics
}

// All returns every configured spec.
func (r *Registry) All() []*TopicSpec {
	return r.ordered
}
