// Package transform produces the enriched form of a parsed record. Enrichment
// is a pure function of the record plus immutable lookup tables: no clock
// reads, no randomness, no network. The table writer's idempotence depends on
// this determinism.
package transform

import (
	"github.com/deltaforge/deltaforge/pkg/record"
)

// Metadata field names added to every record.
const (
	FieldSourceTopic       = "sourceTopic"
	FieldSourcePartition   = "sourcePartition"
	FieldSourceOffset      = "sourceOffset"
	FieldProcessingVersion = "processingVersion"
	FieldArrivalTimestamp  = "arrivalTimestamp"
)

// Lookup joins a static table against one record field. Tables are loaded at
// startup and never mutated.
type Lookup struct {
	// Field is the record field whose value keys into Table.
	Field string `yaml:"field"`
	// Table maps a field value to the fields merged into the enrichment.
	Table map[string]map[string]any `yaml:"table"`
}

// Config configures a topic's transformer.
type Config struct {
	ProcessingVersion string   `yaml:"processing_version"`
	Lookups           []Lookup `yaml:"lookups"`
}

// Transformer enriches parsed records in place.
type Transformer struct {
	cfg Config
}

func New(cfg Config) *Transformer {
	return &Transformer{cfg: cfg}
}

// Enrich attaches source metadata and lookup results to rec. Calling Enrich
// twice on equal records yields equal enrichment; arrivalTimestamp was
// captured at consume time so it replays identically.
func (t *Transformer) Enrich(rec *record.Parsed) {
	enrichment := map[string]any{
		FieldSourceTopic:       rec.SourceRef.Topic,
		FieldSourcePartition:   int64(rec.SourceRef.Partition),
		FieldSourceOffset:      rec.SourceRef.Offset,
		FieldProcessingVersion: t.cfg.ProcessingVersion,
		FieldArrivalTimestamp:  rec.ArrivalTimestamp.UTC(),
	}

	for _, lookup := range t.cfg.Lookups {
		key, ok := rec.Fields[lookup.Field].(string)
		if !ok {
			continue
		}
		for k, v := range lookup.Table[key] {
			enrichment[k] = v
		}
	}

	rec.Enrichment = enrichment
}
