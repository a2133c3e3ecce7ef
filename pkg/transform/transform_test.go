package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltaforge/deltaforge/pkg/record"
)

func testRecord() *record.Parsed {
	return &record.Parsed{
		Fields: map[string]any{
			"user_id": "u1",
			"desk":    "fx-spot",
		},
		SourceRef:        record.SourceRef{Topic: "user-events", Partition: 3, Offset: 42},
		ArrivalTimestamp: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
		CorrelationID:    "corr-42",
	}
}

func TestEnrichAddsSourceMetadata(t *testing.T) {
	tr := New(Config{ProcessingVersion: "v7"})
	rec := testRecord()
	tr.Enrich(rec)

	assert.Equal(t, "user-events", rec.Enrichment[FieldSourceTopic])
	assert.Equal(t, int64(3), rec.Enrichment[FieldSourcePartition])
	assert.Equal(t, int64(42), rec.Enrichment[FieldSourceOffset])
	assert.Equal(t, "v7", rec.Enrichment[FieldProcessingVersion])
	assert.Equal(t, rec.ArrivalTimestamp, rec.Enrichment[FieldArrivalTimestamp])
}

func TestEnrichLookup(t *testing.T) {
	tr := New(Config{
		ProcessingVersion: "v7",
		Lookups: []Lookup{{
			Field: "desk",
			Table: map[string]map[string]any{
				"fx-spot": {"region": "emea", "bookingEntity": "LDN"},
			},
		}},
	})

	rec := testRecord()
	tr.Enrich(rec)
	assert.Equal(t, "emea", rec.Enrichment["region"])
	assert.Equal(t, "LDN", rec.Enrichment["bookingEntity"])

	// A key outside the table enriches with metadata only.
	other := testRecord()
	other.Fields["desk"] = "unknown-desk"
	tr.Enrich(other)
	_, ok := other.Enrichment["region"]
	assert.False(t, ok)
}

func TestEnrichIsDeterministic(t *testing.T) {
	tr := New(Config{ProcessingVersion: "v7", Lookups: []Lookup{{
		Field: "desk",
		Table: map[string]map[string]any{"fx-spot": {"region": "emea"}},
	}}})

	a, b := testRecord(), testRecord()
	tr.Enrich(a)
	tr.Enrich(b)
	require.Equal(t, a.Enrichment, b.Enrichment)

	// Enriching the same record again must not change the result.
	tr.Enrich(a)
	require.Equal(t, b.Enrichment, a.Enrichment)
}
