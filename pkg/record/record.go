// Package record holds the in-flight record types shared by every pipeline
// stage: the raw consumed record and its parsed, typed form.
package record

import (
	"time"
)

// Format identifies the detected payload format.
type Format string

const (
	FormatJSON   Format = "JSON"
	FormatCSV    Format = "CSV"
	FormatBinary Format = "BINARY"
)

// Raw is a record as consumed from the log broker. It exists from consume
// until its offset is acknowledged.
type Raw struct {
	Topic            string
	Partition        int32
	Offset           int64
	Key              []byte
	Payload          []byte
	ArrivalTimestamp time.Time
	CorrelationID    string
}

// SourceRef points back at the broker coordinates a parsed record came from.
type SourceRef struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Parsed is a record typed against the topic's canonical schema, plus
// pipeline metadata. Fields and Enrichment stay separate so that enrichment
// determinism can be checked independently of payload parsing.
type Parsed struct {
	Fields            map[string]any
	DetectedFormat    Format
	COBDate           time.Time // date only, UTC midnight
	BusinessTimestamp time.Time // zero when the payload carries none
	Enrichment        map[string]any
	SourceRef         SourceRef
	ArrivalTimestamp  time.Time
	CorrelationID     string
}

// COBDateString renders the partition date in its canonical ISO form.
func (p *Parsed) COBDateString() string {
	return p.COBDate.Format("2006-01-02")
}
