// Package parse detects the format of raw payloads and produces records typed
// against the topic's canonical schema.
package parse

import (
	"bytes"
	"encoding/csv"
	"flag"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/deltaforge/deltaforge/pkg/failure"
	"github.com/deltaforge/deltaforge/pkg/record"
	"github.com/deltaforge/deltaforge/pkg/schema"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the per-topic parser configuration.
type Config struct {
	Formats          []record.Format `yaml:"formats"`
	COBField         string          `yaml:"cob_field"`
	COBMaxDaysInPast int             `yaml:"cob_max_days_in_past"`
	CSVHasHeader     bool            `yaml:"csv_has_header"`
	CSVMultiRow      bool            `yaml:"csv_multi_row"`
	BinaryDecoder    string          `yaml:"binary_decoder"`
	BusinessTsField  string          `yaml:"business_ts_field"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(_ string, _ *flag.FlagSet) {
	cfg.COBField = "cobDate"
	cfg.COBMaxDaysInPast = 30
	cfg.CSVHasHeader = true
	cfg.Formats = []record.Format{record.FormatJSON, record.FormatCSV}
}

// Parser turns raw payloads into typed records. A payload normally yields one
// record; multi-row CSV yields several when explicitly enabled.
type Parser struct {
	cfg Config

	// now is swappable for tests; COB validation is the only wall-clock read.
	now func() time.Time
}

func New(cfg Config) *Parser {
	if cfg.COBField == "" {
		cfg.COBField = "cobDate"
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = []record.Format{record.FormatJSON, record.FormatCSV}
	}
	return &Parser{cfg: cfg, now: time.Now}
}

// Parse detects the payload format, decodes it, coerces the result against
// sch and validates the partition date.
func (p *Parser) Parse(sch *schema.Schema, raw *record.Raw) ([]*record.Parsed, error) {
	payload := bytes.TrimSpace(raw.Payload)
	if len(payload) == 0 {
		return nil, failure.New(failure.KindParse, raw.CorrelationID, "empty payload")
	}

	format := DetectFormat(payload)
	if !p.formatAllowed(format) {
		return nil, failure.New(failure.KindParse, raw.CorrelationID,
			"detected format %s not allowed for topic %s", format, raw.Topic)
	}

	var (
		rows []map[string]any
		err  error
	)
	switch format {
	case record.FormatJSON:
		rows, err = p.parseJSON(payload, raw.CorrelationID)
	case record.FormatCSV:
		rows, err = p.parseCSV(sch, payload, raw.CorrelationID)
	case record.FormatBinary:
		rows, err = p.parseBinary(payload, raw.CorrelationID)
	}
	if err != nil {
		return nil, err
	}

	out := make([]*record.Parsed, 0, len(rows))
	for _, row := range rows {
		fields, err := schema.CoerceRecord(sch, row, raw.CorrelationID)
		if err != nil {
			return nil, err
		}

		cob, err := p.extractCOB(fields, raw.CorrelationID)
		if err != nil {
			return nil, err
		}

		parsed := &record.Parsed{
			Fields:         fields,
			DetectedFormat: format,
			COBDate:        cob,
			SourceRef: record.SourceRef{
				Topic:     raw.Topic,
				Partition: raw.Partition,
				Offset:    raw.Offset,
			},
			ArrivalTimestamp: raw.ArrivalTimestamp,
			CorrelationID:    raw.CorrelationID,
		}
		if p.cfg.BusinessTsField != "" {
			if ts, ok := fields[p.cfg.BusinessTsField].(time.Time); ok {
				parsed.BusinessTimestamp = ts
			}
		}
		out = append(out, parsed)
	}
	return out, nil
}

// DetectFormat applies the first-match detection rules to a trimmed payload.
func DetectFormat(payload []byte) record.Format {
	if len(payload) > 0 && (payload[0] == '{' || payload[0] == '[') {
		return record.FormatJSON
	}
	if !bytes.ContainsAny(payload, "{[") && bytes.ContainsAny(payload, ",\n") {
		return record.FormatCSV
	}
	return record.FormatBinary
}

func (p *Parser) formatAllowed(f record.Format) bool {
	for _, allowed := range p.cfg.Formats {
		if allowed == f {
			return true
		}
	}
	return false
}

func (p *Parser) parseJSON(payload []byte, correlationID string) ([]map[string]any, error) {
	if payload[0] == '[' {
		var arr []map[string]any
		if err := json.Unmarshal(payload, &arr); err != nil {
			return nil, failure.Wrap(failure.KindParse, correlationID, err, "decoding JSON array payload")
		}
		if len(arr) > 1 && !p.cfg.CSVMultiRow {
			return nil, failure.New(failure.KindParse, correlationID,
				"payload contains %d records but multi-record payloads are disabled", len(arr))
		}
		return arr, nil
	}

	m := map[string]any{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, failure.Wrap(failure.KindParse, correlationID, err, "decoding JSON payload")
	}
	return []map[string]any{m}, nil
}

func (p *Parser) parseCSV(sch *schema.Schema, payload []byte, correlationID string) ([]map[string]any, error) {
	r := csv.NewReader(bytes.NewReader(payload))
	r.TrimLeadingSpace = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, failure.Wrap(failure.KindParse, correlationID, err, "decoding CSV payload")
	}
	if len(records) == 0 {
		return nil, failure.New(failure.KindParse, correlationID, "empty CSV payload")
	}

	header := sch.FieldNames()
	if p.cfg.CSVHasHeader {
		header = records[0]
		records = records[1:]
		if len(records) == 0 {
			return nil, failure.New(failure.KindParse, correlationID, "CSV payload has a header but no data row")
		}
	}

	if len(records) > 1 && !p.cfg.CSVMultiRow {
		return nil, failure.New(failure.KindParse, correlationID,
			"CSV payload contains %d data rows but multi-row payloads are disabled", len(records))
	}

	rows := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		if len(rec) != len(header) {
			return nil, failure.New(failure.KindParse, correlationID,
				"CSV row has %d columns, expected %d", len(rec), len(header))
		}
		row := make(map[string]any, len(rec))
		for i, col := range header {
			row[strings.TrimSpace(col)] = rec[i]
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (p *Parser) parseBinary(payload []byte, correlationID string) ([]map[string]any, error) {
	dec, ok := binaryDecoders[p.cfg.BinaryDecoder]
	if !ok {
		if p.cfg.BinaryDecoder == "" {
			return nil, failure.New(failure.KindParse, correlationID, "binary payload but no binary decoder configured")
		}
		return nil, failure.New(failure.KindConfig, correlationID, "unknown binary decoder %q", p.cfg.BinaryDecoder)
	}
	rows, err := dec.Decode(payload)
	if err != nil {
		return nil, failure.Wrap(failure.KindParse, correlationID, err, "decoding binary payload with %q", p.cfg.BinaryDecoder)
	}
	return rows, nil
}

func (p *Parser) extractCOB(fields map[string]any, correlationID string) (time.Time, error) {
	v, ok := fields[p.cfg.COBField]
	if !ok || v == nil {
		return time.Time{}, failure.New(failure.KindCOB, correlationID, "missing partition date field %q", p.cfg.COBField)
	}

	var cob time.Time
	switch t := v.(type) {
	case time.Time:
		cob = t.UTC().Truncate(24 * time.Hour)
	case string:
		parsed, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(t), time.UTC)
		if err != nil {
			return time.Time{}, failure.New(failure.KindCOB, correlationID, "field %q: %q is not an ISO date", p.cfg.COBField, t)
		}
		cob = parsed
	default:
		return time.Time{}, failure.New(failure.KindCOB, correlationID, "field %q: cannot read %T as a date", p.cfg.COBField, v)
	}

	today := p.now().UTC().Truncate(24 * time.Hour)
	if cob.After(today) {
		return time.Time{}, failure.New(failure.KindCOB, correlationID, "partition date %s is in the future", cob.Format("2006-01-02"))
	}
	if p.cfg.COBMaxDaysInPast > 0 {
		oldest := today.AddDate(0, 0, -p.cfg.COBMaxDaysInPast)
		if cob.Before(oldest) {
			return time.Time{}, failure.New(failure.KindCOB, correlationID,
				"partition date %s is older than the %d day window", cob.Format("2006-01-02"), p.cfg.COBMaxDaysInPast)
		}
	}
	return cob, nil
}

// BinaryDecoder decodes an opaque payload into raw rows. Implementations are
// registered by name and selected per topic in configuration.
type BinaryDecoder interface {
	Decode(payload []byte) ([]map[string]any, error)
}

var binaryDecoders = map[string]BinaryDecoder{}

// RegisterBinaryDecoder makes a decoder selectable from topic configuration.
// Call from init or before the pipelines start.
func RegisterBinaryDecoder(name string, dec BinaryDecoder) {
	if _, ok := binaryDecoders[name]; ok {
		panic(fmt.Sprintf("binary decoder %q registered twice", name))
	}
	binaryDecoders[name] = dec
}
