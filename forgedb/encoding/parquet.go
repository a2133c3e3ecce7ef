// Package encoding writes batches of typed rows as columnar data files.
// Files are parquet, snappy-compressed, with per-column statistics collected
// for the commit log.
package encoding

import (
	"bytes"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/deltaforge/deltaforge/forgedb/commit"
	"github.com/deltaforge/deltaforge/pkg/schema"
)

// DefaultRowGroupBytes is the uncompressed logical bytes targeted per row group.
const DefaultRowGroupBytes = 128 * 1024 * 1024

// ParquetSchema converts a canonical schema into its parquet shape. Fields are
// optional unless the schema marks them required.
func ParquetSchema(s *schema.Schema) (*parquet.Schema, error) {
	group := parquet.Group{}
	for i := range s.Fields {
		node, err := parquetNode(&s.Fields[i])
		if err != nil {
			return nil, err
		}
		group[s.Fields[i].Name] = node
	}
	return parquet.NewSchema(s.Name, group), nil
}

func parquetNode(f *schema.Field) (parquet.Node, error) {
	var node parquet.Node
	switch f.Type {
	case schema.TypeString, schema.TypeEnum:
		node = parquet.String()
	case schema.TypeInt32:
		node = parquet.Int(32)
	case schema.TypeInt64:
		node = parquet.Int(64)
	case schema.TypeDouble:
		node = parquet.Leaf(parquet.DoubleType)
	case schema.TypeBoolean:
		node = parquet.Leaf(parquet.BooleanType)
	case schema.TypeTimestampMillis:
		node = parquet.Timestamp(parquet.Millisecond)
	case schema.TypeArray:
		el, err := parquetNode(f.Element)
		if err != nil {
			return nil, err
		}
		node = parquet.List(el)
	case schema.TypeMap:
		val, err := parquetNode(f.Value)
		if err != nil {
			return nil, err
		}
		node = parquet.Map(parquet.String(), val)
	case schema.TypeStruct:
		group := parquet.Group{}
		for i := range f.Fields {
			n, err := parquetNode(&f.Fields[i])
			if err != nil {
				return nil, err
			}
			group[f.Fields[i].Name] = n
		}
		node = group
	default:
		return nil, fmt.Errorf("field %q: no parquet mapping for type %s", f.Name, f.Type)
	}

	if !f.Required {
		node = parquet.Optional(node)
	}
	return node, nil
}

// WriteFile encodes rows into one parquet file. Rows must already be coerced
// to the canonical representation; fields absent from the schema are dropped.
// Returns the encoded file and the per-column statistics of its content.
func WriteFile(s *schema.Schema, rows []map[string]any, rowGroupBytes int64) ([]byte, map[string]commit.ColumnStats, error) {
	if rowGroupBytes <= 0 {
		rowGroupBytes = DefaultRowGroupBytes
	}

	ps, err := ParquetSchema(s)
	if err != nil {
		return nil, nil, err
	}

	buf := &bytes.Buffer{}
	w := parquet.NewGenericWriter[map[string]any](buf, ps, parquet.Compression(&parquet.Snappy))

	collector := newStatsCollector(s)

	var groupBytes int64
	for _, row := range rows {
		projected := projectRow(s, row)
		collector.observe(projected)

		if _, err := w.Write([]map[string]any{projected}); err != nil {
			return nil, nil, fmt.Errorf("writing parquet row: %w", err)
		}

		groupBytes += estimateRowBytes(projected)
		if groupBytes >= rowGroupBytes {
			if err := w.Flush(); err != nil {
				return nil, nil, fmt.Errorf("flushing parquet row group: %w", err)
			}
			groupBytes = 0
		}
	}

	if err := w.Close(); err != nil {
		return nil, nil, fmt.Errorf("closing parquet writer: %w", err)
	}
	return buf.Bytes(), collector.stats(), nil
}

// projectRow keeps only schema fields and converts values to what the parquet
// writer expects. Timestamps become epoch millis to match the INT64 physical
// type.
func projectRow(s *schema.Schema, row map[string]any) map[string]any {
	out := make(map[string]any, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		v, ok := row[f.Name]
		if !ok {
			out[f.Name] = nil
			continue
		}
		out[f.Name] = projectValue(f, v)
	}
	return out
}

func projectValue(f *schema.Field, v any) any {
	if v == nil {
		return nil
	}
	switch f.Type {
	case schema.TypeTimestampMillis:
		if ts, ok := v.(time.Time); ok {
			return ts.UnixMilli()
		}
	case schema.TypeArray:
		arr, ok := v.([]any)
		if !ok {
			return v
		}
		out := make([]any, len(arr))
		for i, el := range arr {
			out[i] = projectValue(f.Element, el)
		}
		return out
	case schema.TypeMap:
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		out := make(map[string]any, len(m))
		for k, el := range m {
			out[k] = projectValue(f.Value, el)
		}
		return out
	case schema.TypeStruct:
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		out := make(map[string]any, len(f.Fields))
		for i := range f.Fields {
			nf := &f.Fields[i]
			out[nf.Name] = projectValue(nf, m[nf.Name])
		}
		return out
	}
	return v
}

// EstimateRowBytes is a cheap logical-size estimate used for row-group and
// file-split decisions. It does not account for encoding or compression.
func EstimateRowBytes(row map[string]any) int64 {
	return estimateRowBytes(row)
}

func estimateRowBytes(row map[string]any) int64 {
	var n int64
	for k, v := range row {
		n += int64(len(k))
		switch t := v.(type) {
		case nil:
		case string:
			n += int64(len(t))
		case []any:
			n += int64(len(t)) * 16
		case map[string]any:
			n += int64(len(t)) * 32
		default:
			n += 8
		}
	}
	return n
}
