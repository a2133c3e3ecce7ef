package encoding

import (
	"bytes"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"

	"github.com/deltaforge/deltaforge/pkg/schema"
)

// ReadFile decodes a parquet data file back into rows normalised to the
// canonical representation. Used by compaction when rewriting small files.
func ReadFile(s *schema.Schema, data []byte) ([]map[string]any, error) {
	ps, err := ParquetSchema(s)
	if err != nil {
		return nil, err
	}
	r := parquet.NewGenericReader[map[string]any](bytes.NewReader(data), ps)
	defer r.Close()

	var rows []map[string]any
	buf := make([]map[string]any, 64)
	for {
		for i := range buf {
			buf[i] = map[string]any{}
		}
		n, err := r.Read(buf)
		for i := 0; i < n; i++ {
			rows = append(rows, normalizeRow(s, buf[i]))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading parquet rows: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return rows, nil
}

// normalizeRow converts parquet physical values back to canonical ones so a
// rewritten file is byte-identical to one written from the original rows.
func normalizeRow(s *schema.Schema, row map[string]any) map[string]any {
	out := make(map[string]any, len(s.Fields))
	for i := range s.Fields {
		f := &s.Fields[i]
		out[f.Name] = normalizeValue(f, row[f.Name])
	}
	return out
}

func normalizeValue(f *schema.Field, v any) any {
	if v == nil {
		return nil
	}
	switch f.Type {
	case schema.TypeString, schema.TypeEnum:
		if b, ok := v.([]byte); ok {
			return string(b)
		}
	case schema.TypeInt32:
		switch t := v.(type) {
		case int64:
			return int32(t)
		case int:
			return int32(t)
		}
	case schema.TypeInt64:
		switch t := v.(type) {
		case int32:
			return int64(t)
		case int:
			return int64(t)
		}
	case schema.TypeArray:
		if arr, ok := v.([]any); ok {
			out := make([]any, len(arr))
			for i, el := range arr {
				out[i] = normalizeValue(f.Element, el)
			}
			return out
		}
	case schema.TypeMap:
		if m, ok := v.(map[string]any); ok {
			out := make(map[string]any, len(m))
			for k, el := range m {
				out[k] = normalizeValue(f.Value, el)
			}
			return out
		}
	case schema.TypeStruct:
		if m, ok := v.(map[string]any); ok {
			out := make(map[string]any, len(f.Fields))
			for i := range f.Fields {
				nf := &f.Fields[i]
				out[nf.Name] = normalizeValue(nf, m[nf.Name])
			}
			return out
		}
	}
	return v
}
