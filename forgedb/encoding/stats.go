package encoding

import (
	"github.com/deltaforge/deltaforge/forgedb/commit"
	"github.com/deltaforge/deltaforge/pkg/schema"
)

// statsCollector accumulates per-column min, max, null and total counts over
// the top-level fields of a file. Nested types only track counts: range stats
// on composites have no pruning value.
type statsCollector struct {
	sch  *schema.Schema
	cols map[string]*colStats
}

type colStats struct {
	typ        schema.Type
	min, max   any
	nullCount  int64
	totalCount int64
}

func newStatsCollector(s *schema.Schema) *statsCollector {
	c := &statsCollector{sch: s, cols: make(map[string]*colStats, len(s.Fields))}
	for i := range s.Fields {
		c.cols[s.Fields[i].Name] = &colStats{typ: s.Fields[i].Type}
	}
	return c
}

// observe records one projected row (timestamps already epoch millis).
func (c *statsCollector) observe(row map[string]any) {
	for name, cs := range c.cols {
		cs.totalCount++
		v, ok := row[name]
		if !ok || v == nil {
			cs.nullCount++
			continue
		}
		switch cs.typ {
		case schema.TypeArray, schema.TypeMap, schema.TypeStruct:
			continue
		}
		if cs.min == nil || less(v, cs.min) {
			cs.min = v
		}
		if cs.max == nil || less(cs.max, v) {
			cs.max = v
		}
	}
}

func (c *statsCollector) stats() map[string]commit.ColumnStats {
	out := make(map[string]commit.ColumnStats, len(c.cols))
	for name, cs := range c.cols {
		out[name] = commit.ColumnStats{
			Min:        cs.min,
			Max:        cs.max,
			NullCount:  cs.nullCount,
			TotalCount: cs.totalCount,
		}
	}
	return out
}

func less(a, b any) bool {
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av < bv
	case int32:
		bv, ok := b.(int32)
		return ok && av < bv
	case int64:
		bv, ok := b.(int64)
		return ok && av < bv
	case float64:
		bv, ok := b.(float64)
		return ok && av < bv
	case bool:
		bv, ok := b.(bool)
		return ok && !av && bv
	}
	return false
}
