package schema

import (
	"github.com/deltaforge/deltaforge/pkg/failure"
)

// EvolutionConfig controls which schema changes the table writer accepts.
type EvolutionConfig struct {
	Enabled          bool `yaml:"enabled"`
	AllowTypeWidening bool `yaml:"allow_type_widening"`
}

// Widen computes the union of current and incoming under the evolution policy.
// New fields join as nullable; INT32→INT64 and FLOAT→DOUBLE widen when
// enabled; enum symbols may be added. Dropping, renaming or narrowing is never
// computed here: a field present in current and absent from incoming simply
// stays. Incompatible type changes are a schema failure.
//
// Returns the (possibly unchanged) schema and whether it changed.
func Widen(current, incoming *Schema, cfg EvolutionConfig, correlationID string) (*Schema, bool, error) {
	out := &Schema{Name: current.Name, Version: current.Version, Fields: append([]Field(nil), current.Fields...)}
	changed := false

	for i := range incoming.Fields {
		in := &incoming.Fields[i]
		cur, ok := out.Field(in.Name)
		if !ok {
			if !cfg.Enabled {
				return nil, false, failure.New(failure.KindSchema, correlationID,
					"field %q not in table schema and schema evolution is disabled", in.Name)
			}
			nf := *in
			nf.Required = false // new fields are always nullable
			out.Fields = append(out.Fields, nf)
			changed = true
			continue
		}

		if cur.Type == in.Type {
			if cur.Type == TypeEnum {
				c, err := widenEnum(cur, in, cfg, correlationID)
				if err != nil {
					return nil, false, err
				}
				changed = changed || c
			}
			continue
		}

		widened, err := widenType(cur.Type, in.Type, cfg, in.Name, correlationID)
		if err != nil {
			return nil, false, err
		}
		if widened != cur.Type {
			cur.Type = widened
			changed = true
		}
	}

	if changed {
		out.Version = current.Version + 1
	}
	return out, changed, nil
}

func widenType(cur, in Type, cfg EvolutionConfig, field, correlationID string) (Type, error) {
	// The only permitted mismatches are widening in one direction.
	switch {
	case cur == TypeInt64 && in == TypeInt32:
		return cur, nil // already wide enough
	case cur == TypeDouble && (in == TypeInt32 || in == TypeInt64):
		return cur, nil
	case cur == TypeInt32 && in == TypeInt64:
		if cfg.Enabled && cfg.AllowTypeWidening {
			return TypeInt64, nil
		}
	}
	return cur, failure.New(failure.KindSchema, correlationID,
		"field %q: type change %s -> %s is not allowed", field, cur, in)
}

func widenEnum(cur, in *Field, cfg EvolutionConfig, correlationID string) (bool, error) {
	changed := false
	for _, sym := range in.Symbols {
		if cur.HasSymbol(sym) {
			continue
		}
		if !cfg.Enabled {
			return false, failure.New(failure.KindSchema, correlationID,
				"field %q: enum symbol %q not allowed", cur.Name, sym)
		}
		if !changed {
			// copy-on-write: the symbol slice is shared with the input schema
			cur.Symbols = append([]string(nil), cur.Symbols...)
		}
		cur.Symbols = append(cur.Symbols, sym)
		changed = true
	}
	return changed, nil
}
