package forgedb

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
)

// canonical json sorts map keys, making row serialisation deterministic.
var canonicalJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Fingerprint derives the content hash that makes a batch's write idempotent:
// identical replays of the same rows into the same partition at the same
// schema version hash identically, so a duplicate commit attempt can be
// recognised and discarded.
func Fingerprint(rows []map[string]any, partitionValues map[string]string, schemaVersion int) (string, error) {
	h := xxhash.New()

	for _, row := range rows {
		b, err := canonicalJSON.Marshal(row)
		if err != nil {
			return "", fmt.Errorf("serialising row for fingerprint: %w", err)
		}
		_, _ = h.Write(b)
		_, _ = h.Write([]byte{'\n'})
	}

	cols := make([]string, 0, len(partitionValues))
	for c := range partitionValues {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	for _, c := range cols {
		fmt.Fprintf(h, "%s=%s;", c, partitionValues[c])
	}

	fmt.Fprintf(h, "v%d", schemaVersion)

	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// shortFingerprint is the fragment embedded in data file names.
func shortFingerprint(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}
