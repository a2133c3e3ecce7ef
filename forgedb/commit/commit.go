// Package commit models the transactional commit log of a table: an ordered,
// dense sequence of JSONL entries under <prefix>/_commits/, each naming the
// data files a version adds and removes. The log is the sole cross-process
// source of truth for a table.
package commit

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/deltaforge/deltaforge/pkg/schema"
)

const (
	// LogDir is the directory under the table prefix holding commit entries.
	LogDir = "_commits"

	// ProtocolVersion is the commit-log protocol this engine reads and writes.
	ProtocolVersion = 1

	versionDigits = 20
)

// Operations recorded in commitInfo.
const (
	OperationCreate   = "CREATE TABLE"
	OperationWrite    = "WRITE"
	OperationOptimize = "OPTIMIZE"
)

var (
	commitRe     = regexp.MustCompile(`^\d{20}\.json$`)
	checkpointRe = regexp.MustCompile(`^\d{20}\.checkpoint\.json$`)
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Protocol pins the reader/writer protocol needed for this table.
type Protocol struct {
	Version int `json:"version"`
}

// MetaData carries the table schema and partitioning. Present in commit 0 and
// in any commit that evolves the schema.
type MetaData struct {
	SchemaJSON       jsoniter.RawMessage `json:"schema"`
	PartitionColumns []string            `json:"partitionColumns"`
	Configuration    map[string]string   `json:"configuration,omitempty"`
}

// Schema decodes the embedded schema.
func (m *MetaData) Schema() (*schema.Schema, error) {
	return schema.Parse(m.SchemaJSON)
}

// ColumnStats are the per-column statistics of one data file.
type ColumnStats struct {
	Min        any   `json:"min,omitempty"`
	Max        any   `json:"max,omitempty"`
	NullCount  int64 `json:"nullCount"`
	TotalCount int64 `json:"totalCount"`
}

// Add records a data file joining the live set.
type Add struct {
	Path            string                 `json:"path"`
	Size            int64                  `json:"size"`
	PartitionValues map[string]string      `json:"partitionValues"`
	RowCount        int64                  `json:"rowCount"`
	Stats           map[string]ColumnStats `json:"stats,omitempty"`
}

// Remove records a data file leaving the live set.
type Remove struct {
	Path string `json:"path"`
}

// Info is the commitInfo action closing every entry.
type Info struct {
	Timestamp        int64  `json:"timestamp"` // epoch millis
	Operation        string `json:"operation"`
	EngineInfo       string `json:"engineInfo"`
	CorrelationID    string `json:"correlationId,omitempty"`
	BatchFingerprint string `json:"batchFingerprint,omitempty"`
}

// Entry is one decoded commit.
type Entry struct {
	Version  int64
	Protocol *Protocol
	MetaData *MetaData
	Adds     []Add
	Removes  []Remove
	Info     Info
}

// line is the union envelope of one JSONL action.
type line struct {
	Protocol *Protocol `json:"protocol,omitempty"`
	MetaData *MetaData `json:"metaData,omitempty"`
	Add      *Add      `json:"add,omitempty"`
	Remove   *Remove   `json:"remove,omitempty"`
	Info     *Info     `json:"commitInfo,omitempty"`
}

// Marshal encodes the entry as JSONL in canonical action order: protocol,
// metaData, adds, removes, commitInfo.
func (e *Entry) Marshal() ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := func(l line) error {
		b, err := json.Marshal(l)
		if err != nil {
			return err
		}
		buf.Write(b)
		buf.WriteByte('\n')
		return nil
	}

	if e.Protocol != nil {
		if err := enc(line{Protocol: e.Protocol}); err != nil {
			return nil, err
		}
	}
	if e.MetaData != nil {
		if err := enc(line{MetaData: e.MetaData}); err != nil {
			return nil, err
		}
	}
	for i := range e.Adds {
		if err := enc(line{Add: &e.Adds[i]}); err != nil {
			return nil, err
		}
	}
	for i := range e.Removes {
		if err := enc(line{Remove: &e.Removes[i]}); err != nil {
			return nil, err
		}
	}
	if err := enc(line{Info: &e.Info}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a JSONL commit body.
func Unmarshal(version int64, b []byte) (*Entry, error) {
	e := &Entry{Version: version}
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	sawInfo := false
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, fmt.Errorf("commit %d: decoding action: %w", version, err)
		}
		switch {
		case l.Protocol != nil:
			e.Protocol = l.Protocol
		case l.MetaData != nil:
			e.MetaData = l.MetaData
		case l.Add != nil:
			e.Adds = append(e.Adds, *l.Add)
		case l.Remove != nil:
			e.Removes = append(e.Removes, *l.Remove)
		case l.Info != nil:
			e.Info = *l.Info
			sawInfo = true
		default:
			return nil, fmt.Errorf("commit %d: unrecognised action %s", version, raw)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !sawInfo {
		return nil, fmt.Errorf("commit %d: missing commitInfo action", version)
	}
	if e.Protocol != nil && e.Protocol.Version > ProtocolVersion {
		return nil, fmt.Errorf("commit %d: protocol version %d newer than supported %d", version, e.Protocol.Version, ProtocolVersion)
	}
	return e, nil
}

// Path returns the object path of the given commit version.
func Path(prefix string, version int64) string {
	return fmt.Sprintf("%s/%s/%0*d.json", strings.TrimSuffix(prefix, "/"), LogDir, versionDigits, version)
}

// CheckpointPath returns the object path of the checkpoint at version.
func CheckpointPath(prefix string, version int64) string {
	return fmt.Sprintf("%s/%s/%0*d.checkpoint.json", strings.TrimSuffix(prefix, "/"), LogDir, versionDigits, version)
}

// ParseVersion extracts the version from a commit file name, reporting whether
// the name is a commit at all.
func ParseVersion(name string) (int64, bool) {
	if !commitRe.MatchString(name) {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseCheckpointVersion extracts the version from a checkpoint file name.
func ParseCheckpointVersion(name string) (int64, bool) {
	if !checkpointRe.MatchString(name) {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSuffix(name, ".checkpoint.json"), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
