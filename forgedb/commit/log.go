package commit

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/deltaforge/deltaforge/forgedb/backend"
	"github.com/deltaforge/deltaforge/pkg/schema"
)

// State is the materialised view of a table at one version: its schema,
// partitioning, live file set and the batch fingerprints applied so far.
type State struct {
	Version          int64
	SchemaJSON       []byte
	PartitionColumns []string
	LiveFiles        map[string]Add
	// Fingerprints maps commitInfo.batchFingerprint to the version that
	// carried it. Used for write-side deduplication.
	Fingerprints map[string]int64
}

// EmptyState is the state of a table with no commits.
func EmptyState() *State {
	return &State{
		Version:      -1,
		LiveFiles:    map[string]Add{},
		Fingerprints: map[string]int64{},
	}
}

// Exists reports whether the table has at least one commit.
func (s *State) Exists() bool { return s.Version >= 0 }

// Schema decodes the table schema.
func (s *State) Schema() (*schema.Schema, error) {
	if len(s.SchemaJSON) == 0 {
		return nil, fmt.Errorf("table state at version %d has no schema", s.Version)
	}
	return schema.Parse(s.SchemaJSON)
}

// Clone returns an independent copy of the state.
func (s *State) Clone() *State {
	cp := &State{
		Version:          s.Version,
		SchemaJSON:       append([]byte(nil), s.SchemaJSON...),
		PartitionColumns: append([]string(nil), s.PartitionColumns...),
		LiveFiles:        make(map[string]Add, len(s.LiveFiles)),
		Fingerprints:     make(map[string]int64, len(s.Fingerprints)),
	}
	for k, v := range s.LiveFiles {
		cp.LiveFiles[k] = v
	}
	for k, v := range s.Fingerprints {
		cp.Fingerprints[k] = v
	}
	return cp
}

// Apply folds one commit entry into the state. Entries must be applied in
// version order with no gaps.
func (s *State) Apply(e *Entry) error {
	if e.Version != s.Version+1 {
		return fmt.Errorf("commit log gap: applying version %d on top of %d", e.Version, s.Version)
	}
	if e.MetaData != nil {
		s.SchemaJSON = append([]byte(nil), e.MetaData.SchemaJSON...)
		if len(e.MetaData.PartitionColumns) > 0 {
			if len(s.PartitionColumns) > 0 && !equalStrings(s.PartitionColumns, e.MetaData.PartitionColumns) {
				return fmt.Errorf("commit %d changes partition columns from %v to %v",
					e.Version, s.PartitionColumns, e.MetaData.PartitionColumns)
			}
			s.PartitionColumns = append([]string(nil), e.MetaData.PartitionColumns...)
		}
	}
	for _, add := range e.Adds {
		if _, ok := s.LiveFiles[add.Path]; ok {
			return fmt.Errorf("commit %d re-adds file %s", e.Version, add.Path)
		}
		s.LiveFiles[add.Path] = add
	}
	for _, rm := range e.Removes {
		if _, ok := s.LiveFiles[rm.Path]; !ok {
			return fmt.Errorf("commit %d removes unknown file %s", e.Version, rm.Path)
		}
		delete(s.LiveFiles, rm.Path)
	}
	if fp := e.Info.BatchFingerprint; fp != "" {
		if prev, ok := s.Fingerprints[fp]; ok {
			return fmt.Errorf("commit %d repeats batch fingerprint %s of commit %d", e.Version, fp, prev)
		}
		s.Fingerprints[fp] = e.Version
	}
	s.Version = e.Version
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Log reads and replays a table's commit log.
type Log struct {
	backend backend.RawBackend
	prefix  string
}

func NewLog(b backend.RawBackend, prefix string) *Log {
	return &Log{backend: b, prefix: strings.TrimSuffix(prefix, "/")}
}

// Prefix returns the table prefix this log belongs to.
func (l *Log) Prefix() string { return l.prefix }

// versions lists commit and checkpoint versions present in the log directory.
func (l *Log) versions(ctx context.Context) (commits, checkpoints []int64, err error) {
	paths, err := l.backend.List(ctx, l.prefix+"/"+LogDir+"/")
	if err != nil {
		return nil, nil, fmt.Errorf("listing commit log of %s: %w", l.prefix, err)
	}
	for _, p := range paths {
		name := path.Base(p)
		if v, ok := ParseVersion(name); ok {
			commits = append(commits, v)
			continue
		}
		if v, ok := ParseCheckpointVersion(name); ok {
			checkpoints = append(checkpoints, v)
		}
	}
	sort.Slice(commits, func(i, j int) bool { return commits[i] < commits[j] })
	sort.Slice(checkpoints, func(i, j int) bool { return checkpoints[i] < checkpoints[j] })
	return commits, checkpoints, nil
}

// Head returns the highest dense commit version, or -1 for an empty log.
func (l *Log) Head(ctx context.Context) (int64, error) {
	commits, _, err := l.versions(ctx)
	if err != nil {
		return -1, err
	}
	if len(commits) == 0 {
		return -1, nil
	}
	for i, v := range commits {
		if v != commits[0]+int64(i) {
			return -1, fmt.Errorf("commit log of %s has a gap before version %d", l.prefix, v)
		}
	}
	return commits[len(commits)-1], nil
}

// Read decodes one commit entry.
func (l *Log) Read(ctx context.Context, version int64) (*Entry, error) {
	b, err := l.backend.Read(ctx, Path(l.prefix, version))
	if err != nil {
		return nil, fmt.Errorf("reading commit %d of %s: %w", version, l.prefix, err)
	}
	return Unmarshal(version, b)
}

// Snapshot replays the log into a State, starting from the newest usable
// checkpoint. An empty log yields EmptyState.
func (l *Log) Snapshot(ctx context.Context) (*State, error) {
	commits, checkpoints, err := l.versions(ctx)
	if err != nil {
		return nil, err
	}
	if len(commits) == 0 {
		return EmptyState(), nil
	}

	state := EmptyState()

	// A checkpoint is only usable if every commit after it is still listed.
	for i := len(checkpoints) - 1; i >= 0; i-- {
		cp, err := l.readCheckpoint(ctx, checkpoints[i])
		if err != nil {
			// A damaged checkpoint is recoverable: fall back to full replay.
			continue
		}
		state = cp
		break
	}

	for _, v := range commits {
		if v <= state.Version {
			continue
		}
		e, err := l.Read(ctx, v)
		if err != nil {
			return nil, err
		}
		if err := state.Apply(e); err != nil {
			return nil, err
		}
	}
	return state, nil
}

// checkpointFile is the stored form of a State.
type checkpointFile struct {
	Version          int64            `json:"version"`
	Schema           jsoniter.RawMessage `json:"schema"`
	PartitionColumns []string         `json:"partitionColumns"`
	Adds             []Add            `json:"adds"`
	Fingerprints     map[string]int64 `json:"fingerprints"`
}

// WriteCheckpoint stores a checkpoint summarising state. Best effort: a lost
// checkpoint only costs replay time.
func (l *Log) WriteCheckpoint(ctx context.Context, state *State) error {
	cp := checkpointFile{
		Version:          state.Version,
		Schema:           jsoniter.RawMessage(state.SchemaJSON),
		PartitionColumns: state.PartitionColumns,
		Adds:             make([]Add, 0, len(state.LiveFiles)),
		Fingerprints:     state.Fingerprints,
	}
	paths := make([]string, 0, len(state.LiveFiles))
	for p := range state.LiveFiles {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		cp.Adds = append(cp.Adds, state.LiveFiles[p])
	}

	b, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return l.backend.Write(ctx, CheckpointPath(l.prefix, state.Version), strings.NewReader(string(b)), int64(len(b)))
}

func (l *Log) readCheckpoint(ctx context.Context, version int64) (*State, error) {
	b, err := l.backend.Read(ctx, CheckpointPath(l.prefix, version))
	if err != nil {
		return nil, err
	}
	var cp checkpointFile
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %d of %s: %w", version, l.prefix, err)
	}

	state := EmptyState()
	state.Version = cp.Version
	state.SchemaJSON = append([]byte(nil), cp.Schema...)
	state.PartitionColumns = cp.PartitionColumns
	for _, add := range cp.Adds {
		state.LiveFiles[add.Path] = add
	}
	if cp.Fingerprints != nil {
		state.Fingerprints = cp.Fingerprints
	}
	return state, nil
}
