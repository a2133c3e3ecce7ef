package forgedb

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"github.com/deltaforge/deltaforge/forgedb/backend"
	"github.com/deltaforge/deltaforge/forgedb/commit"
	"github.com/deltaforge/deltaforge/forgedb/encoding"
	"github.com/deltaforge/deltaforge/pkg/failure"
	"github.com/deltaforge/deltaforge/pkg/schema"
)

const uploadConcurrency = 4

var (
	metricCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deltaforge",
		Subsystem: "writer",
		Name:      "commits_total",
		Help:      "Total number of commits written per table and operation.",
	}, []string{"table", "operation"})
	metricCommitConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deltaforge",
		Subsystem: "writer",
		Name:      "commit_conflicts_total",
		Help:      "Total number of commit attempts lost to another writer.",
	}, []string{"table"})
	metricAlreadyApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deltaforge",
		Subsystem: "writer",
		Name:      "batches_already_applied_total",
		Help:      "Batches skipped because their fingerprint was already committed.",
	}, []string{"table"})
	metricBytesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deltaforge",
		Subsystem: "writer",
		Name:      "data_bytes_written_total",
		Help:      "Bytes of data files uploaded, including files later orphaned.",
	}, []string{"table"})
	metricCommitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                   "deltaforge",
		Subsystem:                   "writer",
		Name:                        "commit_duration_seconds",
		Help:                        "Time from write request to durable commit.",
		NativeHistogramBucketFactor: 1.1,
	}, []string{"table"})
)

// WriteRequest asks for one batch to be committed to a table. Rows are
// ordered, enriched and coerced; they all share PartitionValues.
type WriteRequest struct {
	Spec            TableSpec
	Schema          *schema.Schema
	Rows            []map[string]any
	PartitionValues map[string]string
	CorrelationID   string
}

// WriteResult reports the outcome of a committed (or deduplicated) batch.
type WriteResult struct {
	Version        int64
	FilesAdded     int
	BytesAdded     int64
	RowsAdded      int64
	AlreadyApplied bool
	Fingerprint    string
}

// Writer atomically adds data files to tables. Safe for concurrent use across
// tables; per-table serialisation comes from the store's atomic create.
type Writer struct {
	cfg     *Config
	backend backend.RawBackend
	cache   *commit.Cache
	logger  log.Logger
	now     func() time.Time
}

func NewWriter(cfg *Config, b backend.RawBackend, cache *commit.Cache, logger log.Logger) *Writer {
	return &Writer{cfg: cfg, backend: b, cache: cache, logger: logger, now: time.Now}
}

// Write commits req's rows as a new table version. An empty batch is a no-op.
// Replays of an already-committed batch are detected by fingerprint and
// succeed without effect.
func (w *Writer) Write(ctx context.Context, req *WriteRequest) (*WriteResult, error) {
	if len(req.Rows) == 0 {
		state := w.cache.Get(req.Spec.Prefix)
		version := int64(-1)
		if state != nil {
			version = state.Version
		}
		return &WriteResult{Version: version}, nil
	}

	if err := validatePartitionValues(&req.Spec, req.PartitionValues, req.CorrelationID); err != nil {
		return nil, err
	}

	defer func(t time.Time) {
		metricCommitDuration.WithLabelValues(req.Spec.Name).Observe(time.Since(t).Seconds())
	}(time.Now())

	state, err := w.tableState(ctx, &req.Spec)
	if err != nil {
		return nil, err
	}

	if !state.Exists() {
		state, err = w.createTable(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	if !equalColumns(state.PartitionColumns, req.Spec.PartitionColumns) {
		return nil, failure.New(failure.KindConfig, req.CorrelationID,
			"table %s is partitioned by %v but topic declares %v",
			req.Spec.Name, state.PartitionColumns, req.Spec.PartitionColumns)
	}

	fp, err := Fingerprint(req.Rows, req.PartitionValues, req.Schema.Version)
	if err != nil {
		return nil, failure.Wrap(failure.KindValidation, req.CorrelationID, err, "fingerprinting batch")
	}

	var (
		staged       []stagedFile
		stagedSchema []byte
	)

	for attempt := 0; attempt <= w.cfg.ConflictRetries; attempt++ {
		if v, ok := state.Fingerprints[fp]; ok {
			level.Info(w.logger).Log("msg", "batch already applied, discarding staged files",
				"table", req.Spec.Name, "fingerprint", fp, "version", v)
			metricAlreadyApplied.WithLabelValues(req.Spec.Name).Inc()
			return &WriteResult{Version: v, AlreadyApplied: true, Fingerprint: fp}, nil
		}

		liveSchema, err := state.Schema()
		if err != nil {
			return nil, failure.Wrap(failure.KindConfig, req.CorrelationID, err, "resolving live schema of %s", req.Spec.Name)
		}

		writeSchema, schemaChanged, err := schema.Widen(liveSchema, req.Schema, req.Spec.Evolution, req.CorrelationID)
		if err != nil {
			return nil, err
		}
		writeSchemaJSON, err := writeSchema.Marshal()
		if err != nil {
			return nil, failure.Wrap(failure.KindValidation, req.CorrelationID, err, "encoding schema")
		}

		// Stage data files, reusing the previous staging when a rebase left
		// the schema untouched.
		if staged == nil || !bytes.Equal(stagedSchema, writeSchemaJSON) {
			staged, err = w.stageFiles(ctx, req, writeSchema, fp)
			if err != nil {
				return nil, err
			}
			stagedSchema = writeSchemaJSON
		}

		entry := &commit.Entry{
			Version: state.Version + 1,
			Info: commit.Info{
				Timestamp:        w.now().UnixMilli(),
				Operation:        commit.OperationWrite,
				EngineInfo:       EngineInfo,
				CorrelationID:    req.CorrelationID,
				BatchFingerprint: fp,
			},
		}
		if schemaChanged {
			entry.MetaData = &commit.MetaData{
				SchemaJSON:       writeSchemaJSON,
				PartitionColumns: req.Spec.PartitionColumns,
			}
		}
		var bytesAdded, rowsAdded int64
		for _, sf := range staged {
			entry.Adds = append(entry.Adds, sf.add)
			bytesAdded += sf.add.Size
			rowsAdded += sf.add.RowCount
		}

		committed, err := w.tryCommit(ctx, &req.Spec, entry)
		if err != nil {
			return nil, err
		}
		if committed {
			metricCommitsTotal.WithLabelValues(req.Spec.Name, commit.OperationWrite).Inc()
			w.updateCache(ctx, &req.Spec, state, entry)
			return &WriteResult{
				Version:     entry.Version,
				FilesAdded:  len(entry.Adds),
				BytesAdded:  bytesAdded,
				RowsAdded:   rowsAdded,
				Fingerprint: fp,
			}, nil
		}

		// Lost the race: someone committed this version first. Re-read and
		// either deduplicate by fingerprint or rebase on the new head.
		metricCommitConflicts.WithLabelValues(req.Spec.Name).Inc()
		level.Info(w.logger).Log("msg", "commit conflict, rebasing",
			"table", req.Spec.Name, "version", entry.Version, "attempt", attempt)

		state, err = w.refreshState(ctx, &req.Spec)
		if err != nil {
			return nil, err
		}

		select {
		case <-time.After(w.cfg.ConflictBackoff * time.Duration(attempt+1)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, failure.New(failure.KindCommitConflict, req.CorrelationID,
		"table %s: gave up after %d commit conflicts", req.Spec.Name, w.cfg.ConflictRetries)
}

type stagedFile struct {
	add commit.Add
}

// stageFiles encodes and uploads the batch's data files, split so no single
// file exceeds the target size. File names derive from the batch fingerprint,
// so a replay stages identical paths.
func (w *Writer) stageFiles(ctx context.Context, req *WriteRequest, writeSchema *schema.Schema, fp string) ([]stagedFile, error) {
	chunks := splitRows(req.Rows, req.Spec.targetFileBytes())

	staged := make([]stagedFile, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)

	for i, chunk := range chunks {
		g.Go(func() error {
			data, stats, err := encoding.WriteFile(writeSchema, chunk, w.cfg.RowGroupBytes)
			if err != nil {
				return failure.Wrap(failure.KindValidation, req.CorrelationID, err, "encoding data file")
			}

			path := dataFilePath(&req.Spec, req.PartitionValues, fp, i)
			if err := w.backend.Write(gctx, path, bytes.NewReader(data), int64(len(data))); err != nil {
				return failure.Wrap(failure.KindTransientStore, req.CorrelationID, err, "uploading data file %s", path)
			}
			metricBytesWritten.WithLabelValues(req.Spec.Name).Add(float64(len(data)))

			staged[i] = stagedFile{add: commit.Add{
				Path:            path,
				Size:            int64(len(data)),
				PartitionValues: req.PartitionValues,
				RowCount:        int64(len(chunk)),
				Stats:           stats,
			}}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return staged, nil
}

// tryCommit attempts the atomic create of the commit entry. Returns false on
// a version conflict.
func (w *Writer) tryCommit(ctx context.Context, spec *TableSpec, entry *commit.Entry) (bool, error) {
	body, err := entry.Marshal()
	if err != nil {
		return false, failure.Wrap(failure.KindValidation, entry.Info.CorrelationID, err, "encoding commit")
	}

	err = w.backend.CreateIfNotExists(ctx, commit.Path(spec.Prefix, entry.Version), body)
	switch {
	case err == nil:
		return true, nil
	case err == backend.ErrAlreadyExists:
		return false, nil
	default:
		return false, failure.Wrap(failure.KindTransientStore, entry.Info.CorrelationID, err,
			"writing commit %d of %s", entry.Version, spec.Name)
	}
}

// createTable stages commit 0 with the initial schema and partition columns.
// Losing the creation race to another writer is success.
func (w *Writer) createTable(ctx context.Context, req *WriteRequest) (*commit.State, error) {
	schemaJSON, err := req.Schema.Marshal()
	if err != nil {
		return nil, failure.Wrap(failure.KindValidation, req.CorrelationID, err, "encoding schema")
	}

	entry := &commit.Entry{
		Version:  0,
		Protocol: &commit.Protocol{Version: commit.ProtocolVersion},
		MetaData: &commit.MetaData{
			SchemaJSON:       schemaJSON,
			PartitionColumns: req.Spec.PartitionColumns,
		},
		Info: commit.Info{
			Timestamp:     w.now().UnixMilli(),
			Operation:     commit.OperationCreate,
			EngineInfo:    EngineInfo,
			CorrelationID: req.CorrelationID,
		},
	}

	committed, err := w.tryCommit(ctx, &req.Spec, entry)
	if err != nil {
		return nil, err
	}
	if committed {
		level.Info(w.logger).Log("msg", "created table", "table", req.Spec.Name, "prefix", req.Spec.Prefix)
		metricCommitsTotal.WithLabelValues(req.Spec.Name, commit.OperationCreate).Inc()
	}

	return w.refreshState(ctx, &req.Spec)
}

// Warm loads the table's current state into the shared cache. Consumers call
// it on partition assignment before processing any record for the table.
func (w *Writer) Warm(ctx context.Context, spec *TableSpec) error {
	_, err := w.refreshState(ctx, spec)
	return err
}

// tableState returns the cached state or replays the log on a cold cache.
func (w *Writer) tableState(ctx context.Context, spec *TableSpec) (*commit.State, error) {
	if state := w.cache.Get(spec.Prefix); state != nil {
		return state, nil
	}
	return w.refreshState(ctx, spec)
}

func (w *Writer) refreshState(ctx context.Context, spec *TableSpec) (*commit.State, error) {
	state, err := commit.NewLog(w.backend, spec.Prefix).Snapshot(ctx)
	if err != nil {
		return nil, failure.Wrap(failure.KindTransientStore, "", err, "loading state of table %s", spec.Name)
	}
	if state.Exists() {
		w.cache.Put(spec.Prefix, state)
	}
	return state, nil
}

// updateCache folds the committed entry into the cached state and emits a
// checkpoint on the configured cadence. Checkpoint failures only cost replay
// time, so they are logged and swallowed.
func (w *Writer) updateCache(ctx context.Context, spec *TableSpec, state *commit.State, entry *commit.Entry) {
	if err := state.Apply(entry); err != nil {
		// The commit is durable; a cache fold error only means a stale cache.
		level.Warn(w.logger).Log("msg", "failed to fold commit into cache", "table", spec.Name, "err", err)
		w.cache.Invalidate(spec.Prefix)
		return
	}
	w.cache.Put(spec.Prefix, state)

	if w.cfg.CheckpointInterval > 0 && entry.Version > 0 && entry.Version%w.cfg.CheckpointInterval == 0 {
		if err := commit.NewLog(w.backend, spec.Prefix).WriteCheckpoint(ctx, state); err != nil {
			level.Warn(w.logger).Log("msg", "failed to write checkpoint", "table", spec.Name, "version", state.Version, "err", err)
		}
	}
}

// splitRows cuts rows into chunks whose estimated size stays under
// targetBytes. Order is preserved.
func splitRows(rows []map[string]any, targetBytes int64) [][]map[string]any {
	var (
		chunks [][]map[string]any
		cur    []map[string]any
		size   int64
	)
	for _, row := range rows {
		rowSize := encoding.EstimateRowBytes(row)
		if len(cur) > 0 && size+rowSize > targetBytes {
			chunks = append(chunks, cur)
			cur, size = nil, 0
		}
		cur = append(cur, row)
		size += rowSize
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// dataFilePath builds <prefix>/<col=value>/…/part-<uuid>-<fp8>.parquet with
// partition segments in declared order. The uuid is derived from the
// fingerprint and chunk index so replays stage the same paths.
func dataFilePath(spec *TableSpec, partitionValues map[string]string, fp string, seq int) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSuffix(spec.Prefix, "/"))
	for _, col := range spec.PartitionColumns {
		sb.WriteByte('/')
		sb.WriteString(url.PathEscape(col))
		sb.WriteByte('=')
		sb.WriteString(url.PathEscape(partitionValues[col]))
	}
	id := uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s-%d", fp, seq))
	fmt.Fprintf(&sb, "/part-%s-%s.parquet", id, shortFingerprint(fp))
	return sb.String()
}

func validatePartitionValues(spec *TableSpec, values map[string]string, correlationID string) error {
	if len(spec.PartitionColumns) == 0 {
		return failure.New(failure.KindConfig, correlationID, "table %s declares no partition columns", spec.Name)
	}
	for _, col := range spec.PartitionColumns {
		if _, ok := values[col]; !ok {
			return failure.New(failure.KindValidation, correlationID,
				"batch for table %s is missing partition value %q", spec.Name, col)
		}
	}
	if len(values) != len(spec.PartitionColumns) {
		return failure.New(failure.KindValidation, correlationID,
			"batch for table %s carries %d partition values, expected %d", spec.Name, len(values), len(spec.PartitionColumns))
	}
	return nil
}

func equalColumns(a, b []string) bool {
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
