package forgedb

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/deltaforge/deltaforge/forgedb/backend"
	"github.com/deltaforge/deltaforge/forgedb/commit"
	"github.com/deltaforge/deltaforge/forgedb/encoding"
	"github.com/deltaforge/deltaforge/pkg/failure"
)

var (
	metricCompactionRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deltaforge",
		Subsystem: "compactor",
		Name:      "runs_total",
		Help:      "Compaction runs per table and outcome.",
	}, []string{"table", "outcome"})
	metricCompactedFiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deltaforge",
		Subsystem: "compactor",
		Name:      "input_files_total",
		Help:      "Small files folded into larger ones.",
	}, []string{"table"})
	metricCompactedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deltaforge",
		Subsystem: "compactor",
		Name:      "input_bytes_total",
		Help:      "Bytes read from files folded by compaction.",
	}, []string{"table"})
)

// CompactionResult summarises one compaction run over a table.
type CompactionResult struct {
	Version      int64
	BinsWritten  int
	FilesRemoved int
	BytesRead    int64
	Aborted      int
}

// Compactor folds a table's small data files into fewer larger ones. It only
// rewrites bytes: every OPTIMIZE commit carries a byte-identical logical row
// set, and a concurrent writer winning the version race simply aborts the bin.
type Compactor struct {
	cfg     *Config
	backend backend.RawBackend
	cache   *commit.Cache
	logger  log.Logger
	now     func() time.Time
}

func NewCompactor(cfg *Config, b backend.RawBackend, cache *commit.Cache, logger log.Logger) *Compactor {
	return &Compactor{cfg: cfg, backend: b, cache: cache, logger: logger, now: time.Now}
}

// Compact runs one compaction pass over the table. Each bin commits
// independently, so a lost race costs one bin, not the run.
func (c *Compactor) Compact(ctx context.Context, spec *TableSpec) (*CompactionResult, error) {
	res := &CompactionResult{Version: -1}

	state, err := commit.NewLog(c.backend, spec.Prefix).Snapshot(ctx)
	if err != nil {
		return nil, failure.Wrap(failure.KindTransientStore, "", err, "loading state of table %s", spec.Name)
	}
	if !state.Exists() {
		return res, nil
	}
	res.Version = state.Version

	bins := planBins(state, spec.minCompactBytes(), spec.targetFileBytes())
	if len(bins) == 0 {
		metricCompactionRuns.WithLabelValues(spec.Name, "noop").Inc()
		return res, nil
	}

	for _, bin := range bins {
		committed, err := c.compactBin(ctx, spec, state, bin)
		if err != nil {
			metricCompactionRuns.WithLabelValues(spec.Name, "error").Inc()
			return res, err
		}
		if !committed {
			// A writer advanced the table under us. Re-read and keep going:
			// the remaining bins may still apply cleanly.
			res.Aborted++
			state, err = commit.NewLog(c.backend, spec.Prefix).Snapshot(ctx)
			if err != nil {
				return res, failure.Wrap(failure.KindTransientStore, "", err, "reloading state of table %s", spec.Name)
			}
			continue
		}

		res.BinsWritten++
		res.FilesRemoved += len(bin.files)
		res.BytesRead += bin.bytes
		res.Version = state.Version
		metricCompactedFiles.WithLabelValues(spec.Name).Add(float64(len(bin.files)))
		metricCompactedBytes.WithLabelValues(spec.Name).Add(float64(bin.bytes))
	}

	c.cache.Put(spec.Prefix, state)
	metricCompactionRuns.WithLabelValues(spec.Name, "ok").Inc()
	level.Info(c.logger).Log("msg", "compaction pass complete", "table", spec.Name,
		"bins", res.BinsWritten, "files_removed", res.FilesRemoved, "aborted", res.Aborted)
	return res, nil
}

type compactionBin struct {
	partitionValues map[string]string
	files           []commit.Add
	bytes           int64
}

// planBins groups live files below the compaction threshold by partition tuple
// and packs them into bins no larger than targetBytes. Single-file bins are
// dropped, there is nothing to fold.
func planBins(state *commit.State, minBytes, targetBytes int64) []compactionBin {
	byPartition := map[string][]commit.Add{}
	for _, add := range state.LiveFiles {
		if add.Size >= minBytes {
			continue
		}
		key := partitionKey(add.PartitionValues)
		byPartition[key] = append(byPartition[key], add)
	}

	keys := make([]string, 0, len(byPartition))
	for k := range byPartition {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var bins []compactionBin
	for _, key := range keys {
		files := byPartition[key]
		// Largest first packs tighter; ties break on path for determinism.
		sort.Slice(files, func(i, j int) bool {
			if files[i].Size != files[j].Size {
				return files[i].Size > files[j].Size
			}
			return files[i].Path < files[j].Path
		})

		var cur compactionBin
		for _, f := range files {
			if len(cur.files) > 0 && cur.bytes+f.Size > targetBytes {
				if len(cur.files) > 1 {
					bins = append(bins, cur)
				}
				cur = compactionBin{}
			}
			if cur.partitionValues == nil {
				cur.partitionValues = f.PartitionValues
			}
			cur.files = append(cur.files, f)
			cur.bytes += f.Size
		}
		if len(cur.files) > 1 {
			bins = append(bins, cur)
		}
	}
	return bins
}

// compactBin rewrites one bin and commits the swap. Returns false when the
// commit lost a version race.
func (c *Compactor) compactBin(ctx context.Context, spec *TableSpec, state *commit.State, bin compactionBin) (bool, error) {
	s, err := state.Schema()
	if err != nil {
		return false, failure.Wrap(failure.KindConfig, "", err, "resolving schema of %s", spec.Name)
	}

	// Read inputs in path order so the rewritten row order is reproducible.
	sort.Slice(bin.files, func(i, j int) bool { return bin.files[i].Path < bin.files[j].Path })

	var rows []map[string]any
	for _, f := range bin.files {
		data, err := c.backend.Read(ctx, f.Path)
		if err != nil {
			return false, failure.Wrap(failure.KindTransientStore, "", err, "reading %s", f.Path)
		}
		fileRows, err := encoding.ReadFile(s, data)
		if err != nil {
			return false, failure.Wrap(failure.KindValidation, "", err, "decoding %s", f.Path)
		}
		rows = append(rows, fileRows...)
	}

	data, stats, err := encoding.WriteFile(s, rows, c.cfg.RowGroupBytes)
	if err != nil {
		return false, failure.Wrap(failure.KindValidation, "", err, "encoding compacted file")
	}

	path := compactedFilePath(spec, bin)
	if err := c.backend.Write(ctx, path, strings.NewReader(string(data)), int64(len(data))); err != nil {
		return false, failure.Wrap(failure.KindTransientStore, "", err, "uploading %s", path)
	}

	entry := &commit.Entry{
		Version: state.Version + 1,
		Adds: []commit.Add{{
			Path:            path,
			Size:            int64(len(data)),
			PartitionValues: bin.partitionValues,
			RowCount:        int64(len(rows)),
			Stats:           stats,
		}},
		Info: commit.Info{
			Timestamp:  c.now().UnixMilli(),
			Operation:  commit.OperationOptimize,
			EngineInfo: EngineInfo,
		},
	}
	for _, f := range bin.files {
		entry.Removes = append(entry.Removes, commit.Remove{Path: f.Path})
	}

	body, err := entry.Marshal()
	if err != nil {
		return false, failure.Wrap(failure.KindValidation, "", err, "encoding commit")
	}
	err = c.backend.CreateIfNotExists(ctx, commit.Path(spec.Prefix, entry.Version), body)
	switch {
	case err == nil:
	case err == backend.ErrAlreadyExists:
		level.Info(c.logger).Log("msg", "compaction bin lost version race, aborting bin",
			"table", spec.Name, "version", entry.Version)
		return false, nil
	default:
		return false, failure.Wrap(failure.KindTransientStore, "", err, "writing commit %d of %s", entry.Version, spec.Name)
	}

	metricCommitsTotal.WithLabelValues(spec.Name, commit.OperationOptimize).Inc()
	if err := state.Apply(entry); err != nil {
		return false, fmt.Errorf("folding optimize commit: %w", err)
	}
	return true, nil
}

// compactedFilePath derives the output name from the input paths so a retried
// bin stages the same object.
func compactedFilePath(spec *TableSpec, bin compactionBin) string {
	var sb strings.Builder
	for _, f := range bin.files {
		sb.WriteString(f.Path)
		sb.WriteByte('\n')
	}
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(sb.String()))

	var out strings.Builder
	out.WriteString(strings.TrimSuffix(spec.Prefix, "/"))
	for _, col := range spec.PartitionColumns {
		out.WriteByte('/')
		out.WriteString(url.PathEscape(col))
		out.WriteByte('=')
		out.WriteString(url.PathEscape(bin.partitionValues[col]))
	}
	fmt.Fprintf(&out, "/part-%s-compacted.parquet", id)
	return out.String()
}

func partitionKey(values map[string]string) string {
	cols := make([]string, 0, len(values))
	for c := range values {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	var sb strings.Builder
	for _, c := range cols {
		sb.WriteString(c)
		sb.WriteByte('=')
		sb.WriteString(values[c])
		sb.WriteByte('/')
	}
	return sb.String()
}
