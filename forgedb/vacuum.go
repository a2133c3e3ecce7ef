package forgedb

import (
	"context"
	"path"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/deltaforge/deltaforge/forgedb/backend"
	"github.com/deltaforge/deltaforge/forgedb/commit"
	"github.com/deltaforge/deltaforge/pkg/failure"
)

// MinVacuumRetention is the smallest retention a vacuum accepts. A shorter
// window could delete files a concurrent writer has staged but not yet
// committed.
const MinVacuumRetention = time.Hour

var metricVacuumedFiles = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "deltaforge",
	Subsystem: "vacuum",
	Name:      "deleted_files_total",
	Help:      "Orphaned data files deleted per table.",
}, []string{"table"})

// VacuumResult lists what a vacuum pass removed, or would remove.
type VacuumResult struct {
	Candidates []string
	Deleted    int
	BytesFreed int64
	DryRun     bool
}

// Vacuum deletes data files under a table prefix that are neither live nor
// recent. Commit log files are never touched.
type Vacuum struct {
	backend backend.RawBackend
	logger  log.Logger
	now     func() time.Time
}

func NewVacuum(b backend.RawBackend, logger log.Logger) *Vacuum {
	return &Vacuum{backend: b, logger: logger, now: time.Now}
}

// Run scans the table and removes orphaned data files older than retention.
// A file survives when any of these hold: it is in the live set, it lives in
// the commit log directory, or its modification time is within retention. The
// last rule protects files staged by an in-flight commit. With dryRun the
// candidates are reported but nothing is deleted.
func (v *Vacuum) Run(ctx context.Context, spec *TableSpec, retention time.Duration, dryRun bool) (*VacuumResult, error) {
	if retention < MinVacuumRetention {
		return nil, failure.New(failure.KindConfig, "",
			"vacuum retention %s is below the minimum %s", retention, MinVacuumRetention)
	}

	state, err := commit.NewLog(v.backend, spec.Prefix).Snapshot(ctx)
	if err != nil {
		return nil, failure.Wrap(failure.KindTransientStore, "", err, "loading state of table %s", spec.Name)
	}

	prefix := strings.TrimSuffix(spec.Prefix, "/") + "/"
	objects, err := v.backend.ListWithAttributes(ctx, prefix)
	if err != nil {
		return nil, failure.Wrap(failure.KindTransientStore, "", err, "listing table %s", spec.Name)
	}

	res := &VacuumResult{DryRun: dryRun}
	cutoff := v.now().Add(-retention)
	logDir := strings.TrimSuffix(spec.Prefix, "/") + "/" + commit.LogDir + "/"

	for _, obj := range objects {
		if strings.HasPrefix(obj.Path, logDir) {
			continue
		}
		if _, live := state.LiveFiles[obj.Path]; live {
			continue
		}
		if obj.LastModified.After(cutoff) {
			continue
		}

		res.Candidates = append(res.Candidates, obj.Path)
		if dryRun {
			continue
		}
		if err := v.backend.Delete(ctx, obj.Path); err != nil {
			return res, failure.Wrap(failure.KindTransientStore, "", err, "deleting %s", obj.Path)
		}
		res.Deleted++
		res.BytesFreed += obj.Size
		metricVacuumedFiles.WithLabelValues(spec.Name).Inc()
		level.Debug(v.logger).Log("msg", "vacuumed orphaned file", "table", spec.Name,
			"file", path.Base(obj.Path), "size", obj.Size)
	}

	level.Info(v.logger).Log("msg", "vacuum pass complete", "table", spec.Name,
		"candidates", len(res.Candidates), "deleted", res.Deleted, "dry_run", dryRun)
	return res, nil
}
