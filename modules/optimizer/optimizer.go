// Package optimizer compacts and vacuums destination tables in the
// background. It reacts to table-updated events from the writer path and
// never blocks ingest: at most one maintenance run is in flight per table,
// and the event channel drops on overflow since a missed event only delays
// compaction until the next commit.
package optimizer

import (
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/deltaforge/deltaforge/forgedb"
	"github.com/deltaforge/deltaforge/pkg/registry"
)

var metricEventsDropped = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "deltaforge",
	Subsystem: "optimizer",
	Name:      "events_dropped_total",
	Help:      "Table-updated events dropped because the queue was full.",
})

type Config struct {
	QueueSize      int           `yaml:"queue_size"`
	VacuumInterval time.Duration `yaml:"vacuum_interval"`
	RunTimeout     time.Duration `yaml:"run_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.QueueSize = 128
	cfg.VacuumInterval = time.Hour
	cfg.RunTimeout = 10 * time.Minute
}

// Optimizer is the background maintenance service.
type Optimizer struct {
	services.Service

	cfg       Config
	reg       *registry.Registry
	compactor *forgedb.Compactor
	vacuum    *forgedb.Vacuum
	logger    log.Logger

	events chan forgedb.TableSpec

	mtx sync.Mutex
	// commits seen per table prefix since its last optimize run.
	commitCounts map[string]int64
	inFlight     map[string]bool
}

func New(cfg Config, reg *registry.Registry, compactor *forgedb.Compactor, vacuum *forgedb.Vacuum, logger log.Logger) *Optimizer {
	o := &Optimizer{
		cfg:          cfg,
		reg:          reg,
		compactor:    compactor,
		vacuum:       vacuum,
		logger:       log.With(logger, "component", "optimizer"),
		events:       make(chan forgedb.TableSpec, cfg.QueueSize),
		commitCounts: map[string]int64{},
		inFlight:     map[string]bool{},
	}
	o.Service = services.NewBasicService(nil, o.running, o.stopping)
	return o
}

// Notify records that the table just took a commit. Non-blocking.
func (o *Optimizer) Notify(spec forgedb.TableSpec) {
	select {
	case o.events <- spec:
	default:
		metricEventsDropped.Inc()
	}
}

func (o *Optimizer) running(ctx context.Context) error {
	var vacuumCh <-chan time.Time
	if o.cfg.VacuumInterval > 0 {
		ticker := time.NewTicker(o.cfg.VacuumInterval)
		defer ticker.Stop()
		vacuumCh = ticker.C
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case spec := <-o.events:
			if !o.shouldCompact(&spec) {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.compact(ctx, spec)
			}()

		case <-vacuumCh:
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.vacuumAll(ctx)
			}()

		case <-ctx.Done():
			return nil
		}
	}
}

func (o *Optimizer) stopping(_ error) error {
	return nil
}

// shouldCompact counts the commit and claims the table when its optimize
// interval elapsed and no run is in flight.
func (o *Optimizer) shouldCompact(spec *forgedb.TableSpec) bool {
	topic, ok := o.topicFor(spec.Prefix)
	if !ok || !topic.Table.EnableOptimize {
		return false
	}

	o.mtx.Lock()
	defer o.mtx.Unlock()

	o.commitCounts[spec.Prefix]++
	if o.commitCounts[spec.Prefix] < topic.Table.OptimizeInterval || o.inFlight[spec.Prefix] {
		return false
	}
	o.commitCounts[spec.Prefix] = 0
	o.inFlight[spec.Prefix] = true
	return true
}

func (o *Optimizer) compact(ctx context.Context, spec forgedb.TableSpec) {
	defer func() {
		o.mtx.Lock()
		o.inFlight[spec.Prefix] = false
		o.mtx.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
	defer cancel()

	res, err := o.compactor.Compact(runCtx, &spec)
	if err != nil {
		level.Error(o.logger).Log("msg", "compaction failed", "table", spec.Name, "err", err)
		return
	}
	if res.BinsWritten > 0 {
		level.Info(o.logger).Log("msg", "compacted table", "table", spec.Name,
			"bins", res.BinsWritten, "files_removed", res.FilesRemoved)
	}
}

func (o *Optimizer) vacuumAll(ctx context.Context) {
	for _, topic := range o.reg.All() {
		if !topic.Table.EnableVacuum {
			continue
		}
		spec := topic.TableSpec()

		runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)
		res, err := o.vacuum.Run(runCtx, &spec, topic.Table.VacuumRetention, false)
		cancel()
		if err != nil {
			level.Error(o.logger).Log("msg", "vacuum failed", "table", spec.Name, "err", err)
			continue
		}
		if res.Deleted > 0 {
			level.Info(o.logger).Log("msg", "vacuumed table", "table", spec.Name,
				"deleted", res.Deleted, "bytes_freed", res.BytesFreed)
		}
	}
}

func (o *Optimizer) topicFor(prefix string) (*registry.TopicSpec, bool) {
	for _, t := range o.reg.All() {
		if t.Destination.Prefix == prefix {
			return t, true
		}
	}
	return nil, false
}
