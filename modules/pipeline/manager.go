package pipeline

import (
	"context"
	"flag"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/deltaforge/deltaforge/forgedb"
	"github.com/deltaforge/deltaforge/pkg/batch"
	"github.com/deltaforge/deltaforge/pkg/circuit"
	"github.com/deltaforge/deltaforge/pkg/dlq"
	"github.com/deltaforge/deltaforge/pkg/failure"
	"github.com/deltaforge/deltaforge/pkg/record"
	"github.com/deltaforge/deltaforge/pkg/registry"
	"github.com/deltaforge/deltaforge/pkg/schema"
	"github.com/deltaforge/deltaforge/pkg/transform"
)

var metricPipelineStopped = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "deltaforge",
	Subsystem: "pipeline",
	Name:      "stopped",
	Help:      "1 when a topic's pipeline stopped on a fatal configuration failure.",
}, []string{"topic"})

// Config tunes the engine-wide pipeline settings shared by every topic.
type Config struct {
	ProcessingVersion string        `yaml:"processing_version"`
	COBMaxDaysInPast  int           `yaml:"cob_max_days_in_past"`
	WriterPoolSize    int           `yaml:"writer_pool_size"`
	MemoryBudgetBytes int64         `yaml:"memory_budget_bytes"`
	TickInterval      time.Duration `yaml:"tick_interval"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.ProcessingVersion = "v1"
	cfg.COBMaxDaysInPast = 30
	cfg.WriterPoolSize = 4
	cfg.MemoryBudgetBytes = 1 << 30
	cfg.TickInterval = time.Second
}

// Deps are the collaborators every topic pipeline shares.
type Deps struct {
	Schemas *schema.Manager
	Writer  *forgedb.Writer
	Breaker *circuit.Registry
	Router  *dlq.Router
	Lookups map[string][]transform.Lookup

	// OnDurable reports a record's effect as durable so its offset can be
	// acknowledged.
	OnDurable func(record.SourceRef)
	// OnCommit reports a fresh table commit so the optimizer can react.
	OnCommit func(forgedb.TableSpec)
}

// Manager owns one pipeline per configured topic and the shared flush pool.
// It runs as a service: its loop drives age-based flushes and memory
// shedding.
type Manager struct {
	services.Service

	cfg       Config
	reg       *registry.Registry
	pipelines map[string]*Pipeline // by source topic
	pool      *FlushPool
	budget    *batch.Budget
	logger    log.Logger
}

func NewManager(cfg Config, reg *registry.Registry, deps *Deps, logger log.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		reg:       reg,
		pipelines: map[string]*Pipeline{},
		pool:      NewFlushPool(cfg.WriterPoolSize),
		budget:    batch.NewBudget(cfg.MemoryBudgetBytes),
		logger:    logger,
	}
	for _, spec := range reg.All() {
		m.pipelines[spec.SourceTopic] = newPipeline(spec, deps, m.pool, m.budget,
			cfg.COBMaxDaysInPast, cfg.ProcessingVersion, logger)
	}

	m.Service = services.NewBasicService(nil, m.running, m.stopping)
	return m
}

func (m *Manager) running(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			for _, p := range m.pipelines {
				p.tick(now)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) stopping(_ error) error {
	// Flush whatever is still open, then let in-flight pool work finish.
	drainCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for _, p := range m.pipelines {
		p.Drain(drainCtx)
	}
	m.pool.Stop(drainCtx)
	level.Info(m.logger).Log("msg", "pipelines drained")
	return nil
}

// DrainAll synchronously flushes every open batch of every topic. Safe to
// call more than once.
func (m *Manager) DrainAll(ctx context.Context) {
	for _, p := range m.pipelines {
		p.Drain(ctx)
	}
}

// Handle routes one raw record to its topic's pipeline.
func (m *Manager) Handle(ctx context.Context, raw *record.Raw) error {
	p, ok := m.pipelines[raw.Topic]
	if !ok {
		return failure.New(failure.KindConfig, raw.CorrelationID, "no pipeline for topic %s", raw.Topic)
	}
	return p.Handle(ctx, raw)
}

// Warm preloads the commit cache for the given source topic's table.
func (m *Manager) Warm(ctx context.Context, sourceTopic string) error {
	if p, ok := m.pipelines[sourceTopic]; ok {
		return p.Warm(ctx)
	}
	return nil
}

// DrainPartitions flushes every open batch holding records from the given
// source partitions of one topic.
func (m *Manager) DrainPartitions(ctx context.Context, sourceTopic string, partitions map[int32]struct{}) {
	if p, ok := m.pipelines[sourceTopic]; ok {
		p.DrainPartitions(ctx, partitions)
	}
}

// Stopped reports whether the given source topic's pipeline halted fatally.
func (m *Manager) Stopped(sourceTopic string) bool {
	if p, ok := m.pipelines[sourceTopic]; ok {
		return p.stopped.Load()
	}
	return false
}

// States reports every topic's readiness, keyed by logical name.
func (m *Manager) States() map[string]TopicState {
	states := make(map[string]TopicState, len(m.pipelines))
	for _, p := range m.pipelines {
		states[p.spec.LogicalName] = p.State()
	}
	return states
}
