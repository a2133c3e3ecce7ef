// Package app wires every module of the engine together and runs them as a
// supervised set of services.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/deltaforge/deltaforge/forgedb"
	"github.com/deltaforge/deltaforge/forgedb/commit"
	"github.com/deltaforge/deltaforge/modules/consumer"
	"github.com/deltaforge/deltaforge/modules/optimizer"
	"github.com/deltaforge/deltaforge/modules/pipeline"
	"github.com/deltaforge/deltaforge/pkg/circuit"
	"github.com/deltaforge/deltaforge/pkg/dlq"
	"github.com/deltaforge/deltaforge/pkg/ingest"
	"github.com/deltaforge/deltaforge/pkg/record"
	"github.com/deltaforge/deltaforge/pkg/registry"
	"github.com/deltaforge/deltaforge/pkg/schema"
	"github.com/deltaforge/deltaforge/pkg/transform"
	"github.com/deltaforge/deltaforge/pkg/util/log"
)

// App owns the wired engine.
type App struct {
	cfg Config

	registry  *registry.Registry
	schemas   *schema.Manager
	writer    *forgedb.Writer
	pipelines *pipeline.Manager
	consumer  *consumer.Consumer
	optimizer *optimizer.Optimizer
}

func New(cfg Config) (*App, error) {
	logger := log.Logger

	reg, err := registry.New(cfg.Topics)
	if err != nil {
		return nil, fmt.Errorf("invalid topic configuration: %w", err)
	}
	if err := cfg.Kafka.Validate(); err != nil {
		return nil, err
	}

	b, err := forgedb.NewBackend(&cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create store backend: %w", err)
	}
	cache := commit.NewCache()
	writer := forgedb.NewWriter(&cfg.Store, b, cache, logger)
	compactor := forgedb.NewCompactor(&cfg.Store, b, cache, logger)
	vacuum := forgedb.NewVacuum(b, logger)

	schemas, err := schema.NewManager(cfg.SchemaManager, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema manager: %w", err)
	}

	producer, err := ingest.NewProducerClient(cfg.Kafka,
		ingest.NewProducerClientMetrics("dlq", prometheus.DefaultRegisterer), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dead-letter producer: %w", err)
	}
	router := dlq.NewRouter(producer, forgedb.EngineInfo, logger)

	opt := optimizer.New(cfg.Optimizer, reg, compactor, vacuum, logger)

	lookups := map[string][]transform.Lookup{}
	for _, topic := range reg.All() {
		if len(topic.Lookups) > 0 {
			lookups[topic.LogicalName] = topic.Lookups
		}
	}

	// The consumer does not exist yet when the pipelines are built, so the
	// durability callback binds late. Records only flow once the consumer
	// runs, by which point the binding is set.
	var markDurable func(record.SourceRef)
	deps := &pipeline.Deps{
		Schemas: schemas,
		Writer:  writer,
		Breaker: circuit.NewRegistry(cfg.Circuit, logger),
		Router:  router,
		Lookups: lookups,
		OnDurable: func(ref record.SourceRef) {
			if markDurable != nil {
				markDurable(ref)
			}
		},
		OnCommit: opt.Notify,
	}
	pipelines := pipeline.NewManager(cfg.Pipeline, reg, deps, logger)

	cons, err := consumer.New(cfg.Kafka, reg, pipelines, prometheus.DefaultRegisterer, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	markDurable = cons.Tracker()

	return &App{
		cfg:       cfg,
		registry:  reg,
		schemas:   schemas,
		writer:    writer,
		pipelines: pipelines,
		consumer:  cons,
		optimizer: opt,
	}, nil
}

// Run starts the engine and blocks until a termination signal arrives. SIGHUP
// drops the schema cache so the next record of each topic refetches.
func (a *App) Run() error {
	ctx := context.Background()

	httpServer, err := a.startHTTP()
	if err != nil {
		return err
	}

	// Consumer starts last so records never arrive before the pipelines and
	// the optimizer are running.
	startOrder := []struct {
		name string
		svc  services.Service
	}{
		{"optimizer", a.optimizer},
		{"pipelines", a.pipelines},
		{"consumer", a.consumer},
	}
	for _, s := range startOrder {
		if err := services.StartAndAwaitRunning(ctx, s.svc); err != nil {
			return fmt.Errorf("failed to start %s: %w", s.name, err)
		}
		level.Info(log.Logger).Log("msg", "service started", "service", s.name)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			level.Info(log.Logger).Log("msg", "received SIGHUP, invalidating schema cache")
			a.schemas.Invalidate()
			continue
		}
		level.Info(log.Logger).Log("msg", "received shutdown signal", "signal", sig)
		break
	}

	// Stop in reverse: quiesce ingest first, then flush, then maintenance.
	for i := len(startOrder) - 1; i >= 0; i-- {
		s := startOrder[i]
		if err := services.StopAndAwaitTerminated(ctx, s.svc); err != nil {
			level.Error(log.Logger).Log("msg", "service failed to stop cleanly", "service", s.name, "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	level.Info(log.Logger).Log("msg", "engine stopped")
	return nil
}
