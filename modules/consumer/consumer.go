// Package consumer runs the group consumer over every configured source
// topic and acknowledges offsets only after their records' effect is durable,
// either committed to a table or written to a dead-letter topic.
package consumer

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"golang.org/x/sync/errgroup"

	"github.com/deltaforge/deltaforge/modules/pipeline"
	"github.com/deltaforge/deltaforge/pkg/ingest"
	"github.com/deltaforge/deltaforge/pkg/record"
	"github.com/deltaforge/deltaforge/pkg/registry"
)

var (
	metricRecordsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deltaforge",
		Subsystem: "consumer",
		Name:      "records_total",
		Help:      "Records fetched from the broker per topic.",
	}, []string{"topic"})
	metricHandleFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deltaforge",
		Subsystem: "consumer",
		Name:      "handle_failures_total",
		Help:      "Records whose pipeline handling failed and whose offset stalled.",
	}, []string{"topic"})
)

// Consumer is the poll loop service.
type Consumer struct {
	services.Service

	cfg       ingest.KafkaConfig
	reg       *registry.Registry
	pipelines *pipeline.Manager
	tracker   *offsetTracker
	logger    log.Logger

	client *kgo.Client
	adm    *kadm.Client

	lagCancel context.CancelFunc
}

func New(cfg ingest.KafkaConfig, reg *registry.Registry, pipelines *pipeline.Manager, prom prometheus.Registerer, logger log.Logger) (*Consumer, error) {
	c := &Consumer{
		cfg:       cfg,
		reg:       reg,
		pipelines: pipelines,
		tracker:   newOffsetTracker(),
		logger:    log.With(logger, "component", "consumer"),
	}

	client, err := ingest.NewGroupReaderClient(cfg, ingest.GroupReaderConfig{
		Topics:     reg.SourceTopics(),
		OnAssigned: c.onAssigned,
		OnRevoked:  c.onRevoked,
		OnLost:     c.onLost,
	}, ingest.NewReaderClientMetrics("consumer", prom), logger)
	if err != nil {
		return nil, err
	}
	c.client = client
	c.adm = kadm.NewClient(client)

	c.Service = services.NewBasicService(c.starting, c.running, c.stopping)
	return c, nil
}

// Tracker returns the durability callback pipelines report into.
func (c *Consumer) Tracker() func(record.SourceRef) {
	return c.tracker.MarkDurable
}

func (c *Consumer) starting(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		return err
	}

	lagCtx, cancel := context.WithCancel(context.Background())
	c.lagCancel = cancel
	ingest.ExportPartitionLagMetrics(lagCtx, c.adm, c.logger, c.cfg.ConsumerGroup,
		c.reg.SourceTopics(), c.tracker.Assigned)

	level.Info(c.logger).Log("msg", "consumer started", "group", c.cfg.ConsumerGroup,
		"topics", len(c.reg.SourceTopics()))
	return nil
}

func (c *Consumer) running(ctx context.Context) error {
	for {
		fetches := c.client.PollRecords(ctx, c.cfg.PollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			// Poll blocked rebalances; lift the block or leaving the group
			// during shutdown waits on it forever.
			c.client.AllowRebalance()
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			level.Error(c.logger).Log("msg", "fetch error", "topic", topic, "partition", partition, "err", err)
		})

		// One goroutine per fetched partition keeps per-partition order while
		// the worker limit caps processing concurrency.
		var g errgroup.Group
		g.SetLimit(c.workers())
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			g.Go(func() error {
				c.consumePartition(ctx, p)
				return nil
			})
		})
		_ = g.Wait()

		c.commitReady(ctx)
		c.pauseStoppedTopics()
		c.client.AllowRebalance()
	}
}

func (c *Consumer) workers() int {
	if c.cfg.Workers > 0 {
		return c.cfg.Workers
	}
	return 1
}

// consumePartition dispatches one partition's records in offset order. A
// failed record stalls its partition's watermark; the broker redelivers it
// after restart or rebalance.
func (c *Consumer) consumePartition(ctx context.Context, p kgo.FetchTopicPartition) {
	for _, r := range p.Records {
		metricRecordsConsumed.WithLabelValues(r.Topic).Inc()
		ingest.SetPartitionLagSeconds(c.cfg.ConsumerGroup, r.Topic, r.Partition, time.Since(r.Timestamp))

		c.tracker.Track(r.Topic, r.Partition, r.Offset)

		raw := &record.Raw{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Payload:   r.Value,
			// The broker timestamp stands in for arrival so a redelivered
			// record enriches, and therefore fingerprints, identically.
			ArrivalTimestamp: r.Timestamp.UTC(),
			CorrelationID:    uuid.NewString(),
		}

		if err := c.pipelines.Handle(ctx, raw); err != nil {
			metricHandleFailures.WithLabelValues(r.Topic).Inc()
			level.Warn(c.logger).Log("msg", "record handling failed, offset not advanced",
				"topic", r.Topic, "partition", r.Partition, "offset", r.Offset, "err", err)
		}
	}
}

func (c *Consumer) commitReady(ctx context.Context) {
	offsets := c.tracker.Committable()
	if len(offsets) == 0 {
		return
	}
	c.client.CommitOffsetsSync(ctx, offsets,
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
			if err != nil {
				level.Error(c.logger).Log("msg", "offset commit failed", "err", err)
			}
		})
}

func (c *Consumer) pauseStoppedTopics() {
	for _, topic := range c.reg.SourceTopics() {
		if c.pipelines.Stopped(topic) {
			c.client.PauseFetchTopics(topic)
		}
	}
}

func (c *Consumer) onAssigned(parts map[string][]int32) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for topic, partitions := range parts {
		level.Info(c.logger).Log("msg", "partitions assigned", "topic", topic, "partitions", len(partitions))
		// Warm the table's commit cache before any record is processed.
		if err := c.pipelines.Warm(ctx, topic); err != nil {
			level.Error(c.logger).Log("msg", "warming table state failed", "topic", topic, "err", err)
		}
	}
}

func (c *Consumer) onRevoked(parts map[string][]int32) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for topic, partitions := range parts {
		level.Info(c.logger).Log("msg", "partitions revoked", "topic", topic, "partitions", len(partitions))

		set := make(map[int32]struct{}, len(partitions))
		for _, p := range partitions {
			set[p] = struct{}{}
		}
		c.pipelines.DrainPartitions(ctx, topic, set)
	}

	// Commit what the drain made durable, then forget the partitions.
	c.commitReady(ctx)
	for topic, partitions := range parts {
		c.tracker.Drop(topic, partitions)
		ingest.ResetLagMetricsForRevokedPartitions(c.cfg.ConsumerGroup, topic, partitions)
	}
}

func (c *Consumer) onLost(parts map[string][]int32) {
	// Ownership is already gone: no flush, no commit, just forget.
	for topic, partitions := range parts {
		level.Warn(c.logger).Log("msg", "partitions lost", "topic", topic, "partitions", len(partitions))
		c.tracker.Drop(topic, partitions)
		ingest.ResetLagMetricsForRevokedPartitions(c.cfg.ConsumerGroup, topic, partitions)
	}
}

func (c *Consumer) stopping(_ error) error {
	// Drain open batches so their offsets can be committed before leaving
	// the group.
	drainCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	c.pipelines.DrainAll(drainCtx)
	c.commitReady(drainCtx)

	if c.lagCancel != nil {
		c.lagCancel()
	}
	// CloseAllowingRebalance: a plain Close deadlocks against the rebalance
	// block held since the last poll.
	c.client.CloseAllowingRebalance()
	level.Info(c.logger).Log("msg", "consumer stopped")
	return nil
}
