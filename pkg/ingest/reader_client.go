// Package ingest builds the franz-go clients the pipeline consumes and
// produces with. Reader clients join one consumer group over all source
// topics with manual offset commits; the writer client carries dead-letter
// traffic.
package ingest

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"
)

func commonKafkaClientOptions(cfg KafkaConfig, metrics *kprom.Metrics, logger log.Logger) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.ClientID(cfg.ClientID),
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DialTimeout(cfg.DialTimeout),
		kgo.MetadataMinAge(10 * time.Second),
		kgo.MetadataMaxAge(time.Minute),
		kgo.WithLogger(newKgoLogger(logger)),
	}
	if cfg.InstanceID != "" {
		opts = append(opts, kgo.InstanceID(cfg.InstanceID))
	}
	if metrics != nil {
		opts = append(opts, kgo.WithHooks(metrics))
	}
	return opts
}

// NewReaderClient returns a kgo.Client tuned for consuming.
func NewReaderClient(cfg KafkaConfig, metrics *kprom.Metrics, logger log.Logger, opts ...kgo.Opt) (*kgo.Client, error) {
	const fetchMaxBytes = 100_000_000

	opts = append(opts, commonKafkaClientOptions(cfg, metrics, logger)...)
	opts = append(opts,
		kgo.FetchMinBytes(1),
		kgo.FetchMaxBytes(fetchMaxBytes),
		kgo.FetchMaxWait(5*time.Second),
		kgo.FetchMaxPartitionBytes(50_000_000),

		// BrokerMaxReadBytes sets the maximum response size that can be read
		// from the broker. Safety measure against OOMing on invalid
		// responses; franz-go recommends 2x FetchMaxBytes.
		kgo.BrokerMaxReadBytes(2*fetchMaxBytes),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating kafka reader client")
	}
	return client, nil
}

// GroupReaderConfig carries the rebalance callbacks the consumer loop hooks
// into partition assignment with.
type GroupReaderConfig struct {
	Topics []string

	OnAssigned func(map[string][]int32)
	OnRevoked  func(map[string][]int32)
	OnLost     func(map[string][]int32)
}

// NewGroupReaderClient returns a consumer-group client over the given topics.
// Offsets are committed manually, only after a record's effect is durable.
func NewGroupReaderClient(cfg KafkaConfig, group GroupReaderConfig, metrics *kprom.Metrics, logger log.Logger, opts ...kgo.Opt) (*kgo.Client, error) {
	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeTopics(group.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.RebalanceTimeout(cfg.MaxPollInterval),
		kgo.Balancers(kgo.CooperativeStickyBalancer()),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		// Revocation callbacks must observe a quiesced poll loop: batches for
		// revoked partitions are flushed before the group re-forms.
		kgo.BlockRebalanceOnPoll(),
	)
	if group.OnAssigned != nil {
		opts = append(opts, kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, parts map[string][]int32) {
			group.OnAssigned(parts)
		}))
	}
	if group.OnRevoked != nil {
		opts = append(opts, kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, parts map[string][]int32) {
			group.OnRevoked(parts)
		}))
	}
	if group.OnLost != nil {
		opts = append(opts, kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, parts map[string][]int32) {
			group.OnLost(parts)
		}))
	}

	return NewReaderClient(cfg, metrics, logger, opts...)
}

func NewReaderClientMetrics(component string, reg prometheus.Registerer) *kprom.Metrics {
	return kprom.NewMetrics("deltaforge_ingest_reader",
		kprom.Registerer(prometheus.WrapRegistererWith(prometheus.Labels{"component": component}, reg)),
		kprom.FetchAndProduceDetail(kprom.Batches, kprom.Records, kprom.CompressedBytes, kprom.UncompressedBytes))
}
