package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
)

const (
	labelGroup     = "group"
	labelTopic     = "topic"
	labelPartition = "partition"
)

var (
	metricPartitionLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "deltaforge",
		Subsystem: "ingest",
		Name:      "group_partition_lag",
		Help:      "Consumer lag of a partition in records.",
	}, []string{labelGroup, labelTopic, labelPartition})

	metricPartitionLagSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "deltaforge",
		Subsystem: "ingest",
		Name:      "group_partition_lag_seconds",
		Help:      "Consumer lag of a partition in seconds.",
	}, []string{labelGroup, labelTopic, labelPartition})
)

// ExportPartitionLagMetrics periodically queries broker state for the given
// topics and exports per-partition record lag. Call
// ResetLagMetricsForRevokedPartitions on revocation so stale series do not
// linger.
func ExportPartitionLagMetrics(ctx context.Context, admClient *kadm.Client, logger log.Logger, group string, topics []string, assigned func(topic string) []int32) {
	go func() {
		const waitTime = 15 * time.Second

		for {
			select {
			case <-time.After(waitTime):
				for _, topic := range topics {
					lag, err := getGroupLag(ctx, admClient, topic, group)
					if err != nil {
						level.Error(logger).Log("msg", "lag metric export failed", "topic", topic, "err", err)
						continue
					}
					for _, p := range assigned(topic) {
						if l, ok := lag.Lookup(topic, p); ok {
							metricPartitionLag.WithLabelValues(group, topic, strconv.Itoa(int(p))).Set(float64(l.Lag))
						}
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// SetPartitionLagSeconds exports wall-clock lag, which is only known once a
// record has been read. Set by the consumer loop per fetched record.
func SetPartitionLagSeconds(group, topic string, partition int32, lag time.Duration) {
	metricPartitionLagSeconds.WithLabelValues(group, topic, strconv.Itoa(int(partition))).Set(lag.Seconds())
}

// ResetLagMetricsForRevokedPartitions drops the lag series of partitions the
// process no longer owns.
func ResetLagMetricsForRevokedPartitions(group, topic string, partitions []int32) {
	for _, p := range partitions {
		l := strconv.Itoa(int(p))
		metricPartitionLag.DeletePartialMatch(prometheus.Labels{labelGroup: group, labelTopic: topic, labelPartition: l})
		metricPartitionLagSeconds.DeletePartialMatch(prometheus.Labels{labelGroup: group, labelTopic: topic, labelPartition: l})
	}
}

// getGroupLag is similar to kadm.Client.Lag but works when the group has no
// live participants and when the group has no commits yet.
func getGroupLag(ctx context.Context, admClient *kadm.Client, topic, group string) (kadm.GroupLag, error) {
	offsets, err := admClient.FetchOffsets(ctx, group)
	if err != nil {
		if !errors.Is(err, kerr.GroupIDNotFound) {
			return nil, fmt.Errorf("fetch offsets: %w", err)
		}
	}
	if err := offsets.Error(); err != nil {
		return nil, fmt.Errorf("fetch offsets got error in response: %w", err)
	}

	startOffsets, err := admClient.ListStartOffsets(ctx, topic)
	if err != nil {
		return nil, err
	}
	endOffsets, err := admClient.ListEndOffsets(ctx, topic)
	if err != nil {
		return nil, err
	}

	descrGroup := kadm.DescribedGroup{
		// "Empty" indicates the group has no active members, which is how a
		// group with only manual commits appears.
		State: "Empty",
	}
	return kadm.CalculateGroupLagWithStartOffsets(descrGroup, offsets, startOffsets, endOffsets), nil
}
