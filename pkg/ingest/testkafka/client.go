// Package testkafka spins up in-process fake brokers for consumer and
// dead-letter tests.
package testkafka

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
)

// CreateCluster returns a single-broker fake cluster seeding the given topics
// with one partition each, plus its bootstrap address.
func CreateCluster(t testing.TB, topics ...string) (*kfake.Cluster, string) {
	return CreateClusterWithPartitions(t, 1, topics...)
}

// CreateClusterWithPartitions seeds each topic with the given partition count.
func CreateClusterWithPartitions(t testing.TB, partitions int32, topics ...string) (*kfake.Cluster, string) {
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(partitions, topics...))
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	return cluster, cluster.ListenAddrs()[0]
}

// NewProducer returns a plain client for seeding records into the fake
// cluster. Partitions are chosen manually by the caller.
func NewProducer(t testing.TB, address string) *kgo.Client {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(address),
		kgo.AllowAutoTopicCreation(),
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

// Produce sends one record synchronously to the given topic partition.
func Produce(ctx context.Context, t testing.TB, client *kgo.Client, topic string, partition int32, payload []byte) {
	res := client.ProduceSync(ctx, &kgo.Record{
		Topic:     topic,
		Partition: partition,
		Value:     payload,
	})
	require.NoError(t, res.FirstErr())
}
