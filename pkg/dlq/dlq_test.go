package dlq

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/deltaforge/deltaforge/pkg/failure"
	"github.com/deltaforge/deltaforge/pkg/ingest/testkafka"
	"github.com/deltaforge/deltaforge/pkg/record"
)

func TestRouterProducesEnvelope(t *testing.T) {
	_, addr := testkafka.CreateCluster(t, "user-events"+TopicSuffix)
	ctx := context.Background()

	producer, err := kgo.NewClient(kgo.SeedBrokers(addr))
	require.NoError(t, err)
	t.Cleanup(producer.Close)

	r := NewRouter(producer, "deltaforge/0.1.0", log.NewNopLogger())

	raw := &record.Raw{
		Topic:            "user-events",
		Partition:        3,
		Offset:           42,
		Key:              []byte("u4"),
		Payload:          []byte(`{"user_id":"u4","event":"click"}`),
		ArrivalTimestamp: time.Now(),
		CorrelationID:    "corr-42",
	}
	cause := failure.New(failure.KindCOB, "corr-42", "missing partition date field cobDate")
	require.NoError(t, r.Route(ctx, raw, cause))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(addr),
		kgo.ConsumeTopics("user-events"+TopicSuffix),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	t.Cleanup(consumer.Close)

	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	fetches := consumer.PollFetches(fetchCtx)
	require.NoError(t, fetches.Err())

	recs := fetches.Records()
	require.Len(t, recs, 1)
	require.Equal(t, []byte("u4"), recs[0].Key)

	var env Envelope
	require.NoError(t, json.Unmarshal(recs[0].Value, &env))
	require.Equal(t, "user-events", env.SourceTopic)
	require.Equal(t, int32(3), env.SourcePartition)
	require.Equal(t, int64(42), env.SourceOffset)
	require.Equal(t, string(failure.KindCOB), env.FailureKind)
	require.Equal(t, "corr-42", env.CorrelationID)
	require.Equal(t, "deltaforge/0.1.0", env.EngineVersion)

	payload, err := base64.StdEncoding.DecodeString(env.PayloadBase64)
	require.NoError(t, err)
	require.JSONEq(t, `{"user_id":"u4","event":"click"}`, string(payload))
}

func TestRouteFailureIsRetriable(t *testing.T) {
	// A client pointed at a dead broker cannot confirm durability.
	producer, err := kgo.NewClient(
		kgo.SeedBrokers("127.0.0.1:1"),
		kgo.ProduceRequestTimeout(time.Second),
		kgo.RecordDeliveryTimeout(2*time.Second),
	)
	require.NoError(t, err)
	t.Cleanup(producer.Close)

	r := NewRouter(producer, "deltaforge/0.1.0", log.NewNopLogger())
	raw := &record.Raw{Topic: "user-events", Payload: []byte("x"), CorrelationID: "corr-1"}

	err = r.Route(context.Background(), raw, failure.New(failure.KindParse, "corr-1", "bad payload"))
	require.Error(t, err)
	require.Equal(t, failure.KindTransientBroker, failure.KindOf(err))
	require.True(t, failure.IsRetriable(err))
}
