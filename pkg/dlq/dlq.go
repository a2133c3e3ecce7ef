// Package dlq durably records the records the pipeline refuses. Each refused
// record becomes a structured envelope on the source topic's dead-letter
// companion topic.
package dlq

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/deltaforge/deltaforge/pkg/failure"
	"github.com/deltaforge/deltaforge/pkg/record"
)

// TopicSuffix is appended to the source topic to name its dead-letter topic.
const TopicSuffix = "-dlq"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var metricRouted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "deltaforge",
	Subsystem: "dlq",
	Name:      "records_total",
	Help:      "Records routed to a dead-letter topic, by source topic and failure kind.",
}, []string{"topic", "kind"})

// Envelope is the JSON body of one dead-letter message.
type Envelope struct {
	SourceTopic     string `json:"sourceTopic"`
	SourcePartition int32  `json:"sourcePartition"`
	SourceOffset    int64  `json:"sourceOffset"`
	Key             string `json:"key,omitempty"`
	PayloadBase64   string `json:"payloadBase64"`
	FailureKind     string `json:"failureKind"`
	Message         string `json:"message"`
	CorrelationID   string `json:"correlationId"`
	Timestamp       int64  `json:"timestamp"` // epoch millis
	EngineVersion   string `json:"engineVersion"`
}

// Router produces dead-letter envelopes and confirms their durability before
// returning.
type Router struct {
	client        *kgo.Client
	engineVersion string
	logger        log.Logger
	now           func() time.Time
}

func NewRouter(client *kgo.Client, engineVersion string, logger log.Logger) *Router {
	return &Router{client: client, engineVersion: engineVersion, logger: logger, now: time.Now}
}

// Route writes raw and its failure to the dead-letter topic. An undurable
// send is itself a retriable failure: the caller must not advance the offset.
func (r *Router) Route(ctx context.Context, raw *record.Raw, cause error) error {
	kind := failure.KindOf(cause)
	env := Envelope{
		SourceTopic:     raw.Topic,
		SourcePartition: raw.Partition,
		SourceOffset:    raw.Offset,
		PayloadBase64:   base64.StdEncoding.EncodeToString(raw.Payload),
		FailureKind:     string(kind),
		Message:         cause.Error(),
		CorrelationID:   raw.CorrelationID,
		Timestamp:       r.now().UnixMilli(),
		EngineVersion:   r.engineVersion,
	}
	if len(raw.Key) > 0 {
		env.Key = string(raw.Key)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return failure.Wrap(failure.KindValidation, raw.CorrelationID, err, "encoding dead-letter envelope")
	}

	res := r.client.ProduceSync(ctx, &kgo.Record{
		Topic: raw.Topic + TopicSuffix,
		Key:   raw.Key,
		Value: body,
	})
	if err := res.FirstErr(); err != nil {
		return failure.Wrap(failure.KindTransientBroker, raw.CorrelationID, err,
			"producing to %s", raw.Topic+TopicSuffix)
	}

	metricRouted.WithLabelValues(raw.Topic, string(kind)).Inc()
	level.Debug(r.logger).Log("msg", "routed record to dead letter topic",
		"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset,
		"kind", kind, "correlation_id", raw.CorrelationID)
	return nil
}
