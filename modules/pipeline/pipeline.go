package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/sony/gobreaker"
	"go.uber.org/atomic"

	"github.com/deltaforge/deltaforge/forgedb"
	"github.com/deltaforge/deltaforge/pkg/batch"
	"github.com/deltaforge/deltaforge/pkg/circuit"
	"github.com/deltaforge/deltaforge/pkg/dlq"
	"github.com/deltaforge/deltaforge/pkg/failure"
	"github.com/deltaforge/deltaforge/pkg/parse"
	"github.com/deltaforge/deltaforge/pkg/record"
	"github.com/deltaforge/deltaforge/pkg/registry"
	"github.com/deltaforge/deltaforge/pkg/schema"
	"github.com/deltaforge/deltaforge/pkg/transform"
)

// TopicState is the readiness of one topic's pipeline.
type TopicState string

const (
	StateReady       TopicState = "READY"
	StateDegraded    TopicState = "DEGRADED"
	StateStopped     TopicState = "STOPPED"
	StateCircuitOpen TopicState = "CIRCUIT_OPEN"
)

// Pipeline drives one topic's records from raw payload to committed table
// rows. The internal mutex guards the open batches and pending-record map, so
// Handle is safe to call concurrently for different source partitions;
// flushes run on the shared pool.
type Pipeline struct {
	spec      *registry.TopicSpec
	tableSpec forgedb.TableSpec

	schemas     *schema.Manager
	parser      *parse.Parser
	transformer *transform.Transformer
	writer      *forgedb.Writer
	breaker     *circuit.Registry
	router      *dlq.Router
	pool        *FlushPool
	retry       failure.RetryConfig

	onDurable func(record.SourceRef)
	onCommit  func(forgedb.TableSpec)
	logger    log.Logger

	mtx        sync.Mutex
	acc        *batch.Accumulator
	budget     *batch.Budget
	pendingRaw map[record.SourceRef]*record.Raw

	// inFlight is the byte size of batches handed to the pool but not yet
	// released. Pressure shedding subtracts it so one tick only sheds enough
	// to get back under budget.
	inFlight atomic.Int64

	stopped  atomic.Bool
	degraded atomic.Bool
	warmed   atomic.Bool
}

func newPipeline(spec *registry.TopicSpec, deps *Deps, pool *FlushPool, budget *batch.Budget, cobMaxDaysInPast int, processingVersion string, logger log.Logger) *Pipeline {
	return &Pipeline{
		spec:        spec,
		tableSpec:   spec.TableSpec(),
		schemas:     deps.Schemas,
		parser:      parse.New(spec.ParseConfig(cobMaxDaysInPast)),
		transformer: transform.New(transform.Config{ProcessingVersion: processingVersion, Lookups: deps.Lookups[spec.LogicalName]}),
		writer:      deps.Writer,
		breaker:     deps.Breaker,
		router:      deps.Router,
		pool:        pool,
		retry: failure.RetryConfig{
			MaxAttempts: spec.Processing.MaxRetries,
			BaseBackoff: spec.Processing.BaseBackoff,
			MaxBackoff:  spec.Processing.MaxBackoff,
		},
		onDurable: deps.OnDurable,
		onCommit:  deps.OnCommit,
		logger:    log.With(logger, "topic", spec.LogicalName),
		acc: batch.NewAccumulator(spec.LogicalName, spec.Destination.PartitionColumns, batch.Config{
			BatchSize:     spec.Processing.BatchSize,
			FlushInterval: spec.Processing.FlushInterval,
		}, budget),
		budget:     budget,
		pendingRaw: map[record.SourceRef]*record.Raw{},
	}
}

// Warm loads the destination table's current state into the commit cache.
// Records are not processed until the first Warm succeeded.
func (p *Pipeline) Warm(ctx context.Context) error {
	if err := p.writer.Warm(ctx, &p.tableSpec); err != nil {
		return err
	}
	p.warmed.Store(true)
	return nil
}

// Handle pushes one raw record through parse, enrichment and batching.
// Completed batches are flushed on the shared pool. The returned error means
// the record was neither batched nor dead-lettered: the offset must not
// advance and the broker will redeliver.
func (p *Pipeline) Handle(ctx context.Context, raw *record.Raw) error {
	if p.stopped.Load() {
		return failure.New(failure.KindConfig, raw.CorrelationID, "pipeline for topic %s is stopped", p.spec.LogicalName)
	}
	if !p.warmed.Load() {
		if err := p.Warm(ctx); err != nil {
			return err
		}
	}

	// While the circuit is open records skip processing entirely.
	if p.breaker.Open(p.spec.LogicalName) {
		return p.deadLetter(ctx, raw, failure.New(failure.KindCircuitOpen, raw.CorrelationID,
			"circuit open for topic %s", p.spec.LogicalName))
	}

	// Transient schema manager failures are retried here; the breaker only
	// observes the final outcome.
	var parsed []*record.Parsed
	err := failure.Retry(ctx, p.retry, func(ctx context.Context) error {
		sch, err := p.schema(ctx)
		if err != nil {
			return err
		}
		parsed, err = p.parser.Parse(sch, raw)
		return err
	})
	_ = p.breaker.Do(p.spec.LogicalName, func() error { return err })
	switch {
	case err != nil && failure.IsFatal(err):
		p.stop(err)
		return err
	case err != nil && !failure.IsRetriable(err):
		return p.deadLetter(ctx, raw, err)
	case err != nil:
		return err
	}

	for _, rec := range parsed {
		p.transformer.Enrich(rec)
	}

	p.mtx.Lock()
	size := int64(len(raw.Payload))
	var full []*batch.Batch
	for _, rec := range parsed {
		p.pendingRaw[rec.SourceRef] = raw
		if b := p.acc.Add(rec, p.partitionValues(rec), size); b != nil {
			full = append(full, b)
		}
	}
	p.mtx.Unlock()

	for _, b := range full {
		p.submit(b)
	}
	return nil
}

// tick fires age-based flushes and sheds the oldest batches while the global
// memory budget, net of bytes already flushing, is exceeded.
func (p *Pipeline) tick(now time.Time) {
	p.mtx.Lock()
	flush := p.acc.Expired(now)
	pending := p.inFlight.Load()
	for _, b := range flush {
		pending += b.ByteSize
	}
	for p.budget.OverBeyond(pending) {
		b := p.acc.Oldest()
		if b == nil {
			break
		}
		flush = append(flush, b)
		pending += b.ByteSize
	}
	p.mtx.Unlock()

	for _, b := range flush {
		p.submit(b)
	}
}

// DrainPartitions synchronously flushes every open batch touching the given
// source partitions. Called on partition revocation.
func (p *Pipeline) DrainPartitions(ctx context.Context, partitions map[int32]struct{}) {
	p.mtx.Lock()
	batches := p.acc.DrainPartitions(partitions)
	p.mtx.Unlock()

	for _, b := range batches {
		p.flush(ctx, b)
	}
}

// Drain synchronously flushes everything. Called on shutdown.
func (p *Pipeline) Drain(ctx context.Context) {
	p.mtx.Lock()
	batches := p.acc.DrainAll()
	p.mtx.Unlock()

	for _, b := range batches {
		p.flush(ctx, b)
	}
}

// State reports the pipeline's readiness.
func (p *Pipeline) State() TopicState {
	switch {
	case p.stopped.Load():
		return StateStopped
	case p.breaker.Open(p.spec.LogicalName):
		return StateCircuitOpen
	case p.degraded.Load() || p.breaker.State(p.spec.LogicalName) == gobreaker.StateHalfOpen:
		return StateDegraded
	default:
		return StateReady
	}
}

func (p *Pipeline) schema(ctx context.Context) (*schema.Schema, error) {
	if p.spec.SchemaVersion > 0 {
		return p.schemas.GetByVersion(ctx, p.spec.SchemaName, p.spec.SchemaVersion)
	}
	return p.schemas.GetLatest(ctx, p.spec.SchemaName)
}

// partitionValues renders the record's partition tuple in declared column
// order. The COB column uses the validated partition date.
func (p *Pipeline) partitionValues(rec *record.Parsed) map[string]string {
	values := make(map[string]string, len(p.spec.Destination.PartitionColumns))
	for _, col := range p.spec.Destination.PartitionColumns {
		if col == p.spec.Destination.COBField {
			values[col] = rec.COBDateString()
			continue
		}
		values[col] = fmt.Sprint(rec.Fields[col])
	}
	return values
}

// submit hands a batch to the flush pool. Submit blocks on a saturated pool,
// and flush completion needs p.mtx, so callers must not hold it.
func (p *Pipeline) submit(b *batch.Batch) {
	p.inFlight.Add(b.ByteSize)
	p.pool.Submit(func(ctx context.Context) {
		defer p.inFlight.Sub(b.ByteSize)
		p.flush(ctx, b)
	})
}

// flush commits one batch to the destination table, retrying transient
// failures. Exhausted or non-retriable failures dead-letter the whole batch.
func (p *Pipeline) flush(ctx context.Context, b *batch.Batch) {
	defer p.acc.Release(b)

	rows := make([]map[string]any, 0, len(b.Rows))
	for _, rec := range b.Rows {
		rows = append(rows, flatten(rec))
	}

	var res *forgedb.WriteResult
	err := failure.Retry(ctx, p.retry, func(ctx context.Context) error {
		sch, err := p.schema(ctx)
		if err != nil {
			return err
		}
		res, err = p.writer.Write(ctx, &forgedb.WriteRequest{
			Spec:            p.tableSpec,
			Schema:          sch,
			Rows:            rows,
			PartitionValues: b.PartitionValues,
			CorrelationID:   b.Rows[0].CorrelationID,
		})
		return err
	})

	// The breaker only sees the final outcome, not each retry attempt.
	_ = p.breaker.Do(p.spec.LogicalName, func() error { return err })

	switch {
	case err == nil:
		p.degraded.Store(false)
		for _, rec := range b.Rows {
			p.markDurable(rec.SourceRef)
		}
		if res.AlreadyApplied {
			level.Info(p.logger).Log("msg", "batch already applied", "version", res.Version, "fingerprint", res.Fingerprint)
		} else {
			level.Debug(p.logger).Log("msg", "batch committed", "version", res.Version,
				"rows", res.RowsAdded, "files", res.FilesAdded, "bytes", res.BytesAdded)
			p.onCommit(p.tableSpec)
		}

	case failure.IsFatal(err):
		p.stop(err)

	default:
		// Promoted or non-retriable: the batch is refused, row by row.
		p.degraded.Store(true)
		level.Warn(p.logger).Log("msg", "batch flush failed, dead-lettering rows", "rows", len(b.Rows), "err", err)
		for _, rec := range b.Rows {
			p.mtx.Lock()
			raw := p.pendingRaw[rec.SourceRef]
			p.mtx.Unlock()
			if raw == nil {
				continue
			}
			if dlrErr := p.router.Route(ctx, raw, err); dlrErr != nil {
				// Offsets stay put; the broker redelivers these records.
				level.Warn(p.logger).Log("msg", "dead letter send failed", "err", dlrErr)
				continue
			}
			p.markDurable(rec.SourceRef)
		}
	}
}

// deadLetter routes a single record and reports it durable on success.
func (p *Pipeline) deadLetter(ctx context.Context, raw *record.Raw, cause error) error {
	if err := p.router.Route(ctx, raw, cause); err != nil {
		return err
	}
	p.onDurable(record.SourceRef{Topic: raw.Topic, Partition: raw.Partition, Offset: raw.Offset})
	return nil
}

func (p *Pipeline) markDurable(ref record.SourceRef) {
	p.mtx.Lock()
	delete(p.pendingRaw, ref)
	p.mtx.Unlock()
	p.onDurable(ref)
}

func (p *Pipeline) stop(err error) {
	if p.stopped.CompareAndSwap(false, true) {
		metricPipelineStopped.WithLabelValues(p.spec.LogicalName).Set(1)
		level.Error(p.logger).Log("msg", "pipeline stopped on fatal configuration failure", "err", err)
	}
}

// flatten merges payload fields and enrichment into the row the table writer
// sees. Enrichment names never collide with schema fields.
func flatten(rec *record.Parsed) map[string]any {
	row := make(map[string]any, len(rec.Fields)+len(rec.Enrichment))
	for k, v := range rec.Fields {
		row[k] = v
	}
	for k, v := range rec.Enrichment {
		row[k] = v
	}
	return row
}
