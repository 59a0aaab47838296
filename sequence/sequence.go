// Package sequence issues per-entity monotonically increasing integers backed
// by a MongoDB counter collection.
//
// Each entity owns one counter document {_id: entity, sequence: n}. Next
// increments it with a single find-and-modify upsert so concurrent callers,
// in this process or others, never observe the same value.
package sequence

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/trace"

	"goa.design/mongohelpr/config"
	"goa.design/mongohelpr/connection"
	"goa.design/mongohelpr/telemetry"
)

// ErrUnexpectedResult indicates the find-and-modify did not return the counter
// document it must have upserted.
var ErrUnexpectedResult = errors.New("sequence: unexpected find-and-modify result")

type (
	// Nexter is implemented by every counter backend.
	Nexter interface {
		Next(ctx context.Context, entity string) (int64, error)
	}

	// Options configures a Generator.
	Options struct {
		// Source yields the database holding the counter collection. Required.
		Source connection.Source
		// Collection defaults to config.DefaultSequences.
		Collection string
		Logger     telemetry.Logger
		Metrics    telemetry.Metrics
		Tracer     telemetry.Tracer
	}

	// Generator issues sequence values from a MongoDB collection.
	Generator struct {
		collection string
		counters   func(ctx context.Context) (counterCollection, error)
		logger     telemetry.Logger
		metrics    telemetry.Metrics
		tracer     telemetry.Tracer
	}

	counterDocument struct {
		Entity   string `bson:"_id"`
		Sequence int64  `bson:"sequence"`
	}
)

var _ Nexter = (*Generator)(nil)

// New returns a Generator reading counters through opts.Source.
func New(opts Options) (*Generator, error) {
	if opts.Source == nil {
		return nil, errors.New("connection source is required")
	}
	name := opts.Collection
	if name == "" {
		name = config.DefaultSequences
	}
	source := opts.Source
	counters := func(ctx context.Context) (counterCollection, error) {
		db, err := source.Database(ctx)
		if err != nil {
			return nil, err
		}
		return mongoCollection{coll: db.Collection(name)}, nil
	}
	return newGenerator(name, counters, opts.Logger, opts.Metrics, opts.Tracer), nil
}

func newGenerator(name string, counters func(context.Context) (counterCollection, error), logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Generator {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Generator{
		collection: name,
		counters:   counters,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
	}
}

// Next increments the counter of entity and returns the new value. The first
// call for an entity returns 1.
func (g *Generator) Next(ctx context.Context, entity string) (_ int64, err error) {
	if entity == "" {
		return 0, errors.New("entity name is required")
	}
	ctx, span := g.tracer.Start(ctx, "sequence.next", trace.WithSpanKind(trace.SpanKindClient))
	defer func() { telemetry.EndSpan(span, err) }()

	coll, err := g.counters(ctx)
	if err != nil {
		return 0, err
	}
	filter := bson.M{"_id": entity}
	update := bson.M{"$inc": bson.M{"sequence": 1}}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var doc counterDocument
	if err := coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return 0, fmt.Errorf("%w: no counter returned for %q", ErrUnexpectedResult, entity)
		}
		return 0, fmt.Errorf("mongodb next sequence %q: %w", entity, err)
	}
	if doc.Entity != entity || doc.Sequence < 1 {
		return 0, fmt.Errorf("%w: counter %q holds %d", ErrUnexpectedResult, doc.Entity, doc.Sequence)
	}
	g.metrics.IncCounter("mongohelpr.sequence.issued", 1, "collection", g.collection)
	g.logger.Debug(ctx, "issued sequence", "entity", entity, "sequence", doc.Sequence)
	return doc.Sequence, nil
}

type counterCollection interface {
	FindOneAndUpdate(ctx context.Context, filter, update any, opts ...*options.FindOneAndUpdateOptions) singleResult
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter, update any, opts ...*options.FindOneAndUpdateOptions) singleResult {
	return c.coll.FindOneAndUpdate(ctx, filter, update, opts...)
}
