// Package finder runs cardinality-checked lookups: fetch at most one
// document, require exactly one, count matches or assert there are none.
package finder

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/trace"

	"goa.design/mongohelpr/connection"
	"goa.design/mongohelpr/telemetry"
)

type (
	// Lookup selects documents of a collection.
	Lookup struct {
		Collection string
		// Query filters documents. FindOne ignores it when Steps is set.
		Query bson.M
		// Steps is an aggregation pipeline. Count runs it before matching
		// Query.
		Steps []bson.M
		// Required makes FindOne fail when nothing matches.
		Required bool
	}

	// Options configures a Finder.
	Options struct {
		// Source yields the database to query. Required.
		Source connection.Source
		Logger telemetry.Logger
		Tracer telemetry.Tracer
	}

	// Finder runs lookups.
	Finder struct {
		database func(ctx context.Context) (database, error)
		logger   telemetry.Logger
		tracer   telemetry.Tracer
	}
)

// New returns a Finder querying the database yielded by opts.Source.
func New(opts Options) (*Finder, error) {
	if opts.Source == nil {
		return nil, errors.New("connection source is required")
	}
	source := opts.Source
	db := func(ctx context.Context) (database, error) {
		d, err := source.Database(ctx)
		if err != nil {
			return nil, err
		}
		return mongoDatabase{db: d}, nil
	}
	return newFinder(db, opts.Logger, opts.Tracer), nil
}

func newFinder(db func(context.Context) (database, error), logger telemetry.Logger, tracer telemetry.Tracer) *Finder {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Finder{database: db, logger: logger, tracer: tracer}
}

// FindOne returns the single document selected by l, or nil when there is
// none and l.Required is false. More than one match fails with
// ErrMultipleHits; no match on a required lookup fails with ErrRequired.
func (f *Finder) FindOne(ctx context.Context, l Lookup) (_ bson.M, err error) {
	if l.Collection == "" {
		return nil, errors.New("collection name is required")
	}
	ctx, span := f.tracer.Start(ctx, "finder.find_one", trace.WithSpanKind(trace.SpanKindClient))
	defer func() { telemetry.EndSpan(span, err) }()

	coll, err := f.collection(ctx, l.Collection)
	if err != nil {
		return nil, err
	}
	var (
		cur      cursor
		selector any
	)
	if l.Steps != nil {
		selector = l.Steps
		pipeline := append(pipelineOf(l.Steps), bson.M{"$limit": 2})
		cur, err = coll.Aggregate(ctx, pipeline, options.Aggregate().SetAllowDiskUse(true))
	} else {
		selector = l.Query
		cur, err = coll.Find(ctx, filterOf(l.Query), options.Find().SetLimit(2))
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb find in %q: %w", l.Collection, err)
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb find in %q: %w", l.Collection, err)
	}
	switch {
	case len(docs) > 1:
		return nil, &CardinalityError{Collection: l.Collection, Query: selector, Kind: ErrMultipleHits}
	case len(docs) == 0 && l.Required:
		return nil, &CardinalityError{Collection: l.Collection, Query: selector, Kind: ErrRequired}
	case len(docs) == 0:
		return nil, nil
	}
	return docs[0], nil
}

// RequireOne is FindOne with l.Required set.
func (f *Finder) RequireOne(ctx context.Context, l Lookup) (bson.M, error) {
	l.Required = true
	return f.FindOne(ctx, l)
}

// Count returns the number of documents matching l.Query after l.Steps.
func (f *Finder) Count(ctx context.Context, l Lookup) (_ int64, err error) {
	if l.Collection == "" {
		return 0, errors.New("collection name is required")
	}
	ctx, span := f.tracer.Start(ctx, "finder.count", trace.WithSpanKind(trace.SpanKindClient))
	defer func() { telemetry.EndSpan(span, err) }()

	coll, err := f.collection(ctx, l.Collection)
	if err != nil {
		return 0, err
	}
	pipeline := append(pipelineOf(l.Steps),
		bson.M{"$match": filterOf(l.Query)},
		bson.M{"$group": bson.M{"_id": nil, "count": bson.M{"$sum": 1}}},
	)
	cur, err := coll.Aggregate(ctx, pipeline, options.Aggregate().SetAllowDiskUse(true))
	if err != nil {
		return 0, fmt.Errorf("mongodb count in %q: %w", l.Collection, err)
	}
	var res []struct {
		Count int64 `bson:"count"`
	}
	if err := cur.All(ctx, &res); err != nil {
		return 0, fmt.Errorf("mongodb count in %q: %w", l.Collection, err)
	}
	if len(res) != 1 {
		return 0, nil
	}
	f.logger.Debug(ctx, "counted", "collection", l.Collection, "count", res[0].Count)
	return res[0].Count, nil
}

// AssertNone fails with a *UniquenessError when any document matches l.
func (f *Finder) AssertNone(ctx context.Context, l Lookup) error {
	n, err := f.Count(ctx, l)
	if err != nil {
		return err
	}
	if n != 0 {
		return &UniquenessError{Collection: l.Collection, Query: l.Query, Count: n}
	}
	return nil
}

func (f *Finder) collection(ctx context.Context, name string) (collection, error) {
	db, err := f.database(ctx)
	if err != nil {
		return nil, err
	}
	return db.Collection(name), nil
}

func filterOf(q bson.M) bson.M {
	if q == nil {
		return bson.M{}
	}
	return q
}

func pipelineOf(steps []bson.M) bson.A {
	p := make(bson.A, 0, len(steps)+2)
	for _, s := range steps {
		p = append(p, s)
	}
	return p
}

type database interface {
	Collection(name string) collection
}

type collection interface {
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error)
	Aggregate(ctx context.Context, pipeline any, opts ...*options.AggregateOptions) (cursor, error)
}

type cursor interface {
	All(ctx context.Context, results any) error
}

type mongoDatabase struct {
	db *mongodriver.Database
}

func (d mongoDatabase) Collection(name string) collection {
	return mongoCollection{coll: d.db.Collection(name)}
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) (cursor, error) {
	return c.coll.Find(ctx, filter, opts...)
}

func (c mongoCollection) Aggregate(ctx context.Context, pipeline any, opts ...*options.AggregateOptions) (cursor, error) {
	return c.coll.Aggregate(ctx, pipeline, opts...)
}
