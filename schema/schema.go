// Package schema provisions MongoDB indexes and document validators.
//
// Every operation is idempotent: re-running a provisioning step against a
// collection that already carries the same indexes or validator succeeds and
// leaves the collection unchanged.
package schema

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"goa.design/mongohelpr/connection"
	"goa.design/mongohelpr/telemetry"
)

const (
	codeNamespaceNotFound = 26
	codeNamespaceExists   = 48
)

type (
	// Index describes one index to create.
	Index struct {
		// Keys lists the indexed fields in order with their direction or type.
		Keys bson.D
		// Options are passed to the driver unchanged. May be nil.
		Options *options.IndexOptions
	}

	// Options configures a Provisioner.
	Options struct {
		// Source yields the database to provision. Required.
		Source connection.Source
		Logger telemetry.Logger
		Tracer telemetry.Tracer
	}

	// Provisioner creates indexes and validators.
	Provisioner struct {
		database func(ctx context.Context) (database, error)
		logger   telemetry.Logger
		tracer   telemetry.Tracer
	}

	// IndicesOption configures CreateIndices.
	IndicesOption func(*indicesOptions)

	indicesOptions struct {
		drop bool
	}
)

// New returns a Provisioner operating on the database yielded by opts.Source.
func New(opts Options) (*Provisioner, error) {
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
	return newProvisioner(db, opts.Logger, opts.Tracer), nil
}

func newProvisioner(db func(context.Context) (database, error), logger telemetry.Logger, tracer telemetry.Tracer) *Provisioner {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Provisioner{database: db, logger: logger, tracer: tracer}
}

// WithDrop drops every existing index of the collection before creating the
// requested ones. A collection that does not exist yet is not an error.
func WithDrop() IndicesOption {
	return func(o *indicesOptions) {
		o.drop = true
	}
}

// CreateIndices creates every index in indices on collection. Indexes are
// created concurrently and the call waits for every creation to finish. When
// any fails, the first error is returned once all have completed; the first
// failure cancels the context passed to the creations still running.
func (p *Provisioner) CreateIndices(ctx context.Context, collection string, indices []Index, opts ...IndicesOption) (err error) {
	if collection == "" {
		return errors.New("collection name is required")
	}
	if len(indices) == 0 {
		return errors.New("indices are required")
	}
	for i, idx := range indices {
		if len(idx.Keys) == 0 {
			return fmt.Errorf("index %d has no keys", i)
		}
	}
	var o indicesOptions
	for _, opt := range opts {
		opt(&o)
	}
	ctx, span := p.tracer.Start(ctx, "schema.create_indices", trace.WithSpanKind(trace.SpanKindClient))
	defer func() { telemetry.EndSpan(span, err) }()

	db, err := p.database(ctx)
	if err != nil {
		return err
	}
	view := db.Collection(collection).Indexes()
	if o.drop {
		if err := view.DropAll(ctx); err != nil {
			if !IsNamespaceNotFound(err) {
				return fmt.Errorf("mongodb drop indexes on %q: %w", collection, err)
			}
			p.logger.Debug(ctx, "collection absent, nothing to drop", "collection", collection)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range indices {
		g.Go(func() error {
			model := mongodriver.IndexModel{Keys: idx.Keys, Options: idx.Options}
			name, err := view.CreateOne(gctx, model)
			if err != nil {
				return fmt.Errorf("mongodb create index %v on %q: %w", idx.Keys, collection, err)
			}
			p.logger.Debug(gctx, "created index", "collection", collection, "index", name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	p.logger.Info(ctx, "provisioned indexes", "collection", collection, "count", len(indices))
	return nil
}

// CreateValidator installs validator as the document validation rule of
// collection, creating the collection first when needed. A "$jsonSchema"
// entry is compiled locally before anything is sent to the server.
func (p *Provisioner) CreateValidator(ctx context.Context, collection string, validator bson.M) (err error) {
	if collection == "" {
		return errors.New("collection name is required")
	}
	if len(validator) == 0 {
		return errors.New("validator is required")
	}
	if err := checkJSONSchema(validator); err != nil {
		return err
	}
	ctx, span := p.tracer.Start(ctx, "schema.create_validator", trace.WithSpanKind(trace.SpanKindClient))
	defer func() { telemetry.EndSpan(span, err) }()

	db, err := p.database(ctx)
	if err != nil {
		return err
	}
	if err := db.CreateCollection(ctx, collection); err != nil && !isNamespaceExists(err) {
		return fmt.Errorf("mongodb create collection %q: %w", collection, err)
	}
	cmd := bson.D{
		{Key: "collMod", Value: collection},
		{Key: "validator", Value: validator},
	}
	if err := db.RunCommand(ctx, cmd); err != nil {
		return fmt.Errorf("mongodb apply validator on %q: %w", collection, err)
	}
	p.logger.Info(ctx, "applied validator", "collection", collection)
	return nil
}

// ExistsIndex returns a unique ascending index on fields that only covers
// documents where every field is present.
func ExistsIndex(fields ...string) Index {
	keys := make(bson.D, 0, len(fields))
	partial := make(bson.D, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, bson.E{Key: f, Value: 1})
		partial = append(partial, bson.E{Key: f, Value: bson.D{{Key: "$exists", Value: true}}})
	}
	return Index{
		Keys:    keys,
		Options: options.Index().SetUnique(true).SetPartialFilterExpression(partial),
	}
}

// IsNamespaceNotFound reports whether err is the server signal that the
// target collection does not exist.
func IsNamespaceNotFound(err error) bool {
	return hasServerCode(err, codeNamespaceNotFound, "NamespaceNotFound")
}

func isNamespaceExists(err error) bool {
	return hasServerCode(err, codeNamespaceExists, "NamespaceExists")
}

func hasServerCode(err error, code int, name string) bool {
	var cmdErr mongodriver.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Code == int32(code) || cmdErr.Name == name
	}
	var serverErr mongodriver.ServerError
	if errors.As(err, &serverErr) {
		return serverErr.HasErrorCode(code)
	}
	return false
}

type database interface {
	Collection(name string) collection
	CreateCollection(ctx context.Context, name string) error
	RunCommand(ctx context.Context, cmd any) error
}

type collection interface {
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error)
	DropAll(ctx context.Context) error
}

type mongoDatabase struct {
	db *mongodriver.Database
}

func (d mongoDatabase) Collection(name string) collection {
	return mongoCollection{coll: d.db.Collection(name)}
}

func (d mongoDatabase) CreateCollection(ctx context.Context, name string) error {
	return d.db.CreateCollection(ctx, name)
}

func (d mongoDatabase) RunCommand(ctx context.Context, cmd any) error {
	return d.db.RunCommand(ctx, cmd).Err()
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return v.view.CreateOne(ctx, model)
}

func (v mongoIndexView) DropAll(ctx context.Context) error {
	_, err := v.view.DropAll(ctx)
	return err
}
