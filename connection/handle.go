package connection

import (
	"context"
	"errors"
	"fmt"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/mongohelpr/config"
)

type (
	// Handle is a live connection to a database.
	Handle struct {
		client     *mongodriver.Client
		db         *mongodriver.Database
		disconnect func(context.Context) error
	}

	// DialFunc establishes a new connection.
	DialFunc func(ctx context.Context) (*Handle, error)
)

// NewHandle wraps a connected client and the database it operates on.
func NewHandle(client *mongodriver.Client, database string) *Handle {
	return &Handle{
		client:     client,
		db:         client.Database(database),
		disconnect: client.Disconnect,
	}
}

// Client returns the underlying driver client.
func (h *Handle) Client() *mongodriver.Client {
	return h.client
}

// Database returns the configured database.
func (h *Handle) Database() *mongodriver.Database {
	return h.db
}

// Ping verifies the primary is reachable.
func (h *Handle) Ping(ctx context.Context) error {
	if h.client == nil {
		return errors.New("connection has no client")
	}
	return h.client.Ping(ctx, readpref.Primary())
}

// Close releases the connection.
func (h *Handle) Close(ctx context.Context) error {
	if h.disconnect == nil {
		return nil
	}
	return h.disconnect(ctx)
}

// Dialer returns a DialFunc connecting with cfg. sink receives driver logs
// when cfg configures a driver log level. The connection is verified with a
// ping against the primary before it is handed out.
func Dialer(cfg config.Mongo, sink options.LogSink) DialFunc {
	return func(ctx context.Context) (*Handle, error) {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		opts, err := cfg.ClientOptions(sink)
		if err != nil {
			return nil, fmt.Errorf("mongodb client options: %w", err)
		}
		client, err := mongodriver.Connect(ctx, opts)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			_ = client.Disconnect(ctx)
			return nil, err
		}
		return NewHandle(client, cfg.DB), nil
	}
}
