// Package connection owns the lifecycle of the process-wide MongoDB
// connection.
//
// A Manager connects lazily on first use and hands every caller the same
// Handle until it is closed or reinitialized. Concurrent first callers share
// a single in-flight connection attempt, so exactly one connection is
// established per generation between closes.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/singleflight"

	"goa.design/clue/health"

	"goa.design/mongohelpr/telemetry"
)

const (
	managerName = "mongohelpr-connection"
	flightKey   = "connect"
)

type (
	// Options configures a Manager.
	Options struct {
		// Dial establishes the connection. Required.
		Dial DialFunc
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
	}

	// Manager is a lazily initialized, replaceable connection handle.
	Manager struct {
		dial    DialFunc
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu         sync.Mutex
		handle     *Handle
		generation uint64
		flight     singleflight.Group
	}

	// Source yields the database helpers operate on. *Manager implements
	// Source; Static wraps an already connected database.
	Source interface {
		Database(ctx context.Context) (*mongodriver.Database, error)
	}

	// GetOption configures Get.
	GetOption func(*getOptions)

	getOptions struct {
		forceReinit bool
	}

	staticSource struct {
		db *mongodriver.Database
	}
)

var _ health.Pinger = (*Manager)(nil)

// New returns an unconnected Manager.
func New(opts Options) (*Manager, error) {
	if opts.Dial == nil {
		return nil, errors.New("dial function is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Manager{dial: opts.Dial, logger: logger, metrics: metrics}, nil
}

// WithForceReinit closes any existing handle before connecting anew.
func WithForceReinit() GetOption {
	return func(o *getOptions) {
		o.forceReinit = true
	}
}

// Get returns the live handle, connecting first when there is none.
//
// Callers racing on an unconnected Manager wait on the same connection
// attempt and receive the same Handle or the same error. A failed attempt
// leaves the Manager unconnected so the next call retries. Cancelling ctx
// stops the wait but not the shared attempt.
func (m *Manager) Get(ctx context.Context, opts ...GetOption) (*Handle, error) {
	var o getOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.forceReinit {
		if err := m.Close(ctx); err != nil {
			return nil, err
		}
	}
	if h := m.current(); h != nil {
		return h, nil
	}
	ch := m.flight.DoChan(flightKey, func() (any, error) {
		return m.connect(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Database implements Source by returning the database of the live handle.
func (m *Manager) Database(ctx context.Context) (*mongodriver.Database, error) {
	h, err := m.Get(ctx)
	if err != nil {
		return nil, err
	}
	return h.Database(), nil
}

// Close releases the live handle and resets the Manager to unconnected. It is
// a no-op when there is no handle. An attempt in flight when Close runs still
// completes and becomes the live handle.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	gen := m.generation
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	if err := h.Close(ctx); err != nil {
		return fmt.Errorf("mongodb disconnect: %w", err)
	}
	m.logger.Debug(ctx, "closed connection", "generation", gen)
	return nil
}

// Connected reports whether a live handle exists.
func (m *Manager) Connected() bool {
	return m.current() != nil
}

// Name implements health.Pinger.
func (m *Manager) Name() string {
	return managerName
}

// Ping implements health.Pinger. It connects if needed.
func (m *Manager) Ping(ctx context.Context) error {
	h, err := m.Get(ctx)
	if err != nil {
		return err
	}
	return h.Ping(ctx)
}

func (m *Manager) current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// connect runs inside the single flight. It re-checks for a handle because a
// caller may have observed "unconnected" just before a previous flight
// stored its result.
func (m *Manager) connect(ctx context.Context) (*Handle, error) {
	if h := m.current(); h != nil {
		return h, nil
	}
	start := time.Now()
	h, err := m.dial(ctx)
	m.metrics.RecordTimer("mongohelpr.connection.dial", time.Since(start), "success", fmt.Sprint(err == nil))
	if err != nil {
		m.logger.Error(ctx, "connect failed", "err", err)
		return nil, fmt.Errorf("mongodb connect: %w", err)
	}
	m.mu.Lock()
	m.handle = h
	m.generation++
	gen := m.generation
	m.mu.Unlock()
	m.logger.Debug(ctx, "connected", "generation", gen)
	return h, nil
}

// Static returns a Source that always yields db.
func Static(db *mongodriver.Database) Source {
	return staticSource{db: db}
}

func (s staticSource) Database(context.Context) (*mongodriver.Database, error) {
	if s.db == nil {
		return nil, errors.New("database is required")
	}
	return s.db, nil
}
