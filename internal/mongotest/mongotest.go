// Package mongotest starts a throwaway MongoDB container shared by the
// integration tests of a package. Tests skip when Docker is not available.
package mongotest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	once      sync.Once
	container testcontainers.Container
	client    *mongodriver.Client
	uri       string
	setupErr  error
)

func setup() {
	ctx := context.Background()

	func() {
		defer func() {
			if r := recover(); r != nil {
				setupErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		container, setupErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if setupErr != nil {
		return
	}

	host, err := container.Host(ctx)
	if err != nil {
		setupErr = fmt.Errorf("container host: %w", err)
		return
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		setupErr = fmt.Errorf("container port: %w", err)
		return
	}
	uri = fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	client, err = mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		setupErr = fmt.Errorf("connect: %w", err)
		return
	}
	if err := client.Ping(ctx, nil); err != nil {
		setupErr = fmt.Errorf("ping: %w", err)
	}
}

// Client returns a client connected to the shared container, starting it on
// first use. It skips t when the container cannot be started.
func Client(t testing.TB) *mongodriver.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping MongoDB integration test in short mode")
	}
	once.Do(setup)
	if setupErr != nil {
		t.Skipf("Docker not available, skipping MongoDB test: %v", setupErr)
	}
	return client
}

// URI returns the connection string of the shared container.
func URI(t testing.TB) string {
	t.Helper()
	Client(t)
	return uri
}

// Database returns a database named after the test and drops it on cleanup.
func Database(t testing.TB) *mongodriver.Database {
	t.Helper()
	db := Client(t).Database(DatabaseName(t))
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
	})
	return db
}

// DatabaseName derives a valid database name from the test name.
func DatabaseName(t testing.TB) string {
	name := strings.NewReplacer("/", "_", " ", "_", ".", "_", "$", "_").Replace(t.Name())
	if len(name) > 48 {
		name = name[len(name)-48:]
	}
	return "t_" + name
}
