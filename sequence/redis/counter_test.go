package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"goa.design/mongohelpr/sequence"
)

var (
	redisOnce   sync.Once
	redisClient *goredis.Client
	redisErr    error
)

func setupRedis() {
	ctx := context.Background()
	var container testcontainers.Container
	func() {
		defer func() {
			if r := recover(); r != nil {
				redisErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		container, redisErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if redisErr != nil {
		return
	}
	host, err := container.Host(ctx)
	if err != nil {
		redisErr = err
		return
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		redisErr = err
		return
	}
	redisClient = goredis.NewClient(&goredis.Options{Addr: host + ":" + port.Port()})
	redisErr = redisClient.Ping(ctx).Err()
}

func getRedis(t *testing.T) *goredis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}
	redisOnce.Do(setupRedis)
	if redisErr != nil {
		t.Skipf("Docker not available, skipping integration test: %v", redisErr)
	}
	require.NoError(t, redisClient.FlushDB(context.Background()).Err())
	return redisClient
}

type fakeCmdable struct {
	goredis.Cmdable

	mu     sync.Mutex
	values map[string]int64
	err    error
}

func (f *fakeCmdable) Incr(_ context.Context, key string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return goredis.NewIntResult(0, f.err)
	}
	f.values[key]++
	return goredis.NewIntResult(f.values[key], nil)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "redis client is required")
}

func TestNextIncrementsPrefixedKey(t *testing.T) {
	fake := &fakeCmdable{values: make(map[string]int64)}
	c, err := New(Options{Client: fake, Prefix: "ids"})
	require.NoError(t, err)

	for want := int64(1); want <= 3; want++ {
		got, err := c.Next(context.Background(), "orders")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	require.Equal(t, int64(3), fake.values["ids:orders"])
}

func TestNextRequiresEntity(t *testing.T) {
	c, err := New(Options{Client: &fakeCmdable{values: make(map[string]int64)}})
	require.NoError(t, err)
	_, err = c.Next(context.Background(), "")
	require.EqualError(t, err, "entity name is required")
}

func TestNextWrapsErrors(t *testing.T) {
	c, err := New(Options{Client: &fakeCmdable{err: errors.New("READONLY")}})
	require.NoError(t, err)
	_, err = c.Next(context.Background(), "orders")
	require.EqualError(t, err, `redis incr "sequence:orders": READONLY`)
}

func TestNextRejectsNonPositive(t *testing.T) {
	fake := &fakeCmdable{values: map[string]int64{"sequence:orders": -5}}
	c, err := New(Options{Client: fake})
	require.NoError(t, err)
	_, err = c.Next(context.Background(), "orders")
	require.ErrorIs(t, err, sequence.ErrUnexpectedResult)
}

func TestNextAgainstRedis(t *testing.T) {
	client := getRedis(t)
	c, err := New(Options{Client: client})
	require.NoError(t, err)

	const n = 40
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got []int64
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Next(context.Background(), "orders")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, int64(i+1), v)
	}
}
