package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"
	"testing"
	"time"

	"peerfetch/internal/framing"
	"peerfetch/pkg/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// memRegistrar is an in-memory Registrar double. Setting unhandleErr makes
// every Unhandle call fail until it is cleared again.
type memRegistrar struct {
	mu          sync.Mutex
	handlers    map[string]StreamHandler
	unhandleErr error
}

func newMemRegistrar() *memRegistrar {
	return &memRegistrar{handlers: make(map[string]StreamHandler)}
}

func (r *memRegistrar) Handle(protocolID string, handler StreamHandler, _ ProtocolLimits) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[protocolID]; ok {
		return fmt.Errorf("handler already registered for %s", protocolID)
	}
	r.handlers[protocolID] = handler
	return nil
}

func (r *memRegistrar) Unhandle(protocolID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unhandleErr != nil {
		return r.unhandleErr
	}
	delete(r.handlers, protocolID)
	return nil
}

func (r *memRegistrar) setUnhandleErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unhandleErr = err
}

func (r *memRegistrar) lookup(protocolID string) (StreamHandler, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handlers[protocolID]
	return h, ok
}

// memHost opens net.Pipe streams against a remote registrar, standing in for
// a real connection-opening transport.
type memHost struct {
	remote *memRegistrar
}

func (h *memHost) NewStream(ctx context.Context, peer string, protocolID string) (Stream, error) {
	handler, ok := h.remote.lookup(protocolID)
	if !ok {
		return nil, fmt.Errorf("peer %s does not handle protocol %s", peer, protocolID)
	}
	local, remote := net.Pipe()
	go func() {
		defer remote.Close()
		handler("test-client", remote)
	}()
	return local, nil
}

func newTestPair(t *testing.T) (client, server *Service) {
	t.Helper()

	serverRegistrar := newMemRegistrar()
	server, err := NewService(&memHost{remote: newMemRegistrar()}, serverRegistrar, Config{
		Timeout: 2 * time.Second,
		Logger:  testLogger(),
	})
	require.NoError(t, err)

	client, err = NewService(&memHost{remote: serverRegistrar}, newMemRegistrar(), Config{
		Timeout: 2 * time.Second,
		Logger:  testLogger(),
	})
	require.NoError(t, err)
	return client, server
}

func TestFetch_OK(t *testing.T) {
	client, server := newTestPair(t)
	require.NoError(t, server.RegisterLookup("user/", func(ctx context.Context, key string) ([]byte, error) {
		assert.Equal(t, "user/42", key)
		return []byte{1, 2, 3}, nil
	}))
	require.NoError(t, server.Start())
	defer server.Stop()

	value, err := client.Fetch(context.Background(), "server", "user/42")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, value)
}

func TestFetch_NotFound(t *testing.T) {
	client, server := newTestPair(t)
	require.NoError(t, server.RegisterLookup("user/", func(ctx context.Context, key string) ([]byte, error) {
		return nil, ErrKeyNotFound
	}))
	require.NoError(t, server.Start())
	defer server.Stop()

	_, err := client.Fetch(context.Background(), "server", "user/99")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFetch_NoLookupRegistered(t *testing.T) {
	client, server := newTestPair(t)
	require.NoError(t, server.Start())
	defer server.Stop()

	_, err := client.Fetch(context.Background(), "server", "unknown/1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteError)
	assert.Contains(t, err.Error(), "No lookup function registered for key: unknown/1")
}

func TestFetch_LookupFailureAbortsStream(t *testing.T) {
	client, server := newTestPair(t)
	require.NoError(t, server.RegisterLookup("user/", func(ctx context.Context, key string) ([]byte, error) {
		return nil, errors.New("backing store unavailable")
	}))
	require.NoError(t, server.Start())
	defer server.Stop()

	// A lookup failure is not converted into an ERROR response; the stream
	// just closes, which the requester sees as "no data received".
	_, err := client.Fetch(context.Background(), "server", "user/1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestFetch_TruncatedStream(t *testing.T) {
	client, server := newTestPair(t)

	// Remote reads the request, then closes without answering.
	serverRegistrar := client.host.(*memHost).remote
	require.NoError(t, serverRegistrar.Handle(server.ProtocolID(), func(_ string, stream Stream) {
		reader := framing.NewMessageReader(stream, testLogger())
		var req wire.Request
		_ = reader.ReadMsg(context.Background(), &req)
	}, ProtocolLimits{}))

	_, err := client.Fetch(context.Background(), "server", "user/42")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestFetch_Timeout(t *testing.T) {
	client, server := newTestPair(t)

	unblock := make(chan struct{})

	// Remote accepts the request and then never responds.
	serverRegistrar := client.host.(*memHost).remote
	require.NoError(t, serverRegistrar.Handle(server.ProtocolID(), func(_ string, stream Stream) {
		reader := framing.NewMessageReader(stream, testLogger())
		var req wire.Request
		_ = reader.ReadMsg(context.Background(), &req)
		<-unblock
	}, ProtocolLimits{}))

	shortClient, err := NewService(client.host, newMemRegistrar(), Config{
		Timeout: 300 * time.Millisecond,
		Logger:  testLogger(),
	})
	require.NoError(t, err)

	before := runtime.NumGoroutine()
	start := time.Now()
	_, err = shortClient.Fetch(context.Background(), "server", "user/42")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 2*time.Second, "fetch must give up at roughly the configured timeout")
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)

	// Once the remote handler is released, nothing spawned by the timed-out
	// fetch may linger: neither the deadline watcher nor its timer goroutine.
	close(unblock)
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before
	}, 2*time.Second, 10*time.Millisecond, "timed-out fetch leaked a goroutine")
}

func TestFetch_CallerDeadlineReplacesTimeout(t *testing.T) {
	client, server := newTestPair(t)

	unblock := make(chan struct{})
	defer close(unblock)

	serverRegistrar := client.host.(*memHost).remote
	require.NoError(t, serverRegistrar.Handle(server.ProtocolID(), func(_ string, stream Stream) {
		reader := framing.NewMessageReader(stream, testLogger())
		var req wire.Request
		_ = reader.ReadMsg(context.Background(), &req)
		<-unblock
	}, ProtocolLimits{}))

	// The service timeout is long; the caller's deadline must win.
	slowClient, err := NewService(client.host, newMemRegistrar(), Config{
		Timeout: time.Minute,
		Logger:  testLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = slowClient.Fetch(ctx, "server", "user/42")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetch_UnknownStatus(t *testing.T) {
	client, server := newTestPair(t)

	serverRegistrar := client.host.(*memHost).remote
	require.NoError(t, serverRegistrar.Handle(server.ProtocolID(), func(_ string, stream Stream) {
		reader := framing.NewMessageReader(stream, testLogger())
		var req wire.Request
		if err := reader.ReadMsg(context.Background(), &req); err != nil {
			return
		}
		writer := framing.NewMessageWriter(stream, testLogger())
		_ = writer.WriteMsg(context.Background(), &wire.Response{Status: wire.Status(7)})
	}, ProtocolLimits{}))

	_, err := client.Fetch(context.Background(), "server", "user/42")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestService_Lifecycle(t *testing.T) {
	_, server := newTestPair(t)

	// Registration works while the service is stopped.
	require.NoError(t, server.RegisterLookup("user/", staticLookup("v")))
	server.UnregisterLookup("user/", nil)

	assert.False(t, server.Started())
	require.NoError(t, server.Start())
	assert.True(t, server.Started())
	assert.ErrorIs(t, server.Start(), ErrAlreadyStarted)

	require.NoError(t, server.Stop())
	assert.False(t, server.Started())
	// Stop is idempotent.
	require.NoError(t, server.Stop())

	// After a stop/start cycle the handler is registered again.
	require.NoError(t, server.Start())
	defer server.Stop()
	_, ok := server.registrar.(*memRegistrar).lookup(server.ProtocolID())
	assert.True(t, ok)
}

func TestService_StopStaysStartedOnUnhandleError(t *testing.T) {
	registrar := newMemRegistrar()
	server, err := NewService(&memHost{remote: newMemRegistrar()}, registrar, Config{
		Logger: testLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, server.Start())

	registrar.setUnhandleErr(errors.New("registrar unavailable"))
	require.Error(t, server.Stop())
	assert.True(t, server.Started(), "a failed stop must not report the service stopped")
	_, ok := registrar.lookup(server.ProtocolID())
	assert.True(t, ok, "the inbound handler is still registered after a failed stop")

	// A retry reaches the registrar again and succeeds.
	registrar.setUnhandleErr(nil)
	require.NoError(t, server.Stop())
	assert.False(t, server.Started())
	_, ok = registrar.lookup(server.ProtocolID())
	assert.False(t, ok)
}
