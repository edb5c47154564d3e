package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *lookupRegistry {
	return newLookupRegistry(slog.New(slog.NewTextHandler(os.Stdout, nil)))
}

func staticLookup(value string) LookupFunc {
	return func(ctx context.Context, key string) ([]byte, error) {
		return []byte(value), nil
	}
}

func TestRegistry_DuplicatePrefix(t *testing.T) {
	r := newTestRegistry()

	require.NoError(t, r.register("user/", staticLookup("a")))
	err := r.register("user/", staticLookup("b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateLookup)

	// After unregistering, the prefix is free again.
	r.unregister("user/", nil)
	assert.NoError(t, r.register("user/", staticLookup("c")))
}

func TestRegistry_NilLookupRejected(t *testing.T) {
	r := newTestRegistry()
	assert.Error(t, r.register("user/", nil))
}

func TestRegistry_FirstRegisteredPrefixWins(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	require.NoError(t, r.register("a", staticLookup("short")))
	require.NoError(t, r.register("ab", staticLookup("long")))

	// Registration order decides, not prefix length.
	fn, ok := r.resolve("abc")
	require.True(t, ok)
	v, err := fn(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "short", string(v))
}

func TestRegistry_ResolveNoMatch(t *testing.T) {
	r := newTestRegistry()
	require.NoError(t, r.register("user/", staticLookup("a")))

	_, ok := r.resolve("group/7")
	assert.False(t, ok)
}

func TestRegistry_GuardedUnregister(t *testing.T) {
	r := newTestRegistry()
	owned := staticLookup("mine")
	other := staticLookup("theirs")

	require.NoError(t, r.register("user/", owned))

	// A different function reference must not remove the registration.
	r.unregister("user/", other)
	_, ok := r.resolve("user/42")
	assert.True(t, ok)

	// The owning reference does.
	r.unregister("user/", owned)
	_, ok = r.resolve("user/42")
	assert.False(t, ok)
}

func TestRegistry_UnregisterUnknownPrefixIsNoop(t *testing.T) {
	r := newTestRegistry()
	r.unregister("never-registered/", nil)
}

// Registration churn and resolution run concurrently in production: inbound
// handlers resolve while callers register and unregister. Run with -race.
func TestRegistry_ConcurrentRegisterUnregisterResolve(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		prefix := fmt.Sprintf("p%d/", i)
		fn := staticLookup(prefix)

		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = r.register(prefix, fn)
				r.unregister(prefix, fn)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if fn, ok := r.resolve(prefix + "key"); ok {
					v, err := fn(ctx, prefix+"key")
					assert.NoError(t, err)
					assert.Equal(t, prefix, string(v))
				}
			}
		}()
	}
	wg.Wait()

	// The churn goroutines always unregister last; nothing may remain.
	for i := 0; i < 8; i++ {
		_, ok := r.resolve(fmt.Sprintf("p%d/key", i))
		assert.False(t, ok)
	}
}
