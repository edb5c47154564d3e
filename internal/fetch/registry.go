package fetch

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"sync"
)

// ErrDuplicateLookup is returned when a prefix already has a lookup function
// registered.
var ErrDuplicateLookup = errors.New("lookup function already registered for prefix")

type lookupEntry struct {
	prefix string
	fn     LookupFunc
}

// lookupRegistry maps key prefixes to lookup functions. Entries keep their
// registration order: resolve scans them linearly and the first-registered
// matching prefix wins, even when a later prefix is longer or more specific.
type lookupRegistry struct {
	mu      sync.RWMutex
	entries []lookupEntry
	logger  *slog.Logger
}

func newLookupRegistry(logger *slog.Logger) *lookupRegistry {
	return &lookupRegistry{logger: logger.With("component", "lookup_registry")}
}

func (r *lookupRegistry) register(prefix string, fn LookupFunc) error {
	if fn == nil {
		return errors.New("lookup function must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.prefix == prefix {
			return ErrDuplicateLookup
		}
	}
	r.entries = append(r.entries, lookupEntry{prefix: prefix, fn: fn})
	r.logger.Debug("lookup function registered", "prefix", prefix)
	return nil
}

// unregister removes the entry for prefix. If fn is non-nil and is not the
// registered function, the call is a no-op, so a caller cannot accidentally
// remove a registration it does not own. Unknown prefixes are a no-op too.
func (r *lookupRegistry) unregister(prefix string, fn LookupFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, e := range r.entries {
		if e.prefix != prefix {
			continue
		}
		if fn != nil && reflect.ValueOf(e.fn).Pointer() != reflect.ValueOf(fn).Pointer() {
			r.logger.Debug("unregister skipped, function does not match registration", "prefix", prefix)
			return
		}
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
		r.logger.Debug("lookup function unregistered", "prefix", prefix)
		return
	}
}

func (r *lookupRegistry) resolve(key string) (LookupFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if strings.HasPrefix(key, e.prefix) {
			return e.fn, true
		}
	}
	return nil, false
}
