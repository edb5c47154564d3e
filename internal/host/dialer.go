package host

import (
	"container/list"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	defaultDialTimeout    = 5 * time.Second
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultMaxConnections = 64

	closeErrorCodeNoError     = 0
	closeReasonDialerShutdown = "host node shutdown"
	closeReasonInvalidated    = "connection invalidated"
)

var (
	ErrMaxRetriesExceeded = errors.New("exceeded maximum dial retries")
	ErrDialerClosed       = errors.New("dialer is closed")
)

// DialConfig tunes outbound connection establishment. Establishing a
// connection may retry with backoff; that is a transport concern and distinct
// from the fetch exchange itself, which never retries.
type DialConfig struct {
	DialTimeout          time.Duration
	HandshakeIdleTimeout time.Duration
	MaxIdleTimeout       time.Duration
	MaxRetries           int
	RetryBaseDelay       time.Duration
	MaxConnections       int // size of the LRU connection pool
}

func (c *DialConfig) setDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.HandshakeIdleTimeout <= 0 {
		c.HandshakeIdleTimeout = defaultHandshakeIdleTimeout
	}
	if c.MaxIdleTimeout <= 0 {
		c.MaxIdleTimeout = defaultMaxIdleTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
}

type managedConnection struct {
	conn     quic.Connection
	lruEntry *list.Element
}

// dialer maintains an LRU pool of QUIC connections keyed by peer address.
type dialer struct {
	mu          sync.Mutex
	connections map[string]*managedConnection
	lruList     *list.List
	config      DialConfig
	tlsConf     *tls.Config
	logger      *slog.Logger
	closed      bool
}

func newDialer(config DialConfig, tlsConf *tls.Config, logger *slog.Logger) *dialer {
	if tlsConf == nil {
		tlsConf = &tls.Config{}
	}
	tlsConf = tlsConf.Clone()
	tlsConf.NextProtos = []string{alpnProtocol}

	return &dialer{
		connections: make(map[string]*managedConnection),
		lruList:     list.New(),
		config:      config,
		tlsConf:     tlsConf,
		logger:      logger.With("subcomponent", "dialer"),
	}
}

// getOrConnect returns a live pooled connection to addr or dials a new one.
func (d *dialer) getOrConnect(ctx context.Context, addr string) (quic.Connection, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDialerClosed
	}
	if mc, ok := d.connections[addr]; ok {
		if mc.conn.Context().Err() == nil {
			d.lruList.MoveToFront(mc.lruEntry)
			d.mu.Unlock()
			d.logger.Debug("reusing pooled connection", "address", addr)
			return mc.conn, nil
		}
		d.logger.Debug("pooled connection is dead, evicting", "address", addr)
		d.evictLocked(mc, "stale connection")
	}
	d.mu.Unlock()

	return d.dialAndStore(ctx, addr)
}

func (d *dialer) dialAndStore(ctx context.Context, addr string) (quic.Connection, error) {
	quicConf := &quic.Config{
		MaxIdleTimeout:       d.config.MaxIdleTimeout,
		HandshakeIdleTimeout: d.config.HandshakeIdleTimeout,
	}

	var conn quic.Connection
	var lastErr error
	for i := 0; i <= d.config.MaxRetries; i++ {
		dialCtx, dialCancel := context.WithTimeout(ctx, d.config.DialTimeout)
		d.logger.Debug("dialing", "address", addr, "attempt", i+1)
		var err error
		conn, err = quic.DialAddr(dialCtx, addr, d.tlsConf, quicConf)
		dialCancel()
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		d.logger.Warn("dial failed", "address", addr, "attempt", i+1, "error", err)

		if i < d.config.MaxRetries {
			delay := d.config.RetryBaseDelay * (1 << i)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial cancelled: %w", ctx.Err())
			}
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w to %s: %w", ErrMaxRetriesExceeded, addr, lastErr)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		_ = conn.CloseWithError(quic.ApplicationErrorCode(closeErrorCodeNoError), closeReasonDialerShutdown)
		return nil, ErrDialerClosed
	}

	// Another goroutine may have connected while we dialed.
	if mc, ok := d.connections[addr]; ok && mc.conn.Context().Err() == nil {
		_ = conn.CloseWithError(quic.ApplicationErrorCode(closeErrorCodeNoError), "duplicate dial")
		d.lruList.MoveToFront(mc.lruEntry)
		return mc.conn, nil
	}

	if d.lruList.Len() >= d.config.MaxConnections {
		if back := d.lruList.Back(); back != nil {
			if mc, ok := d.connections[back.Value.(string)]; ok {
				d.logger.Info("connection pool full, evicting LRU entry", "address", back.Value.(string))
				d.evictLocked(mc, "LRU eviction")
			}
		}
	}

	element := d.lruList.PushFront(addr)
	d.connections[addr] = &managedConnection{conn: conn, lruEntry: element}
	d.logger.Info("connection established", "address", addr)
	return conn, nil
}

// invalidate closes and removes the connection to addr, if pooled.
func (d *dialer) invalidate(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if mc, ok := d.connections[addr]; ok {
		d.evictLocked(mc, closeReasonInvalidated)
	}
}

// evictLocked removes mc from the pool and closes it. Callers hold d.mu.
func (d *dialer) evictLocked(mc *managedConnection, reason string) {
	addr := mc.lruEntry.Value.(string)
	d.lruList.Remove(mc.lruEntry)
	delete(d.connections, addr)
	if err := mc.conn.CloseWithError(quic.ApplicationErrorCode(closeErrorCodeNoError), reason); err != nil {
		d.logger.Warn("error closing evicted connection", "address", addr, "error", err)
	}
}

// closeAll closes every pooled connection and marks the dialer closed.
func (d *dialer) closeAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	for addr, mc := range d.connections {
		if err := mc.conn.CloseWithError(quic.ApplicationErrorCode(closeErrorCodeNoError), closeReasonDialerShutdown); err != nil {
			d.logger.Warn("error closing connection during shutdown", "address", addr, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	d.connections = make(map[string]*managedConnection)
	d.lruList.Init()
	return firstErr
}
