// Package host is the QUIC implementation of the fetch engine's external
// collaborators: it opens application streams to remote peers and routes
// inbound streams to registered handlers by negotiated protocol ID. The first
// frame on every stream is a StreamHeader naming the protocol; everything
// after it belongs to the handler.
package host

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"peerfetch/internal/fetch"
	"peerfetch/internal/framing"
	"peerfetch/pkg/wire"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

const (
	alpnProtocol = "peerfetch"

	defaultNegotiateTimeout     = 5 * time.Second
	defaultMaxIdleTimeout       = 30 * time.Second
	defaultHandshakeIdleTimeout = 10 * time.Second
)

var (
	ErrNodeClosed        = errors.New("host node is closed")
	ErrDuplicateProtocol = errors.New("handler already registered for protocol")
	ErrUnknownProtocol   = errors.New("no handler registered for protocol")
	ErrTooManyStreams    = errors.New("stream limit reached for protocol")
)

// Config carries the tunables of a Node.
type Config struct {
	// ListenAddr is the UDP address to accept connections on. Empty means a
	// dial-only node: NewStream works, Start is not required.
	ListenAddr string

	// NodeID identifies this node in logs. Defaults to node-<uuid>.
	NodeID string

	// TLSConfig is the server-side TLS configuration. Mandatory for a
	// listening node; GenerateSelfSignedTLS provides a development one.
	TLSConfig *tls.Config

	// TLSClientConfig is used when dialing out. Nil means system roots.
	TLSClientConfig *tls.Config

	// NegotiateTimeout bounds reading the StreamHeader on inbound streams.
	NegotiateTimeout time.Duration

	Logger *slog.Logger

	Dial DialConfig
}

func (c *Config) setDefaults() {
	if c.NodeID == "" {
		c.NodeID = "node-" + uuid.NewString()
	}
	if c.NegotiateTimeout <= 0 {
		c.NegotiateTimeout = defaultNegotiateTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Logger = c.Logger.With("component", "host", "node_id", c.NodeID)
	c.Dial.setDefaults()
}

type protocolEntry struct {
	handler fetch.StreamHandler
	limits  fetch.ProtocolLimits

	mu       sync.Mutex
	inbound  int
	outbound int
}

func (e *protocolEntry) acquire(counter *int, limit int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit > 0 && *counter >= limit {
		return false
	}
	*counter++
	return true
}

func (e *protocolEntry) release(counter *int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	*counter--
}

// Node is a QUIC endpoint acting as both connection opener and stream
// registrar. It satisfies fetch.Host and fetch.Registrar.
type Node struct {
	config Config
	dialer *dialer

	mu         sync.Mutex
	listener   *quic.Listener
	stopAccept context.CancelFunc
	closed     bool
	wg         sync.WaitGroup

	protoMu   sync.RWMutex
	protocols map[string]*protocolEntry
}

// NewNode creates a Node; call Start to begin accepting connections.
func NewNode(config Config) (*Node, error) {
	config.setDefaults()
	if config.ListenAddr != "" && config.TLSConfig == nil {
		return nil, errors.New("TLSConfig is mandatory for a listening node")
	}
	if config.TLSConfig != nil {
		ensureALPN(config.TLSConfig)
	}
	return &Node{
		config:    config,
		dialer:    newDialer(config.Dial, config.TLSClientConfig, config.Logger),
		protocols: make(map[string]*protocolEntry),
	}, nil
}

func ensureALPN(tlsConf *tls.Config) {
	for _, p := range tlsConf.NextProtos {
		if p == alpnProtocol {
			return
		}
	}
	tlsConf.NextProtos = append(tlsConf.NextProtos, alpnProtocol)
}

// Handle registers handler for protocolID. Inbound streams for that protocol
// are dispatched to it, bounded by limits.
func (n *Node) Handle(protocolID string, handler fetch.StreamHandler, limits fetch.ProtocolLimits) error {
	if handler == nil {
		return errors.New("handler must not be nil")
	}
	n.protoMu.Lock()
	defer n.protoMu.Unlock()
	if _, ok := n.protocols[protocolID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProtocol, protocolID)
	}
	n.protocols[protocolID] = &protocolEntry{handler: handler, limits: limits}
	n.config.Logger.Info("protocol handler registered", "protocol_id", protocolID,
		"max_inbound", limits.MaxInboundStreams, "max_outbound", limits.MaxOutboundStreams)
	return nil
}

// Unhandle removes the handler for protocolID; unknown IDs are a no-op.
func (n *Node) Unhandle(protocolID string) error {
	n.protoMu.Lock()
	defer n.protoMu.Unlock()
	if _, ok := n.protocols[protocolID]; !ok {
		return nil
	}
	delete(n.protocols, protocolID)
	n.config.Logger.Info("protocol handler deregistered", "protocol_id", protocolID)
	return nil
}

func (n *Node) protocol(protocolID string) (*protocolEntry, bool) {
	n.protoMu.RLock()
	defer n.protoMu.RUnlock()
	e, ok := n.protocols[protocolID]
	return e, ok
}

// Start binds the listener and begins accepting connections in the
// background. It returns once the node is listening; ctx cancellation or Stop
// shuts the accept loop down.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrNodeClosed
	}
	if n.listener != nil {
		return errors.New("node already started")
	}
	if n.config.ListenAddr == "" {
		return errors.New("node has no ListenAddr configured")
	}

	quicConf := &quic.Config{
		MaxIdleTimeout:       defaultMaxIdleTimeout,
		HandshakeIdleTimeout: defaultHandshakeIdleTimeout,
	}
	listener, err := quic.ListenAddr(n.config.ListenAddr, n.config.TLSConfig, quicConf)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.config.ListenAddr, err)
	}
	n.listener = listener
	n.config.Logger.Info("node listening", "address", listener.Addr().String())

	// Stop must be able to unwind the accept and per-connection loops even
	// when the caller's ctx is never cancelled.
	runCtx, cancel := context.WithCancel(ctx)
	n.stopAccept = cancel

	n.wg.Add(1)
	go n.acceptLoop(runCtx, listener)
	return nil
}

func (n *Node) acceptLoop(ctx context.Context, listener *quic.Listener) {
	defer n.wg.Done()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		<-ctx.Done()
		n.mu.Lock()
		if n.listener != nil {
			if err := n.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				n.config.Logger.Error("error closing listener on context cancel", "error", err)
			}
			n.listener = nil
		}
		n.mu.Unlock()
	}()

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) || errors.Is(err, quic.ErrServerClosed) {
				n.config.Logger.Info("accept loop ending", "reason", err)
				return
			}
			n.config.Logger.Error("failed to accept connection", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		n.config.Logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr().String())
		n.wg.Add(1)
		go n.handleConnection(ctx, conn)
	}
}

func (n *Node) handleConnection(ctx context.Context, conn quic.Connection) {
	defer n.wg.Done()
	defer func() {
		_ = conn.CloseWithError(quic.ApplicationErrorCode(0), "connection handler finished")
		n.config.Logger.Debug("closed connection", "remote_addr", conn.RemoteAddr().String())
	}()

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			switch {
			case errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled):
				n.config.Logger.Debug("connection closed while accepting stream", "error", err)
			case isIdleTimeout(err):
				n.config.Logger.Debug("connection idle timeout", "remote_addr", conn.RemoteAddr().String())
			case isRemoteClose(err):
				n.config.Logger.Debug("connection closed by remote", "remote_addr", conn.RemoteAddr().String())
			default:
				n.config.Logger.Error("failed to accept stream", "remote_addr", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		n.wg.Add(1)
		go n.dispatchStream(ctx, stream, conn.RemoteAddr())
	}
}

func isIdleTimeout(err error) bool {
	var idle *quic.IdleTimeoutError
	return errors.As(err, &idle)
}

func isRemoteClose(err error) bool {
	var appErr *quic.ApplicationError
	return errors.As(err, &appErr) && appErr.Remote
}

// dispatchStream reads the StreamHeader and hands the stream to the matching
// handler. The stream is closed here on every exit path, so a handler error
// or panic upstream of it never leaks an open stream.
func (n *Node) dispatchStream(ctx context.Context, stream quic.Stream, remoteAddr net.Addr) {
	defer n.wg.Done()
	defer stream.Close()

	logger := n.config.Logger.With("remote_addr", remoteAddr.String(), "stream_id", stream.StreamID())

	ns := newNegotiatedStream(stream)
	reader := framing.NewMessageReader(ns, logger)

	headerCtx, headerCancel := context.WithTimeout(ctx, n.config.NegotiateTimeout)
	defer headerCancel()
	var header wire.StreamHeader
	if err := reader.ReadMsg(headerCtx, &header); err != nil {
		logger.Debug("stream ended before protocol negotiation", "error", err)
		return
	}

	entry, ok := n.protocol(header.ProtocolID)
	if !ok {
		logger.Warn("stream for unknown protocol", "protocol_id", header.ProtocolID)
		return
	}
	if !entry.acquire(&entry.inbound, entry.limits.MaxInboundStreams) {
		logger.Warn("inbound stream limit reached, dropping stream", "protocol_id", header.ProtocolID)
		return
	}
	defer entry.release(&entry.inbound)

	logger.Debug("dispatching stream", "protocol_id", header.ProtocolID)
	entry.handler(remoteAddr.String(), ns)
}

// NewStream opens a stream to peer for protocolID, writing the StreamHeader
// before returning. peer is a dialable host:port address.
func (n *Node) NewStream(ctx context.Context, peer string, protocolID string) (fetch.Stream, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrNodeClosed
	}
	n.mu.Unlock()

	release := func() {}
	if entry, ok := n.protocol(protocolID); ok {
		if !entry.acquire(&entry.outbound, entry.limits.MaxOutboundStreams) {
			return nil, fmt.Errorf("%w: %s", ErrTooManyStreams, protocolID)
		}
		release = func() { entry.release(&entry.outbound) }
	}

	conn, err := n.dialer.getOrConnect(ctx, peer)
	if err != nil {
		release()
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		release()
		n.dialer.invalidate(peer)
		return nil, fmt.Errorf("open stream to %s failed: %w", peer, err)
	}

	logger := n.config.Logger.With("peer", peer, "stream_id", stream.StreamID())
	writer := framing.NewMessageWriter(stream, logger)
	if err := writer.WriteMsg(ctx, &wire.StreamHeader{ProtocolID: protocolID}); err != nil {
		release()
		_ = stream.Close()
		return nil, fmt.Errorf("failed to negotiate protocol %s with %s: %w", protocolID, peer, err)
	}

	return &countedStream{Stream: stream, release: release}, nil
}

// Stop closes the listener, all pooled connections, and waits for in-flight
// handlers, bounded by ctx.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	listener := n.listener
	n.listener = nil
	stopAccept := n.stopAccept
	n.stopAccept = nil
	n.mu.Unlock()

	n.config.Logger.Info("stopping node")
	if stopAccept != nil {
		stopAccept()
	}
	var err error
	if listener != nil {
		if e := listener.Close(); e != nil && !errors.Is(e, net.ErrClosed) {
			err = e
		}
	}
	if e := n.dialer.closeAll(); e != nil && err == nil {
		err = e
	}

	done := make(chan struct{})
	go func() { n.wg.Wait(); close(done) }()
	select {
	case <-done:
		n.config.Logger.Info("node stopped")
	case <-ctx.Done():
		n.config.Logger.Warn("node stop timed out", "error", ctx.Err())
		return ctx.Err()
	}
	return err
}

// Addr returns the bound listener address, or nil for a dial-only node.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// NodeID returns this node's identity string.
func (n *Node) NodeID() string { return n.config.NodeID }

// negotiatedStream gives the stream an unbuffered io.ByteReader so the
// framing layer never reads past the frame it was asked for: the handler
// taking over after the StreamHeader sees the stream exactly where the
// header ended.
type negotiatedStream struct {
	quic.Stream
	one [1]byte
}

func newNegotiatedStream(stream quic.Stream) *negotiatedStream {
	return &negotiatedStream{Stream: stream}
}

func (s *negotiatedStream) ReadByte() (byte, error) {
	n, err := s.Stream.Read(s.one[:])
	if n == 1 {
		return s.one[0], nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return 0, err
}

// countedStream releases its protocol's outbound slot on Close.
type countedStream struct {
	quic.Stream
	release   func()
	closeOnce sync.Once
}

func (s *countedStream) Close() error {
	err := s.Stream.Close()
	s.closeOnce.Do(s.release)
	return err
}

var (
	_ fetch.Host      = (*Node)(nil)
	_ fetch.Registrar = (*Node)(nil)
)
