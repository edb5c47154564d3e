// Package fetch implements a minimal key/value retrieval protocol over a
// single bidirectional stream. A requester sends one framed Request carrying
// an opaque key; the responder resolves it through a prefix-dispatched
// registry of lookup functions and answers with one framed Response.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"peerfetch/internal/framing"
	"peerfetch/pkg/wire"
)

const (
	protocolName    = "fetch"
	protocolVersion = "0.0.1"

	defaultProtocolPrefix     = "/peerfetch"
	defaultTimeout            = 10 * time.Second
	defaultMaxInboundStreams  = 32
	defaultMaxOutboundStreams = 64
)

var (
	// ErrKeyNotFound reports an explicit absence: the remote (or a local
	// lookup function) knows the key space but has no value for this key.
	ErrKeyNotFound = errors.New("no value found for key")

	// ErrNoData is returned when the stream ends before a complete message
	// arrives.
	ErrNoData = errors.New("no data received")

	// ErrUnknownStatus is returned when a response carries a status code
	// this implementation does not know.
	ErrUnknownStatus = errors.New("unknown response status")

	// ErrRemoteError wraps an application-level error reported by the
	// remote peer; the remote's message is embedded in the error text.
	ErrRemoteError = errors.New("remote reported an error")

	// ErrAlreadyStarted is returned by Start on a started service.
	ErrAlreadyStarted = errors.New("fetch service already started")
)

// Config carries the tunables of a fetch Service.
type Config struct {
	// ProtocolPrefix is the leading component of the negotiated protocol ID
	// /<prefix>/fetch/0.0.1. Defaults to "/peerfetch".
	ProtocolPrefix string

	// MaxInboundStreams and MaxOutboundStreams are passed through to the
	// Registrar; the service itself places no bound on concurrent handlers.
	MaxInboundStreams  int
	MaxOutboundStreams int

	// Timeout bounds a Fetch call whose context carries no deadline, and
	// each inbound read/write.
	Timeout time.Duration

	Logger *slog.Logger

	MessageWriterFactory func(w io.Writer, l *slog.Logger) framing.Writer
	MessageReaderFactory func(r io.Reader, l *slog.Logger) framing.Reader
}

func (c *Config) setDefaults() {
	if c.ProtocolPrefix == "" {
		c.ProtocolPrefix = defaultProtocolPrefix
	}
	if c.MaxInboundStreams <= 0 {
		c.MaxInboundStreams = defaultMaxInboundStreams
	}
	if c.MaxOutboundStreams <= 0 {
		c.MaxOutboundStreams = defaultMaxOutboundStreams
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "fetch")
	}
	if c.MessageWriterFactory == nil {
		c.MessageWriterFactory = func(w io.Writer, l *slog.Logger) framing.Writer {
			return framing.NewMessageWriter(w, l)
		}
	}
	if c.MessageReaderFactory == nil {
		c.MessageReaderFactory = func(r io.Reader, l *slog.Logger) framing.Reader {
			return framing.NewMessageReader(r, l)
		}
	}
}

// Service is the fetch protocol engine. It owns the lookup registry and the
// protocol identifier, sends outbound requests via Fetch, and serves inbound
// streams once started. Multiple Services may coexist, each with its own
// lifecycle; lookups may be registered whether or not the service is started.
type Service struct {
	config     Config
	host       Host
	registrar  Registrar
	protocolID string
	registry   *lookupRegistry

	mu      sync.Mutex
	started bool
}

// NewService creates a fetch Service on top of the given collaborators.
func NewService(host Host, registrar Registrar, config Config) (*Service, error) {
	if host == nil {
		return nil, errors.New("host is mandatory for fetch Service")
	}
	if registrar == nil {
		return nil, errors.New("registrar is mandatory for fetch Service")
	}
	config.setDefaults()

	prefix := "/" + strings.Trim(config.ProtocolPrefix, "/")
	return &Service{
		config:     config,
		host:       host,
		registrar:  registrar,
		protocolID: fmt.Sprintf("%s/%s/%s", prefix, protocolName, protocolVersion),
		registry:   newLookupRegistry(config.Logger),
	}, nil
}

// ProtocolID returns the negotiated protocol identifier string.
func (s *Service) ProtocolID() string { return s.protocolID }

// Start registers the inbound stream handler with the registrar.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	err := s.registrar.Handle(s.protocolID, s.handleStream, ProtocolLimits{
		MaxInboundStreams:  s.config.MaxInboundStreams,
		MaxOutboundStreams: s.config.MaxOutboundStreams,
	})
	if err != nil {
		return fmt.Errorf("failed to register fetch handler: %w", err)
	}
	s.started = true
	s.config.Logger.Info("fetch service started", "protocol_id", s.protocolID)
	return nil
}

// Stop deregisters the inbound stream handler. Stopping a service that is not
// started is a no-op.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	// Stay started on failure so a retry reaches the registrar again.
	if err := s.registrar.Unhandle(s.protocolID); err != nil {
		return fmt.Errorf("failed to deregister fetch handler: %w", err)
	}
	s.started = false
	s.config.Logger.Info("fetch service stopped", "protocol_id", s.protocolID)
	return nil
}

// Started reports whether the inbound handler is currently registered.
func (s *Service) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// RegisterLookup registers fn for all keys starting with prefix. At most one
// function may be registered per exact prefix.
func (s *Service) RegisterLookup(prefix string, fn LookupFunc) error {
	return s.registry.register(prefix, fn)
}

// UnregisterLookup removes the registration for prefix. If fn is non-nil the
// removal only happens when fn is the registered function.
func (s *Service) UnregisterLookup(prefix string, fn LookupFunc) {
	s.registry.unregister(prefix, fn)
}

// Fetch asks peer for the value of key. It returns the value on a remote OK,
// ErrKeyNotFound when the remote explicitly reports no value, and an error
// otherwise. Exactly one request and one response are exchanged; there is no
// retry. If ctx carries no deadline the service's Timeout bounds the call.
func (s *Service) Fetch(ctx context.Context, peer string, key string) ([]byte, error) {
	logger := s.config.Logger.With("op", "fetch", "peer", peer, "key", key)

	cancel := context.CancelFunc(func() {})
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
	}
	defer cancel()

	stream, err := s.host.NewStream(ctx, peer, s.protocolID)
	if err != nil {
		return nil, fmt.Errorf("open stream to %s failed: %w", peer, err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			logger.Debug("error closing fetch stream", "error", err)
		}
	}()

	stop := abortOnDone(ctx, stream)
	defer stop()

	writer := s.config.MessageWriterFactory(stream, logger)
	reader := s.config.MessageReaderFactory(stream, logger)

	if err := writer.WriteMsg(ctx, &wire.Request{Identifier: key}); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to send fetch request: %w", err)
	}

	var resp wire.Response
	if err := reader.ReadMsg(ctx, &resp); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrNoData
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("fetch cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("failed to read fetch response: %w", err)
	}

	switch resp.Status {
	case wire.StatusOK:
		logger.Debug("fetch succeeded", "value_len", len(resp.Data))
		return resp.Data, nil
	case wire.StatusNotFound:
		return nil, ErrKeyNotFound
	case wire.StatusError:
		return nil, fmt.Errorf("%w: %s", ErrRemoteError, resp.Data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownStatus, resp.Status)
	}
}

// abortOnDone unblocks in-flight stream I/O once ctx fires by moving the
// stream deadline into the past. The returned stop func releases the watcher;
// callers must invoke it on every exit path.
func abortOnDone(ctx context.Context, stream Stream) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = stream.SetDeadline(time.Now())
		case <-done:
		}
	}()
	return func() { close(done) }
}
