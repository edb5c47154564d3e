package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"peerfetch/pkg/wire"
)

// handleStream is the StreamHandler registered for the fetch protocol ID. One
// invocation per inbound stream; the registrar closes the stream once it
// returns. Handlers for distinct streams share nothing but the registry.
func (s *Service) handleStream(remotePeer string, stream Stream) {
	logger := s.config.Logger.With("handler", "fetch", "remote_peer", remotePeer)
	if err := s.handle(context.Background(), stream, logger); err != nil {
		if errors.Is(err, ErrNoData) {
			logger.Debug("stream closed before a request arrived")
			return
		}
		logger.Error("inbound fetch failed", "error", err)
	}
}

// handle reads exactly one framed Request, dispatches it through the lookup
// registry, and writes exactly one framed Response.
func (s *Service) handle(ctx context.Context, stream Stream, logger *slog.Logger) error {
	reader := s.config.MessageReaderFactory(stream, logger)
	writer := s.config.MessageWriterFactory(stream, logger)

	readCtx, readCancel := context.WithTimeout(ctx, s.config.Timeout)
	defer readCancel()
	var req wire.Request
	if err := reader.ReadMsg(readCtx, &req); err != nil {
		if errors.Is(err, io.EOF) {
			return ErrNoData
		}
		return fmt.Errorf("failed to read fetch request: %w", err)
	}
	logger.Debug("processing fetch request", "key", req.Identifier)

	resp, err := s.respond(ctx, req.Identifier)
	if err != nil {
		return err
	}

	writeCtx, writeCancel := context.WithTimeout(ctx, s.config.Timeout)
	defer writeCancel()
	if err := writer.WriteMsg(writeCtx, resp); err != nil {
		return fmt.Errorf("failed to send fetch response: %w", err)
	}
	return nil
}

func (s *Service) respond(ctx context.Context, key string) (*wire.Response, error) {
	fn, ok := s.registry.resolve(key)
	if !ok {
		return &wire.Response{
			Status: wire.StatusError,
			Data:   []byte("No lookup function registered for key: " + key),
		}, nil
	}

	value, err := fn(ctx, key)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return &wire.Response{Status: wire.StatusNotFound}, nil
	case err != nil:
		// A failing lookup aborts the exchange instead of degrading into an
		// ERROR frame; only the unregistered-prefix case answers gracefully.
		return nil, fmt.Errorf("lookup for key %q failed: %w", key, err)
	default:
		return &wire.Response{Status: wire.StatusOK, Data: value}, nil
	}
}
