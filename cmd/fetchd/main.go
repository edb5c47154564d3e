// fetchd serves key lookups over the fetch protocol, backed by a bbolt store.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"peerfetch/internal/fetch"
	"peerfetch/internal/host"
	"peerfetch/internal/store"
)

func main() {
	var (
		listenAddr     = flag.String("listen", "127.0.0.1:7979", "UDP address to listen on")
		dbPath         = flag.String("db", "peerfetch.db", "Path to the bbolt database file")
		seedFile       = flag.String("seed", "", "JSON file of key/value pairs to load at startup")
		prefixes       = flag.String("prefixes", "", "Comma-separated key prefixes to serve (empty serves every key)")
		protocolPrefix = flag.String("protocol-prefix", "", "Protocol ID prefix (default /peerfetch)")
		timeout        = flag.Duration("timeout", 10*time.Second, "Per-exchange read/write timeout")
		certFile       = flag.String("cert", "", "Path to TLS certificate (PEM)")
		keyFile        = flag.String("key", "", "Path to TLS private key (PEM)")
		logLevelStr    = flag.String("loglevel", "info", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(*logLevelStr)}))
	slog.SetDefault(logger)

	if err := run(logger, *listenAddr, *dbPath, *seedFile, *prefixes, *protocolPrefix, *certFile, *keyFile, *timeout); err != nil {
		logger.Error("fetchd failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, listenAddr, dbPath, seedFile, prefixes, protocolPrefix, certFile, keyFile string, timeout time.Duration) error {
	tlsConf, err := setupTLS(certFile, keyFile, logger)
	if err != nil {
		return err
	}

	st, err := store.Open(store.Config{Path: dbPath, Logger: logger})
	if err != nil {
		return err
	}
	defer st.Close()

	if seedFile != "" {
		n, err := st.LoadSeed(seedFile)
		if err != nil {
			return err
		}
		logger.Info("seeded store", "keys", n, "file", seedFile)
	}

	node, err := host.NewNode(host.Config{
		ListenAddr: listenAddr,
		TLSConfig:  tlsConf,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	svc, err := fetch.NewService(node, node, fetch.Config{
		ProtocolPrefix: protocolPrefix,
		Timeout:        timeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	// An empty prefix list registers a single catch-all: every key starts
	// with the empty prefix.
	for _, prefix := range strings.Split(prefixes, ",") {
		if err := svc.RegisterLookup(strings.TrimSpace(prefix), st.Lookup()); err != nil {
			return fmt.Errorf("failed to register prefix %q: %w", prefix, err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := node.Start(ctx); err != nil {
		return err
	}
	if err := svc.Start(); err != nil {
		return err
	}
	logger.Info("fetchd ready", "address", node.Addr().String(), "protocol_id", svc.ProtocolID())

	<-ctx.Done()
	logger.Info("shutting down")

	if err := svc.Stop(); err != nil {
		logger.Warn("error stopping fetch service", "error", err)
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return node.Stop(stopCtx)
}

func setupTLS(certFile, keyFile string, logger *slog.Logger) (*tls.Config, error) {
	if certFile != "" && keyFile != "" {
		logger.Info("loading TLS certificate", "cert_file", certFile, "key_file", keyFile)
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}

	logger.Warn("no TLS cert/key provided, generating self-signed certificate (INSECURE, FOR TESTING ONLY)")
	return host.GenerateSelfSignedTLS()
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
