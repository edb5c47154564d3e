// fetchctl fetches a single key from a remote peer and prints the value.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"peerfetch/internal/fetch"
	"peerfetch/internal/host"
)

func main() {
	var (
		peerAddr       = flag.String("peer", "127.0.0.1:7979", "Address of the peer to fetch from")
		protocolPrefix = flag.String("protocol-prefix", "", "Protocol ID prefix (default /peerfetch)")
		timeout        = flag.Duration("timeout", 10*time.Second, "Fetch timeout")
		caFile         = flag.String("ca", "", "Path to a CA certificate (PEM) to verify the peer")
		insecure       = flag.Bool("insecure", false, "Skip TLS certificate verification (FOR TESTING ONLY)")
		logLevelStr    = flag.String("loglevel", "warn", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <key>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	key := flag.Arg(0)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(*logLevelStr)}))
	slog.SetDefault(logger)

	value, err := run(logger, *peerAddr, *protocolPrefix, key, *caFile, *insecure, *timeout)
	switch {
	case errors.Is(err, fetch.ErrKeyNotFound):
		fmt.Fprintf(os.Stderr, "key not found: %s\n", key)
		os.Exit(1)
	case err != nil:
		logger.Error("fetch failed", "peer", *peerAddr, "key", key, "error", err)
		os.Exit(1)
	}
	os.Stdout.Write(value)
}

func run(logger *slog.Logger, peerAddr, protocolPrefix, key, caFile string, insecure bool, timeout time.Duration) ([]byte, error) {
	tlsConf, err := clientTLS(caFile, insecure, logger)
	if err != nil {
		return nil, err
	}

	node, err := host.NewNode(host.Config{
		TLSClientConfig: tlsConf,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := node.Stop(stopCtx); err != nil {
			logger.Warn("error stopping node", "error", err)
		}
	}()

	svc, err := fetch.NewService(node, node, fetch.Config{
		ProtocolPrefix: protocolPrefix,
		Timeout:        timeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return svc.Fetch(ctx, peerAddr, key)
}

func clientTLS(caFile string, insecure bool, logger *slog.Logger) (*tls.Config, error) {
	tlsConf := &tls.Config{MinVersion: tls.VersionTLS13}
	switch {
	case insecure:
		logger.Warn("TLS certificate verification disabled (FOR TESTING ONLY)")
		tlsConf.InsecureSkipVerify = true
	case caFile != "":
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no valid certificates found in %s", caFile)
		}
		tlsConf.RootCAs = pool
	}
	return tlsConf, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
