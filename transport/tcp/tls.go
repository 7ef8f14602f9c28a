package tcp

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/dan-strohschein/recordkit/protocol"
)

// clientTLS builds the client configuration for address. A certificate
// pair is loaded only when both paths are set.
func clientTLS(opts Options) (*tls.Config, error) {
	host, _, err := net.SplitHostPort(opts.Address)
	if err != nil {
		host = opts.Address
	}

	cfg := &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.SkipVerify,
	}
	if opts.CertPath == "" || opts.KeyPath == "" {
		return cfg, nil
	}

	pair, err := tls.LoadX509KeyPair(opts.CertPath, opts.KeyPath)
	if err != nil {
		return nil, protocol.ConnectionError("failed to load TLS certificate", map[string]interface{}{
			"certPath": opts.CertPath,
			"keyPath":  opts.KeyPath,
			"error":    err.Error(),
		})
	}
	cfg.Certificates = []tls.Certificate{pair}
	return cfg, nil
}

func upgradeTLS(ctx context.Context, nc net.Conn, cfg *tls.Config) (net.Conn, error) {
	tc := tls.Client(nc, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		tc.Close()
		return nil, protocol.ConnectionError("TLS handshake failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return tc, nil
}
