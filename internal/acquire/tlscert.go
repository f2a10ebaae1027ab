package acquire

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openbem/bem-engine/internal/store"
)

// MaterializeCert writes the broker's stored PEM certificate to
// <dir>/<host>.crt and returns the path. The file is rewritten on every
// call so the database stays the source of truth.
func MaterializeCert(dir string, b store.Broker) (string, error) {
	if b.TLSCertificate == "" {
		return "", fmt.Errorf("broker %s: tls enabled but no certificate stored", b.Host)
	}
	path := filepath.Join(dir, b.Host+".crt")
	if err := os.WriteFile(path, []byte(b.TLSCertificate), 0o600); err != nil {
		return "", fmt.Errorf("materialize broker certificate: %w", err)
	}
	return path, nil
}

// tlsConfig maps the broker's TLS columns onto a tls.Config. certFile is
// the materialized certificate path, or empty to use the system roots.
func tlsConfig(b store.Broker, certFile string) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: b.Host}

	switch b.TLSVersion {
	case "", "1.2":
		cfg.MinVersion = tls.VersionTLS12
	case "1.0":
		cfg.MinVersion = tls.VersionTLS10
	case "1.1":
		cfg.MinVersion = tls.VersionTLS11
	case "1.3":
		cfg.MinVersion = tls.VersionTLS13
	default:
		return nil, fmt.Errorf("broker %s: unsupported tls version %q", b.Host, b.TLSVersion)
	}

	switch b.TLSVerifyMode {
	case "", "optional", "required":
		// A client always receives the server certificate, so optional
		// verifies just like required.
	case "none":
		cfg.InsecureSkipVerify = true
	default:
		return nil, fmt.Errorf("broker %s: unsupported tls verify mode %q", b.Host, b.TLSVerifyMode)
	}

	if certFile != "" {
		pem, err := os.ReadFile(certFile)
		if err != nil {
			return nil, fmt.Errorf("read broker certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("broker certificate %s: no usable PEM data", certFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
