package acquire

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openbem/bem-engine/internal/store"
)

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		name   string
		broker store.Broker
		want   string
	}{
		{
			name:   "plain_tcp",
			broker: store.Broker{Host: "broker.local", Port: 1883, Transport: "tcp"},
			want:   "tcp://broker.local:1883",
		},
		{
			name:   "tcp_with_tls",
			broker: store.Broker{Host: "broker.local", Port: 8883, Transport: "tcp", UseTLS: true},
			want:   "ssl://broker.local:8883",
		},
		{
			name:   "websockets",
			broker: store.Broker{Host: "broker.local", Port: 8080, Transport: "websockets"},
			want:   "ws://broker.local:8080",
		},
		{
			name:   "websockets_with_tls",
			broker: store.Broker{Host: "broker.local", Port: 8081, Transport: "websockets", UseTLS: true},
			want:   "wss://broker.local:8081",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := brokerURL(tt.broker); got != tt.want {
				t.Errorf("brokerURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewConnectionRejectsUnknownVersion(t *testing.T) {
	_, err := newConnection(connOptions{broker: store.Broker{ProtocolVersion: "4.0"}})
	if err == nil || !strings.Contains(err.Error(), "unsupported mqtt protocol version") {
		t.Fatalf("newConnection() error = %v, want unsupported version", err)
	}
}

func TestTLSConfig(t *testing.T) {
	t.Run("version_mapping", func(t *testing.T) {
		tests := []struct {
			version string
			want    uint16
		}{
			{"", tls.VersionTLS12},
			{"1.0", tls.VersionTLS10},
			{"1.1", tls.VersionTLS11},
			{"1.2", tls.VersionTLS12},
			{"1.3", tls.VersionTLS13},
		}
		for _, tt := range tests {
			cfg, err := tlsConfig(store.Broker{Host: "h", TLSVersion: tt.version}, "")
			if err != nil {
				t.Fatalf("tlsConfig(%q) error: %v", tt.version, err)
			}
			if cfg.MinVersion != tt.want {
				t.Errorf("tlsConfig(%q).MinVersion = %#x, want %#x", tt.version, cfg.MinVersion, tt.want)
			}
		}
	})

	t.Run("verify_modes", func(t *testing.T) {
		for _, mode := range []string{"", "optional", "required"} {
			cfg, err := tlsConfig(store.Broker{Host: "h", TLSVerifyMode: mode}, "")
			if err != nil {
				t.Fatalf("tlsConfig(%q) error: %v", mode, err)
			}
			if cfg.InsecureSkipVerify {
				t.Errorf("mode %q skips verification", mode)
			}
		}
		cfg, err := tlsConfig(store.Broker{Host: "h", TLSVerifyMode: "none"}, "")
		if err != nil {
			t.Fatalf("tlsConfig(none) error: %v", err)
		}
		if !cfg.InsecureSkipVerify {
			t.Error("mode none should skip verification")
		}
	})

	t.Run("rejects_unknown_inputs", func(t *testing.T) {
		if _, err := tlsConfig(store.Broker{Host: "h", TLSVersion: "0.9"}, ""); err == nil {
			t.Error("tls version 0.9 accepted")
		}
		if _, err := tlsConfig(store.Broker{Host: "h", TLSVerifyMode: "maybe"}, ""); err == nil {
			t.Error("verify mode maybe accepted")
		}
	})

	t.Run("loads_materialized_certificate", func(t *testing.T) {
		dir := t.TempDir()
		broker := store.Broker{Host: "broker.local", UseTLS: true, TLSCertificate: selfSignedPEM(t)}
		path, err := MaterializeCert(dir, broker)
		if err != nil {
			t.Fatalf("MaterializeCert() error: %v", err)
		}
		cfg, err := tlsConfig(broker, path)
		if err != nil {
			t.Fatalf("tlsConfig() error: %v", err)
		}
		if cfg.RootCAs == nil {
			t.Error("RootCAs not populated from certificate file")
		}
		if cfg.ServerName != "broker.local" {
			t.Errorf("ServerName = %q, want broker.local", cfg.ServerName)
		}
	})

	t.Run("rejects_non_pem_certificate", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "bad.crt")
		if err := os.WriteFile(path, []byte("not a certificate"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := tlsConfig(store.Broker{Host: "h"}, path); err == nil {
			t.Error("non-PEM certificate accepted")
		}
	})
}

func TestMaterializeCert(t *testing.T) {
	t.Run("writes_host_named_file", func(t *testing.T) {
		dir := t.TempDir()
		broker := store.Broker{Host: "mqtt.example.org", TLSCertificate: "PEM DATA"}

		path, err := MaterializeCert(dir, broker)
		if err != nil {
			t.Fatalf("MaterializeCert() error: %v", err)
		}
		if want := filepath.Join(dir, "mqtt.example.org.crt"); path != want {
			t.Errorf("path = %q, want %q", path, want)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "PEM DATA" {
			t.Errorf("content = %q, want PEM DATA", data)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Errorf("mode = %v, want 0600", info.Mode().Perm())
		}
	})

	t.Run("requires_stored_certificate", func(t *testing.T) {
		_, err := MaterializeCert(t.TempDir(), store.Broker{Host: "h"})
		if err == nil {
			t.Error("empty certificate accepted")
		}
	})
}

func TestOutOfRange(t *testing.T) {
	low, high := 0.0, 50.0
	tests := []struct {
		name  string
		link  store.TopicLink
		value float64
		want  bool
	}{
		{"no_bounds", store.TopicLink{}, 999, false},
		{"inside", store.TopicLink{Min: &low, Max: &high}, 21.5, false},
		{"at_min", store.TopicLink{Min: &low, Max: &high}, 0, false},
		{"at_max", store.TopicLink{Min: &low, Max: &high}, 50, false},
		{"below_min", store.TopicLink{Min: &low, Max: &high}, -0.1, true},
		{"above_max", store.TopicLink{Min: &low, Max: &high}, 50.1, true},
		{"only_max", store.TopicLink{Max: &high}, -273, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outOfRange(tt.link, tt.value); got != tt.want {
				t.Errorf("outOfRange(%v) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestCheckWorkingDir(t *testing.T) {
	if err := checkWorkingDir(""); err == nil {
		t.Error("empty dir accepted")
	}
	if err := checkWorkingDir(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing dir accepted")
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := checkWorkingDir(file); err == nil {
		t.Error("plain file accepted")
	}

	if err := checkWorkingDir(t.TempDir()); err != nil {
		t.Errorf("writable dir rejected: %v", err)
	}
}

// selfSignedPEM builds a throwaway CA certificate.
func selfSignedPEM(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "broker.local"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}
