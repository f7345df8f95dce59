package api

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"caresync/internal/config"
)

// serverTLS builds the listener TLS settings shared by the HTTP and gRPC
// surfaces. Client certificates are verified against ClientCAFile when
// RequireClientCert is set.
func serverTLS(cfg config.APITLSConfig) (*tls.Config, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, errors.New("tls: cert_file and key_file are required")
	}
	keyPair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("tls: load key pair: %w", err)
	}

	out := &tls.Config{MinVersion: tls.VersionTLS12, Certificates: []tls.Certificate{keyPair}}
	if !cfg.RequireClientCert {
		return out, nil
	}

	pool, err := loadCertPool(cfg.ClientCAFile)
	if err != nil {
		return nil, err
	}
	out.ClientCAs = pool
	out.ClientAuth = tls.RequireAndVerifyClientCert
	return out, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, errors.New("tls: client_ca_file is required for mutual tls")
	}
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tls: read %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(pemData); !ok {
		return nil, fmt.Errorf("tls: no certificates found in %s", path)
	}
	return pool, nil
}
