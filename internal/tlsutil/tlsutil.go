// Package tlsutil provides hardened TLS configuration for the broker
// listener and the node client. TLS protects transport metadata; the
// payload encryption inside frames is independent of it.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"
)

// BaseConfig returns a hardened TLS configuration: TLS 1.2+, AEAD-only
// cipher suites.
func BaseConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// ServerConfig loads the broker's certificate pair on top of the
// hardened base configuration.
func ServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsutil: load key pair: %w", err)
	}
	cfg := BaseConfig()
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

// ClientTransport returns an http.Transport with the hardened TLS
// configuration, suitable for dialing a wss:// broker.
func ClientTransport() *http.Transport {
	return &http.Transport{
		TLSClientConfig: BaseConfig(),
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 10 * time.Second,
		IdleConnTimeout:     90 * time.Second,
	}
}
