// Package tlsconfig loads the manual certificate/key pair a listener may
// serve TLS with. Automatic certificate management (Let's Encrypt/ACME) is
// out of scope: the ACME challenge static file server is an external
// collaborator per the system's purpose and scope.
package tlsconfig

import (
	"crypto/tls"
	"fmt"
	"os"
)

// Load reads certPath/keyPath and returns a *tls.Config suitable for a
// listener's TLSConfig field. Both paths are required.
func Load(certPath, keyPath string) (*tls.Config, error) {
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("tlsconfig: cert_path and key_path are both required for manual TLS mode")
	}

	if _, err := os.Stat(certPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("tlsconfig: certificate file not found: %s", certPath)
	}
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("tlsconfig: key file not found: %s", keyPath)
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("tlsconfig: failed to load certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
		CurvePreferences: []tls.CurveID{
			tls.CurveP256,
			tls.X25519,
		},
	}, nil
}
