// Package tlsutil builds the crypto/tls configurations used by the
// connector: the upstream DoH server's client config (CA bundle + optional
// mTLS identity) and, separately, an HTTPS proxy's client config. Naming
// follows markdingo-trustydns's internal/tlsutil package, the pack's
// dedicated TLS-loading concern.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/mikispag/doh-forwarder/internal/doherr"
)

// ClientConfig builds a *tls.Config for connecting to serverName with ALPN
// h2. If caFile is empty the host's root CA pool is used; otherwise caFile
// is parsed as a PEM bundle of trusted roots. If both certFile and keyFile
// are non-empty, the resulting config also presents that certificate for
// mTLS client authentication.
func ClientConfig(serverName, caFile, certFile, keyFile string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: serverName,
		NextProtos: []string{"h2"},
		MinVersion: tls.VersionTLS12,
	}

	if caFile != "" {
		pool, err := loadCAPool(caFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, doherr.Wrap(doherr.KindPEMParser, "client auth certificate", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, doherr.Wrap(doherr.KindPEMParser, path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, doherr.New(doherr.KindPEMParser, "no certificates found in "+path)
	}
	return pool, nil
}
