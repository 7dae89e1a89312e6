// Package tlsutil loads the server TLS material and extracts transport-level
// client identities from completed handshakes.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
)

// LoadServerConfig builds the listener TLS configuration. Client
// certificates are requested and verified against caFile when presented;
// connections without one fall back to per-request credentials.
func LoadServerConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.VerifyClientCertIfGiven,
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read client ca %q: %w", caFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client ca %q contains no certificates", caFile)
		}
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// PeerCommonName returns the common name of the verified client certificate
// on conn, if the transport authenticated one.
func PeerCommonName(conn net.Conn) (string, bool) {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return "", false
	}
	state := tlsConn.ConnectionState()
	if len(state.VerifiedChains) == 0 || len(state.PeerCertificates) == 0 {
		return "", false
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	return cn, cn != ""
}
