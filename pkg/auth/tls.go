package auth

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"slices"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Builder turns a Config into TLS settings for the transport. A disabled
// builder yields no options, leaving the transport in plaintext.
type Builder struct {
	cfg     Config
	cert    tls.Certificate
	roots   *x509.CertPool
	allowed []string
}

// NewBuilder validates cfg and loads its key pair and CA.
func NewBuilder(cfg Config) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Builder{cfg: cfg}
	if !cfg.Enabled {
		return b, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	b.cert = cert

	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	b.roots = x509.NewCertPool()
	if !b.roots.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCA, cfg.CAFile)
	}

	for _, h := range cfg.AllowedHosts {
		b.allowed = append(b.allowed, HostOnly(h))
	}
	return b, nil
}

// Enabled reports whether TLS is on.
func (b *Builder) Enabled() bool { return b.cfg.Enabled }

// ServerConfig requires and verifies a client certificate from every peer.
func (b *Builder) ServerConfig() *tls.Config {
	if !b.cfg.Enabled {
		return nil
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{b.cert},
		ClientCAs:             b.roots,
		ClientAuth:            tls.RequireAndVerifyClientCert,
		MinVersion:            b.minVersion(),
		VerifyPeerCertificate: b.verifyPeer,
	}
}

// ClientConfig presents this server's certificate when dialing peers.
func (b *Builder) ClientConfig() *tls.Config {
	if !b.cfg.Enabled {
		return nil
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{b.cert},
		RootCAs:               b.roots,
		MinVersion:            b.minVersion(),
		VerifyPeerCertificate: b.verifyPeer,
	}
}

// ServerOptions returns the gRPC server credentials, or nil in plaintext.
func (b *Builder) ServerOptions() []grpc.ServerOption {
	if !b.cfg.Enabled {
		return nil
	}
	return []grpc.ServerOption{grpc.Creds(credentials.NewTLS(b.ServerConfig()))}
}

// DialOptions returns the gRPC client credentials, or nil in plaintext.
func (b *Builder) DialOptions() []grpc.DialOption {
	if !b.cfg.Enabled {
		return nil
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(credentials.NewTLS(b.ClientConfig()))}
}

// verifyPeer runs after chain verification and enforces AllowedHosts.
func (b *Builder) verifyPeer(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if len(verifiedChains) == 0 || len(verifiedChains[0]) == 0 {
		return ErrInvalidCertificate
	}
	if len(b.allowed) == 0 {
		return nil
	}
	leaf := verifiedChains[0][0]
	for _, h := range PeerHosts(leaf) {
		if slices.Contains(b.allowed, h) {
			return nil
		}
	}
	return fmt.Errorf("%w: peer %q is not an allowed host", ErrUnauthorized, leaf.Subject.CommonName)
}

func (b *Builder) minVersion() uint16 {
	if b.cfg.MinVersion == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
