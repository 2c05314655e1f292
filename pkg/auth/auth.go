// Package auth secures server-to-server traffic with mutual TLS. Every
// server in a grid presents a certificate issued by one shared CA, and
// may further restrict which peer hosts it accepts.
package auth

import (
	"crypto/x509"
	"errors"
	"net"
	"strings"
)

var (
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCA          = errors.New("invalid CA certificate")
)

// Config holds the TLS material for one server.
type Config struct {
	Enabled  bool
	CAFile   string
	CertFile string
	KeyFile  string

	// AllowedHosts restricts which peers are accepted. Empty accepts any
	// certificate the CA signed. Ports are ignored.
	AllowedHosts []string

	// MinVersion is "1.2" or "1.3".
	MinVersion string
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CAFile == "" {
		return errors.New("CA certificate path is required when TLS is enabled")
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return errors.New("certificate and key paths are required when TLS is enabled")
	}
	switch c.MinVersion {
	case "", "1.2", "1.3":
	default:
		return errors.New("min TLS version must be 1.2 or 1.3")
	}
	return nil
}

// HostOnly strips an optional port from a server address.
func HostOnly(addr string) string {
	if h, _, err := net.SplitHostPort(addr); err == nil {
		return strings.ToLower(h)
	}
	return strings.ToLower(addr)
}

// PeerHosts returns every host name a certificate vouches for.
func PeerHosts(cert *x509.Certificate) []string {
	hosts := make([]string, 0, len(cert.DNSNames)+len(cert.IPAddresses)+1)
	if cert.Subject.CommonName != "" {
		hosts = append(hosts, strings.ToLower(cert.Subject.CommonName))
	}
	for _, name := range cert.DNSNames {
		hosts = append(hosts, strings.ToLower(name))
	}
	for _, ip := range cert.IPAddresses {
		hosts = append(hosts, ip.String())
	}
	return hosts
}
