// Package certutil provides the TLS material for wss and QUIC control connections:
// self-signed relay certificates, loading key pairs and client-side verification
// by CA or by pinned fingerprint.
package certutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FingerprintPrefix marks a SHA-256 certificate fingerprint.
const FingerprintPrefix = "sha256:"

// DefaultValidity is the lifetime of generated certificates.
const DefaultValidity = 90 * 24 * time.Hour

// ErrFingerprintMismatch is returned when a pinned relay certificate does not match.
var ErrFingerprintMismatch = errors.New("certificate fingerprint mismatch")

// Cert is a certificate with its private key.
type Cert struct {
	Certificate *x509.Certificate
	PrivateKey  crypto.Signer
	CertPEM     []byte
	KeyPEM      []byte
}

// Fingerprint returns the SHA-256 fingerprint of the certificate.
func (c *Cert) Fingerprint() string {
	return Fingerprint(c.Certificate)
}

// TLSCertificate returns the pair as a tls.Certificate.
func (c *Cert) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(c.CertPEM, c.KeyPEM)
}

// Save writes the certificate (0644) and key (0600), creating directories as needed.
func (c *Cert) Save(certPath, keyPath string) error {
	for _, dir := range []string{filepath.Dir(certPath), filepath.Dir(keyPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(certPath, c.CertPEM, 0644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, c.KeyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// SelfSigned generates a P-256 server certificate for hosts. Entries that parse as IP
// addresses become IP SANs, the rest DNS SANs; localhost and the loopback addresses are
// always included.
func SelfSigned(hosts []string, validFor time.Duration) (*Cert, error) {
	if validFor <= 0 {
		validFor = DefaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	commonName := "tcp-forward relay"
	if len(hosts) > 0 && hosts[0] != "" {
		commonName = hosts[0]
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"tcp-forward"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validFor),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if h == "" || h == "localhost" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &Cert{
		Certificate: cert,
		PrivateKey:  key,
		CertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:      pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// Load reads a PEM certificate and key from files.
func Load(certPath, keyPath string) (*Cert, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return Parse(certPEM, keyPEM)
}

// Parse decodes a PEM certificate and key. EC, PKCS#1 RSA and PKCS#8 keys are accepted.
func Parse(certPEM, keyPEM []byte) (*Cert, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("failed to decode private key PEM")
	}

	var key any
	switch keyBlock.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(keyBlock.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	default:
		return nil, fmt.Errorf("unsupported private key type: %s", keyBlock.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.New("private key cannot sign")
	}

	return &Cert{
		Certificate: cert,
		PrivateKey:  signer,
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
	}, nil
}

// Fingerprint returns the SHA-256 fingerprint of cert as "sha256:<hex>".
func Fingerprint(cert *x509.Certificate) string {
	hash := sha256.Sum256(cert.Raw)
	return FingerprintPrefix + hex.EncodeToString(hash[:])
}

// VerifyFingerprint reports whether cert matches expected, ignoring case.
func VerifyFingerprint(cert *x509.Certificate, expected string) bool {
	return strings.EqualFold(Fingerprint(cert), expected)
}

// ServerOptions selects the relay certificate.
type ServerOptions struct {
	// CertFile and KeyFile load a certificate. When both are empty a self-signed
	// certificate is generated for Hosts.
	CertFile string
	KeyFile  string
	Hosts    []string
}

// ServerTLSConfig builds the relay TLS configuration and returns it with the
// certificate fingerprint clients can pin.
func ServerTLSConfig(opts ServerOptions) (*tls.Config, string, error) {
	var (
		cert *Cert
		err  error
	)
	switch {
	case opts.CertFile != "" && opts.KeyFile != "":
		cert, err = Load(opts.CertFile, opts.KeyFile)
	case opts.CertFile == "" && opts.KeyFile == "":
		cert, err = SelfSigned(opts.Hosts, DefaultValidity)
	default:
		return nil, "", errors.New("certificate and key must be given together")
	}
	if err != nil {
		return nil, "", err
	}

	pair, err := cert.TLSCertificate()
	if err != nil {
		return nil, "", fmt.Errorf("invalid key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, cert.Fingerprint(), nil
}

// ClientOptions selects how the relay certificate is verified.
type ClientOptions struct {
	// CAFile adds trusted roots. Empty uses the system pool.
	CAFile string

	// Fingerprint pins the relay leaf certificate and replaces chain verification.
	Fingerprint string

	// InsecureSkipVerify disables verification entirely.
	InsecureSkipVerify bool
}

// ClientTLSConfig builds the TLS configuration for wss:// and QUIC control connections.
// It returns nil when no option is set.
func ClientTLSConfig(opts ClientOptions) (*tls.Config, error) {
	if opts == (ClientOptions{}) {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if opts.CAFile != "" {
		pool, err := CertPoolFromFiles(opts.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	switch {
	case opts.Fingerprint != "":
		expected := opts.Fingerprint
		// Chain checks are skipped; the pinned leaf is verified instead
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("relay presented no certificate")
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("failed to parse relay certificate: %w", err)
			}
			if !VerifyFingerprint(leaf, expected) {
				return fmt.Errorf("%w: got %s", ErrFingerprintMismatch, Fingerprint(leaf))
			}
			return nil
		}
	case opts.InsecureSkipVerify:
		cfg.InsecureSkipVerify = true
	}

	return cfg, nil
}

// CertPoolFromFiles creates a certificate pool from PEM files.
func CertPoolFromFiles(paths ...string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("no certificates found in %s", path)
		}
	}
	return pool, nil
}
