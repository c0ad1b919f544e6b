package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// TLSOptions selects how the web server obtains its certificate. The zero
// value disables TLS.
type TLSOptions struct {
	Domain   string // Let's Encrypt domain
	CertFile string
	KeyFile  string
	CertDir  string // Self-signed certs and the autocert cache live here
}

// Enabled reports whether any TLS source is configured.
func (o TLSOptions) Enabled() bool {
	return o.Domain != "" || (o.CertFile != "" && o.KeyFile != "") || o.CertDir != ""
}

// tlsSetup is the resolved TLS config and, for Let's Encrypt, the manager
// whose HTTP handler answers ACME challenges.
type tlsSetup struct {
	config  *tls.Config
	manager *autocert.Manager
}

// setupTLS resolves TLSOptions in order of preference: Let's Encrypt,
// provided cert/key files, then a self-signed cert kept in CertDir.
func setupTLS(o TLSOptions) (*tlsSetup, error) {
	if o.Domain != "" {
		cacheDir := filepath.Join(o.CertDir, "autocert-cache")
		if err := os.MkdirAll(cacheDir, 0700); err != nil {
			return nil, fmt.Errorf("tls: autocert cache: %w", err)
		}
		log.Printf("tls: using Let's Encrypt for %q", o.Domain)
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(o.Domain),
			Cache:      autocert.DirCache(cacheDir),
		}
		return &tlsSetup{config: m.TLSConfig(), manager: m}, nil
	}

	if o.CertFile != "" && o.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls: loading %s: %w", o.CertFile, err)
		}
		log.Printf("tls: loaded certificate %s", o.CertFile)
		return &tlsSetup{config: &tls.Config{Certificates: []tls.Certificate{cert}}}, nil
	}

	cert, err := selfSigned(o.CertDir)
	if err != nil {
		return nil, err
	}
	return &tlsSetup{config: &tls.Config{Certificates: []tls.Certificate{cert}}}, nil
}

// selfSigned loads the localhost certificate from dir, generating it on
// first use.
func selfSigned(dir string) (tls.Certificate, error) {
	certPath := filepath.Join(dir, "clanwar.crt")
	keyPath := filepath.Join(dir, "clanwar.key")
	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil {
		return cert, nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return tls.Certificate{}, fmt.Errorf("tls: cert dir: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tls: generating key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tls: generating serial: %w", err)
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"clanwar"}, CommonName: "localhost"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tls: creating certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("tls: marshaling key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return tls.Certificate{}, fmt.Errorf("tls: writing cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return tls.Certificate{}, fmt.Errorf("tls: writing key: %w", err)
	}
	log.Printf("tls: self-signed certificate written to %s", dir)
	return tls.X509KeyPair(certPEM, keyPEM)
}
