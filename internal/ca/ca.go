// Package ca issues the X.509 material embedded in OpenVPN client
// configurations. The portal consumes only the CA interface; FileCA is a
// small Ed25519 authority that persists its root key pair on disk.
package ca

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// CertInfo is issued client certificate material, PEM-encoded.
type CertInfo struct {
	CertPEM   string
	KeyPEM    string
	ValidFrom time.Time
	ValidTo   time.Time
}

// CA issues client certificates bound to a connection's common name. Errors
// from certificate issuance are security-critical and must be propagated,
// never defaulted.
type CA interface {
	// ClientCert issues a certificate with the common name as subject CN
	// and the profile id recorded as an organizational unit.
	ClientCert(ctx context.Context, commonName, profileID string, notAfter time.Time) (*CertInfo, error)
	// CACertPEM returns the PEM-encoded root certificate clients pin.
	CACertPEM() string
}

// FileCA is an Ed25519 certificate authority with its root material stored
// in a directory.
type FileCA struct {
	caCert    *x509.Certificate
	caKey     ed25519.PrivateKey
	caCertPEM string
}

const caValidity = 10 * 365 * 24 * time.Hour

// NewFileCA loads the CA from dir, generating and persisting a fresh root
// when the directory is empty.
func NewFileCA(dir, name string) (*FileCA, error) {
	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")

	certPEM, certErr := os.ReadFile(certPath)
	keyPEM, keyErr := os.ReadFile(keyPath)
	if certErr == nil && keyErr == nil {
		return loadFileCA(certPEM, keyPEM)
	}
	if !os.IsNotExist(certErr) && certErr != nil {
		return nil, fmt.Errorf("ca: read root cert: %w", certErr)
	}
	if !os.IsNotExist(keyErr) && keyErr != nil {
		return nil, fmt.Errorf("ca: read root key: %w", keyErr)
	}
	return initFileCA(dir, certPath, keyPath, name)
}

func initFileCA(dir, certPath, keyPath, name string) (*FileCA, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ca: create dir: %w", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ca: generate root key: %w", err)
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          newSerial(),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(caValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("ca: create root cert: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("ca: marshal root key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("ca: write root cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("ca: write root key: %w", err)
	}
	return loadFileCA(certPEM, keyPEM)
}

func loadFileCA(certPEM, keyPEM []byte) (*FileCA, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("ca: root cert is not PEM")
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parse root cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("ca: root key is not PEM")
	}
	parsedKey, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("ca: parse root key: %w", err)
	}
	caKey, ok := parsedKey.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("ca: root key is not Ed25519")
	}

	return &FileCA{caCert: caCert, caKey: caKey, caCertPEM: string(certPEM)}, nil
}

// ClientCert implements CA.
func (c *FileCA) ClientCert(_ context.Context, commonName, profileID string, notAfter time.Time) (*CertInfo, error) {
	if commonName == "" {
		return nil, fmt.Errorf("ca: common name is required")
	}
	now := time.Now().UTC()
	if !notAfter.After(now) {
		return nil, fmt.Errorf("ca: certificate expiry %s is in the past", notAfter)
	}
	if notAfter.After(c.caCert.NotAfter) {
		notAfter = c.caCert.NotAfter
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ca: generate client key: %w", err)
	}
	template := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			CommonName:         commonName,
			OrganizationalUnit: []string{profileID},
		},
		NotBefore:   now.Add(-5 * time.Minute),
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, c.caCert, pub, c.caKey)
	if err != nil {
		return nil, fmt.Errorf("ca: create client cert: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("ca: marshal client key: %w", err)
	}

	return &CertInfo{
		CertPEM:   string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		KeyPEM:    string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})),
		ValidFrom: template.NotBefore,
		ValidTo:   notAfter,
	}, nil
}

// CACertPEM implements CA.
func (c *FileCA) CACertPEM() string {
	return c.caCertPEM
}

func newSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		// rand.Reader never fails on supported platforms
		panic(err)
	}
	return serial
}
