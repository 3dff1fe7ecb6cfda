package ca

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCA(t *testing.T) {
	t.Run("issues verifiable client certificates", func(t *testing.T) {
		authority, err := NewFileCA(t.TempDir(), "Test VPN CA")
		require.NoError(t, err)

		notAfter := time.Now().Add(90 * 24 * time.Hour)
		info, err := authority.ClientCert(context.Background(), "a1b2c3", "office", notAfter)
		require.NoError(t, err)

		block, _ := pem.Decode([]byte(info.CertPEM))
		require.NotNil(t, block)
		cert, err := x509.ParseCertificate(block.Bytes)
		require.NoError(t, err)
		assert.Equal(t, "a1b2c3", cert.Subject.CommonName)
		assert.Equal(t, []string{"office"}, cert.Subject.OrganizationalUnit)

		roots := x509.NewCertPool()
		require.True(t, roots.AppendCertsFromPEM([]byte(authority.CACertPEM())))
		_, err = cert.Verify(x509.VerifyOptions{
			Roots:     roots,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		})
		assert.NoError(t, err)
	})

	t.Run("persists and reloads the root", func(t *testing.T) {
		dir := t.TempDir()
		first, err := NewFileCA(dir, "Test VPN CA")
		require.NoError(t, err)
		second, err := NewFileCA(dir, "ignored on reload")
		require.NoError(t, err)
		assert.Equal(t, first.CACertPEM(), second.CACertPEM())
	})

	t.Run("rejects expiry in the past", func(t *testing.T) {
		authority, err := NewFileCA(t.TempDir(), "Test VPN CA")
		require.NoError(t, err)
		_, err = authority.ClientCert(context.Background(), "a1b2c3", "office", time.Now().Add(-time.Hour))
		assert.Error(t, err)
	})

	t.Run("requires a common name", func(t *testing.T) {
		authority, err := NewFileCA(t.TempDir(), "Test VPN CA")
		require.NoError(t, err)
		_, err = authority.ClientCert(context.Background(), "", "office", time.Now().Add(time.Hour))
		assert.Error(t, err)
	})
}
