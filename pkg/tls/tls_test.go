package tls

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndLoad(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "certs", "farmd.crt")
	keyFile := filepath.Join(dir, "certs", "farmd.key")

	require.NoError(t, GenerateSelfSignedCert(certFile, keyFile, "farmd", "10.0.0.5", "farm.local"))

	raw, err := os.ReadFile(certFile)
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "farmd", cert.Subject.CommonName)
	assert.Contains(t, cert.DNSNames, "farm.local")
	assert.Contains(t, cert.DNSNames, "localhost")
	assert.Len(t, cert.IPAddresses, 3)

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := LoadTLSConfig(certFile, keyFile)
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)

	client, err := LoadClientTLSConfig(certFile, false)
	require.NoError(t, err)
	assert.NotNil(t, client.RootCAs)
}

func TestEnsureCertificate(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "a.crt")
	keyFile := filepath.Join(dir, "a.key")

	created, err := EnsureCertificate(certFile, keyFile, "farmd")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = EnsureCertificate(certFile, keyFile, "farmd")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadTLSConfig("missing.crt", "missing.key")
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0644))
	_, err = LoadClientTLSConfig(bad, false)
	assert.Error(t, err)
}
