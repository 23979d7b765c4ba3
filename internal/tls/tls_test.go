package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"disabled", Config{}, true},
		{"files", Config{Enabled: true, CertFile: "a", KeyFile: "b"}, true},
		{"dir", Config{Enabled: true, Dir: "d"}, true},
		{"nothing", Config{Enabled: true}, false},
		{"cert only", Config{Enabled: true, CertFile: "a"}, false},
		{"bad version", Config{Enabled: true, Dir: "d", MinVersion: "1.0"}, false},
		{"named version", Config{Enabled: true, Dir: "d", MinVersion: "TLS1.2", MaxVersion: "default"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(Config{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	c, err := Setup(Config{Enabled: true, Dir: dir, AutoGenerate: true, Hosts: []string{"box.local", "10.0.0.1"}})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MaxVersion)

	for _, f := range []string{certFile, keyFile, caFile} {
		_, err := os.Stat(filepath.Join(dir, f))
		assert.NoError(t, err, f)
	}

	pair, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	require.NotEmpty(t, pair.Certificate)

	raw, err := os.ReadFile(filepath.Join(dir, certFile))
	require.NoError(t, err)
	block, _ := pem.Decode(raw)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "localhost", cert.Subject.CommonName)
	assert.Equal(t, []string{"box.local"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "10.0.0.1", cert.IPAddresses[0].String())
}

func TestSetupMissingFiles(t *testing.T) {
	_, err := Setup(Config{Enabled: true, Dir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSetupExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	req := CertRequest{
		CommonName: "api",
		Hosts:      []string{"localhost"},
		ValidDays:  1,
		CertPath:   filepath.Join(dir, "api.crt"),
		KeyPath:    filepath.Join(dir, "api.key"),
	}
	require.NoError(t, GenerateSelfSigned(req))

	c, err := Setup(Config{Enabled: true, CertFile: req.CertPath, KeyFile: req.KeyPath, MinVersion: "1.3"})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)
	_, err = c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
}
