package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	caFile   = "tls_ca.crt"
	certFile = "tls.crt"
	keyFile  = "tls.key"
)

// Config is the [server.tls] section.
type Config struct {
	Enabled      bool     `mapstructure:"enabled"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	Dir          string   `mapstructure:"dir"`
	AutoGenerate bool     `mapstructure:"auto_generate"`
	MinVersion   string   `mapstructure:"min_version"`
	MaxVersion   string   `mapstructure:"max_version"`
	CommonName   string   `mapstructure:"common_name"`
	Hosts        []string `mapstructure:"hosts"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// Validate checks the section without touching the filesystem.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("server.tls: cert_file and key_file must be set together")
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("server.tls: set cert_file/key_file or dir")
	}
	if _, ok := parseVersion(c.MinVersion); !ok && !isDefaultVersion(c.MinVersion) {
		return fmt.Errorf("server.tls: unknown min_version %q", c.MinVersion)
	}
	if _, ok := parseVersion(c.MaxVersion); !ok && !isDefaultVersion(c.MaxVersion) {
		return fmt.Errorf("server.tls: unknown max_version %q", c.MaxVersion)
	}
	return nil
}

func isDefaultVersion(v string) bool { return v == "" || v == "default" }

func parseVersion(v string) (uint16, bool) {
	switch strings.ToLower(v) {
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

func versions(c Config) (minV, maxV uint16) {
	minV, maxV = tls.VersionTLS12, tls.VersionTLS13
	if v, ok := parseVersion(c.MinVersion); ok {
		minV = v
	}
	if v, ok := parseVersion(c.MaxVersion); ok {
		maxV = v
	}
	return minV, maxV
}

// Setup returns the server TLS config, or nil when TLS is disabled.
// With dir and auto_generate a self-signed pair is written on first use.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	minV, maxV := versions(c)

	cert, key := c.CertFile, c.KeyFile
	if cert == "" {
		cert = filepath.Join(c.Dir, certFile)
		key = filepath.Join(c.Dir, keyFile)
		if c.AutoGenerate && !exists(cert, key) {
			if err := generate(c); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	if !exists(cert, key) {
		return nil, fmt.Errorf("certificate %s or key %s not found", cert, key)
	}
	return &tls.Config{
		GetCertificate: loader(cert, key),
		MinVersion:     minV,
		MaxVersion:     maxV,
	}, nil
}

// loader rereads the pair on every handshake so rotated files are picked up.
func loader(cert, key string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	base := filepath.Dir(cert)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certPEM, err := readWithin(base, cert)
		if err != nil {
			return nil, err
		}
		keyPEM, err := os.ReadFile(filepath.Clean(key))
		if err != nil {
			return nil, err
		}
		pair, err := tls.X509KeyPair(certPEM, keyPEM)
		return &pair, err
	}
}

func readWithin(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	absBase, _ := filepath.Abs(baseDir)
	absFile, _ := filepath.Abs(clean)
	if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
		return nil, errors.New("file path outside of allowed directory")
	}
	return os.ReadFile(clean)
}

func exists(cert, key string) bool {
	_, certErr := os.Stat(cert)
	_, keyErr := os.Stat(key)
	return certErr == nil && keyErr == nil
}

func generate(c Config) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	cn := c.CommonName
	if cn == "" {
		cn = "localhost"
	}
	hosts := c.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	days := c.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSigned(CertRequest{
		CommonName: cn,
		Hosts:      hosts,
		ValidDays:  days,
		CertPath:   filepath.Join(c.Dir, certFile),
		KeyPath:    filepath.Join(c.Dir, keyFile),
		CAPath:     filepath.Join(c.Dir, caFile),
	})
}
