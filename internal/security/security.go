// Package security loads TLS material and secrets for sink connections
// and identifies sensitive column names.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// RedactedValue replaces the value of a redacted field
const RedactedValue = "***REDACTED***"

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	MinVersion         uint16 `yaml:"min_version,omitempty"`
}

// LoadTLSConfig builds a client TLS configuration. It returns nil when
// TLS is disabled.
func LoadTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		MinVersion:         cfg.MinVersion,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	if (cfg.CertFile == "") != (cfg.KeyFile == "") {
		return nil, fmt.Errorf("cert_file and key_file must be set together")
	}
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate and key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// ResolveSecret resolves a secret reference.
// Supports env:VAR_NAME, file:/path/to/secret, or a literal value.
func ResolveSecret(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			return "", fmt.Errorf("environment variable %s not set", name)
		}
		return value, nil

	case strings.HasPrefix(ref, "file:"):
		path := strings.TrimPrefix(ref, "file:")
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret from file %s: %w", path, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	return ref, nil
}

// Mask hides all but the last four characters of a secret for logging
func Mask(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-4) + secret[len(secret)-4:]
}

// DefaultSensitiveFields are substrings that mark a column as sensitive
var DefaultSensitiveFields = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"access_key",
	"private_key",
	"credential",
	"authorization",
	"ssn",
}

// Auditor decides which column names carry sensitive data
type Auditor struct {
	sensitive []string
}

// NewAuditor creates an auditor. With no patterns it uses
// DefaultSensitiveFields.
func NewAuditor(patterns ...string) *Auditor {
	if len(patterns) == 0 {
		patterns = DefaultSensitiveFields
	}
	lower := make([]string, len(patterns))
	for i, p := range patterns {
		lower[i] = strings.ToLower(p)
	}
	return &Auditor{sensitive: lower}
}

// IsSensitive reports whether a field name suggests sensitive data
func (a *Auditor) IsSensitive(name string) bool {
	name = strings.ToLower(name)
	for _, s := range a.sensitive {
		if strings.Contains(name, s) {
			return true
		}
	}
	return false
}
