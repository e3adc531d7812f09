package security

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
)

func TestResolveSecret(t *testing.T) {
	t.Setenv("CSVAGENT_TEST_SECRET", "test-value")

	secret, err := ResolveSecret("env:CSVAGENT_TEST_SECRET")
	if err != nil {
		t.Fatalf("Failed to get env secret: %v", err)
	}
	if secret != "test-value" {
		t.Errorf("Expected 'test-value', got %s", secret)
	}

	secret, err = ResolveSecret("plain-secret")
	if err != nil {
		t.Fatalf("Failed to get plain secret: %v", err)
	}
	if secret != "plain-secret" {
		t.Errorf("Expected 'plain-secret', got %s", secret)
	}

	secretFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(secretFile, []byte("file-secret\n"), 0600); err != nil {
		t.Fatalf("Failed to create secret file: %v", err)
	}
	secret, err = ResolveSecret("file:" + secretFile)
	if err != nil {
		t.Fatalf("Failed to get file secret: %v", err)
	}
	if secret != "file-secret" {
		t.Errorf("Expected 'file-secret', got %s", secret)
	}

	if _, err := ResolveSecret("env:CSVAGENT_DEFINITELY_UNSET"); err == nil {
		t.Error("Expected error for missing env var, got nil")
	}
	if _, err := ResolveSecret("file:" + filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Expected error for missing file, got nil")
	}
}

func TestMask(t *testing.T) {
	tests := map[string]string{
		"":                   "",
		"abc":                "***",
		"abcd":               "****",
		"12345678-abcd-wxyz": "**************wxyz",
	}
	for in, want := range tests {
		if got := Mask(in); got != want {
			t.Errorf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAuditor(t *testing.T) {
	a := NewAuditor()

	sensitive := []string{"password", "User_Password", "api_key", "AUTHORIZATION", "customer_ssn"}
	for _, name := range sensitive {
		if !a.IsSensitive(name) {
			t.Errorf("IsSensitive(%q) = false, want true", name)
		}
	}

	plain := []string{"id", "amount", "timestamp", "user"}
	for _, name := range plain {
		if a.IsSensitive(name) {
			t.Errorf("IsSensitive(%q) = true, want false", name)
		}
	}

	custom := NewAuditor("Email")
	if !custom.IsSensitive("contact_email") {
		t.Error("custom pattern should match case-insensitively")
	}
	if custom.IsSensitive("password") {
		t.Error("custom patterns replace the defaults")
	}
}

func TestLoadTLSConfig(t *testing.T) {
	cfg, err := LoadTLSConfig(&TLSConfig{Enabled: false})
	if err != nil || cfg != nil {
		t.Errorf("disabled TLS = (%v, %v), want (nil, nil)", cfg, err)
	}

	cfg, err = LoadTLSConfig(nil)
	if err != nil || cfg != nil {
		t.Errorf("nil TLS = (%v, %v), want (nil, nil)", cfg, err)
	}

	cfg, err = LoadTLSConfig(&TLSConfig{Enabled: true, InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be carried over")
	}

	if _, err := LoadTLSConfig(&TLSConfig{Enabled: true, CertFile: "cert.pem"}); err == nil {
		t.Error("cert without key should fail")
	}

	if _, err := LoadTLSConfig(&TLSConfig{Enabled: true, CAFile: filepath.Join(t.TempDir(), "missing.pem")}); err == nil {
		t.Error("missing CA file should fail")
	}

	badCA := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(badCA, []byte("not a certificate"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTLSConfig(&TLSConfig{Enabled: true, CAFile: badCA}); err == nil {
		t.Error("unparseable CA should fail")
	}
}
