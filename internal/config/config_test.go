// Package config tests validate config loading behavior.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "liveupdater.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

// TestLoadAppliesDefaults confirms defaults are applied on load.
func TestLoadAppliesDefaults(t *testing.T) {
	p := writeConfig(t, "auth:\n  password: pw\nrcon:\n  password: rc\n")
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.FTP.Port != 2121 {
		t.Fatalf("expected default ftp.port 2121, got %d", c.FTP.Port)
	}
	if c.FTP.PassivePorts != "60000-60100" {
		t.Fatalf("unexpected passive ports %q", c.FTP.PassivePorts)
	}
	if c.Rcon.Address != "127.0.0.1:25575" || c.Rcon.Timeout != 5*time.Second {
		t.Fatalf("unexpected rcon defaults: %+v", c.Rcon)
	}
	if !c.WaitForReload() {
		t.Fatalf("expected reload.wait to default to true")
	}
	if c.Reload.Command != "plugman reload {{.Name}}" {
		t.Fatalf("unexpected reload command %q", c.Reload.Command)
	}
	if !strings.HasPrefix(c.Certs.Dir, filepath.Dir(p)) {
		t.Fatalf("expected certs dir resolved against config dir, got %q", c.Certs.Dir)
	}
}

// TestLoadParsesDurations reads duration strings and explicit booleans.
func TestLoadParsesDurations(t *testing.T) {
	p := writeConfig(t, `
auth:
  mode: certificate
  failure_window: 90s
rcon:
  password: rc
  timeout: 1500ms
reload:
  wait: false
`)
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Auth.FailureWindow != 90*time.Second {
		t.Fatalf("failure_window = %v", c.Auth.FailureWindow)
	}
	if c.Rcon.Timeout != 1500*time.Millisecond {
		t.Fatalf("timeout = %v", c.Rcon.Timeout)
	}
	if c.WaitForReload() {
		t.Fatalf("expected reload.wait false")
	}
}

// TestLoadRejectsInvalid covers the main validation failures.
func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing uploader password": "rcon:\n  password: rc\n",
		"missing rcon password":     "auth:\n  password: pw\n",
		"bad tls mode":              "auth:\n  password: pw\nrcon:\n  password: rc\nftp:\n  tls_mode: none\n",
		"weak keys":                 "auth:\n  password: pw\nrcon:\n  password: rc\ncerts:\n  key_bits: 1024\n",
		"bad passive range":         "auth:\n  password: pw\nrcon:\n  password: rc\nftp:\n  passive_ports: 70000-70010\n",
		"nested manifest":           "auth:\n  password: pw\nrcon:\n  password: rc\nplugin:\n  manifest: META-INF/plugin.yml\n",
		"unquotable rcon password":  "auth:\n  password: pw\nrcon:\n  password: 'a#b'\nprops:\n  enable: true\n",
		"bad allowed network":       "auth:\n  password: pw\n  allowed_networks: [10.0.0.0/40]\nrcon:\n  password: rc\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

// TestEnvOverridesSecrets lets secrets come from the environment.
func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvUploaderPassword, "from-env")
	t.Setenv(EnvRconPassword, "rcon-env")
	c, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if c.Auth.Password != "from-env" || c.Rcon.Password != "rcon-env" {
		t.Fatalf("env not applied: %+v %+v", c.Auth, c.Rcon)
	}
}

// TestParsePortRange accepts start-end with spaces.
func TestParsePortRange(t *testing.T) {
	lo, hi, err := ParsePortRange(" 60000 - 60010 ")
	if err != nil {
		t.Fatalf("ParsePortRange: %v", err)
	}
	if lo != 60000 || hi != 60010 {
		t.Fatalf("got %d-%d", lo, hi)
	}
	if _, _, err := ParsePortRange("60010-60000"); err == nil {
		t.Fatalf("expected inverted range to fail")
	}
}
