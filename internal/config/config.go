// Package config loads and validates the LiveUpdater YAML configuration.
// It applies defaults so the daemon can rely on fully populated values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Angulorecto/LiveUpdater/internal/validate"
)

// Environment variables that override secrets from the file.
const (
	EnvUploaderPassword = "LIVEUPDATER_UPLOADER_PASSWORD"
	EnvRconPassword     = "LIVEUPDATER_RCON_PASSWORD"
)

// TLS modes for the control channel.
const (
	TLSExplicit = "explicit"
	TLSImplicit = "implicit"
)

// Auth modes for the control channel.
const (
	AuthPassword    = "password"
	AuthCertificate = "certificate"
)

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// DBConfig holds the deployment ledger settings.
type DBConfig struct {
	Path string `yaml:"path"`
}

// CertsConfig controls identity issuance.
type CertsConfig struct {
	Dir          string   `yaml:"dir"`
	KeyBits      int      `yaml:"key_bits"`
	ValidityDays int      `yaml:"validity_days"`
	Organization string   `yaml:"organization"`
	Hosts        []string `yaml:"hosts"`
	// ExportDER also writes uploader-key.der for clients without PEM support.
	ExportDER bool `yaml:"export_der"`
}

// FTPConfig holds ingestion listener settings.
type FTPConfig struct {
	Bind         string `yaml:"bind"`
	Port         int    `yaml:"port"`
	TLSMode      string `yaml:"tls_mode"`
	PassivePorts string `yaml:"passive_ports"`
	PublicHost   string `yaml:"public_host"`
	IdleTimeout  int    `yaml:"idle_timeout"`
}

// AuthConfig describes the single uploader credential.
type AuthConfig struct {
	Mode          string        `yaml:"mode"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	PasswordHash  string        `yaml:"password_hash"`
	MaxFailures   int           `yaml:"max_failures"`
	FailureWindow time.Duration `yaml:"failure_window"`

	// AllowedNetworks restricts uploader source addresses (CIDR or IP).
	AllowedNetworks []string `yaml:"allowed_networks"`
}

// RconConfig points at the game server's remote console.
type RconConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ReloadConfig controls what happens after an artifact lands.
type ReloadConfig struct {
	Command       string        `yaml:"command"`
	Wait          *bool         `yaml:"wait"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// PluginConfig controls archive inspection.
type PluginConfig struct {
	Extensions       []string `yaml:"extensions"`
	Manifest         string   `yaml:"manifest"`
	MaxManifestBytes int64    `yaml:"max_manifest_bytes"`
}

// PropsConfig controls the server.properties updater.
type PropsConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

// FirewallConfig controls host firewall rule installation.
type FirewallConfig struct {
	Enable bool `yaml:"enable"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Config mirrors the liveupdater.yaml schema.
type Config struct {
	Log       LogConfig      `yaml:"log"`
	DB        DBConfig       `yaml:"db"`
	Certs     CertsConfig    `yaml:"certs"`
	TargetDir string         `yaml:"target_dir"`
	FTP       FTPConfig      `yaml:"ftp"`
	Auth      AuthConfig     `yaml:"auth"`
	Rcon      RconConfig     `yaml:"rcon"`
	Reload    ReloadConfig   `yaml:"reload"`
	Plugin    PluginConfig   `yaml:"plugin"`
	Props     PropsConfig    `yaml:"props"`
	Firewall  FirewallConfig `yaml:"firewall"`
	Metrics   MetricsConfig  `yaml:"metrics"`
}

// Load reads a YAML config file, applies defaults, and validates it.
// Relative paths are resolved against the directory holding the file.
func Load(path string) (Config, error) {
	var c Config
	if path == "" {
		return c, errors.New("config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse %s: %w", path, err)
	}
	return finish(c, filepath.Dir(path))
}

// Default returns a validated configuration built only from defaults and
// the environment.
func Default() (Config, error) {
	return Finish(Config{})
}

// Finish applies environment overrides and defaults, then validates.
// Relative paths are kept relative to the working directory.
func Finish(c Config) (Config, error) {
	return finish(c, "")
}

func finish(c Config, base string) (Config, error) {
	applyEnv(&c)
	applyDefaults(&c)
	if base != "" {
		c.resolvePaths(base)
	}
	if err := validateConfig(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// WaitForReload reports whether uploads are acknowledged only after the
// reload attempt.
func (c Config) WaitForReload() bool {
	return c.Reload.Wait == nil || *c.Reload.Wait
}

// ListenAddr returns the control channel address.
func (c Config) ListenAddr() string {
	return c.FTP.Bind + ":" + strconv.Itoa(c.FTP.Port)
}

// RconPort returns the port part of rcon.address.
func (c Config) RconPort() (int, error) {
	_, p, err := splitHostPort(c.Rcon.Address)
	return p, err
}

func (c *Config) resolvePaths(base string) {
	c.DB.Path = resolvePath(base, c.DB.Path)
	c.Certs.Dir = resolvePath(base, c.Certs.Dir)
	c.TargetDir = resolvePath(base, c.TargetDir)
	c.Props.Path = resolvePath(base, c.Props.Path)
}

func applyEnv(c *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvUploaderPassword)); v != "" {
		c.Auth.Password = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRconPassword)); v != "" {
		c.Rcon.Password = v
	}
}

// applyDefaults populates zero-values with the values the original
// deployment scripts used.
func applyDefaults(c *Config) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.DB.Path == "" {
		c.DB.Path = "./data/liveupdater.db"
	}
	if c.Certs.Dir == "" {
		c.Certs.Dir = "./certs"
	}
	if c.Certs.KeyBits == 0 {
		c.Certs.KeyBits = 2048
	}
	if c.Certs.ValidityDays == 0 {
		c.Certs.ValidityDays = 3650
	}
	if c.Certs.Organization == "" {
		c.Certs.Organization = "LiveUpdater"
	}
	if c.TargetDir == "" {
		c.TargetDir = "../../plugins"
	}
	if c.FTP.Bind == "" {
		c.FTP.Bind = "0.0.0.0"
	}
	if c.FTP.Port == 0 {
		c.FTP.Port = 2121
	}
	if c.FTP.TLSMode == "" {
		c.FTP.TLSMode = TLSExplicit
	}
	if c.FTP.PassivePorts == "" {
		c.FTP.PassivePorts = "60000-60100"
	}
	if c.FTP.IdleTimeout == 0 {
		c.FTP.IdleTimeout = 300
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = AuthPassword
	}
	if c.Auth.Username == "" {
		c.Auth.Username = "pluginuploader"
	}
	if c.Auth.MaxFailures == 0 {
		c.Auth.MaxFailures = 5
	}
	if c.Auth.FailureWindow == 0 {
		c.Auth.FailureWindow = 5 * time.Minute
	}
	if c.Rcon.Address == "" {
		c.Rcon.Address = "127.0.0.1:25575"
	}
	if c.Rcon.Timeout == 0 {
		c.Rcon.Timeout = 5 * time.Second
	}
	if c.Reload.Command == "" {
		c.Reload.Command = "plugman reload {{.Name}}"
	}
	if c.Reload.ShutdownGrace == 0 {
		c.Reload.ShutdownGrace = 10 * time.Second
	}
	if len(c.Plugin.Extensions) == 0 {
		c.Plugin.Extensions = []string{".jar", ".zip"}
	}
	if c.Plugin.Manifest == "" {
		c.Plugin.Manifest = "plugin.yml"
	}
	if c.Plugin.MaxManifestBytes == 0 {
		c.Plugin.MaxManifestBytes = 64 << 10
	}
	if c.Props.Path == "" {
		c.Props.Path = "../../server.properties"
	}
}

// validateConfig performs sanity checks for required fields and ranges.
func validateConfig(c *Config) error {
	if _, err := validatePort("ftp.port", c.FTP.Port); err != nil {
		return err
	}
	if c.FTP.TLSMode != TLSExplicit && c.FTP.TLSMode != TLSImplicit {
		return fmt.Errorf("ftp.tls_mode must be %q or %q", TLSExplicit, TLSImplicit)
	}
	if _, _, err := ParsePortRange(c.FTP.PassivePorts); err != nil {
		return err
	}
	if c.FTP.IdleTimeout < 0 {
		return errors.New("ftp.idle_timeout is invalid")
	}
	if c.Certs.KeyBits < 2048 {
		return errors.New("certs.key_bits must be at least 2048")
	}
	if c.Certs.ValidityDays < 1 {
		return errors.New("certs.validity_days is invalid")
	}
	if err := validate.Username(c.Auth.Username); err != nil {
		return fmt.Errorf("auth.username: %w", err)
	}
	switch c.Auth.Mode {
	case AuthPassword:
		if c.Auth.Password == "" && c.Auth.PasswordHash == "" {
			return fmt.Errorf("auth.password or auth.password_hash is required (or set %s)", EnvUploaderPassword)
		}
	case AuthCertificate:
	default:
		return fmt.Errorf("auth.mode must be %q or %q", AuthPassword, AuthCertificate)
	}
	for i, n := range c.Auth.AllowedNetworks {
		if _, err := validate.Network(n); err != nil {
			return fmt.Errorf("auth.allowed_networks[%d]: %w", i, err)
		}
	}
	if c.Auth.MaxFailures < 0 || c.Auth.FailureWindow < 0 {
		return errors.New("auth.max_failures and auth.failure_window must not be negative")
	}
	if _, _, err := splitHostPort(c.Rcon.Address); err != nil {
		return fmt.Errorf("rcon.address: %w", err)
	}
	if c.Rcon.Password == "" && !c.Props.Enable {
		return fmt.Errorf("rcon.password is required unless props.enable generates one (or set %s)", EnvRconPassword)
	}
	if c.Props.Enable && c.Rcon.Password != "" {
		if err := validate.PropertyValue(c.Rcon.Password); err != nil {
			return fmt.Errorf("rcon.password: %w", err)
		}
	}
	if c.Rcon.Timeout < 0 {
		return errors.New("rcon.timeout is invalid")
	}
	if c.Plugin.MaxManifestBytes < 1 {
		return errors.New("plugin.max_manifest_bytes is invalid")
	}
	for i, ext := range c.Plugin.Extensions {
		if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
			return fmt.Errorf("plugin.extensions[%d] must start with a dot", i)
		}
	}
	if strings.ContainsAny(c.Plugin.Manifest, `/\`) {
		return errors.New("plugin.manifest must be a top-level entry name")
	}
	return nil
}

// ParsePortRange parses "start-end".
func ParsePortRange(s string) (int, int, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return 0, 0, errors.New("invalid ftp.passive_ports")
	}
	start, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return 0, 0, errors.New("invalid ftp.passive_ports")
	}
	end, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return 0, 0, errors.New("invalid ftp.passive_ports")
	}
	if start <= 0 || end > 65535 || end < start {
		return 0, 0, errors.New("invalid ftp.passive_ports")
	}
	return start, end, nil
}

func validatePort(name string, p int) (int, error) {
	if p <= 0 || p > 65535 {
		return 0, fmt.Errorf("%s is invalid", name)
	}
	return p, nil
}

func splitHostPort(addr string) (string, int, error) {
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return "", 0, errors.New("missing port")
	}
	p, err := strconv.Atoi(addr[i+1:])
	if err != nil {
		return "", 0, errors.New("invalid port")
	}
	if _, err := validatePort("port", p); err != nil {
		return "", 0, err
	}
	return addr[:i], p, nil
}

func resolvePath(baseDir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
