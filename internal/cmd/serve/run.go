// Package serve implements the "liveupdater serve" CLI subcommand.
package serve

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Angulorecto/LiveUpdater/internal/config"
	"github.com/Angulorecto/LiveUpdater/internal/daemon"
	"github.com/Angulorecto/LiveUpdater/internal/logging"
	"github.com/Angulorecto/LiveUpdater/internal/version"
)

// Options captures CLI flags. Flags other than -config and -log-level are
// only used when no config file is given.
type Options struct {
	ConfigPath string
	LogLevel   string
	LogJSON    bool

	DBPath       string
	CertsDir     string
	TargetDir    string
	Bind         string
	Port         int
	TLSMode      string
	PassivePorts string
	PublicHost   string
	AuthMode     string
	Username     string
	PasswordHash string
	RconAddress  string
	NoWait       bool
	MetricsAddr  string
}

// Run parses serve flags and runs the daemon until SIGINT or SIGTERM.
func Run(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var opt Options
	var showVersion bool
	fs.StringVar(&opt.ConfigPath, "config", "", "path to liveupdater.yaml (when set, only -log-level applies)")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&opt.LogLevel, "log-level", "", "log level: debug|info|warning|error")
	fs.BoolVar(&opt.LogJSON, "log-json", false, "log as JSON")
	fs.StringVar(&opt.DBPath, "db", "./data/liveupdater.db", "sqlite ledger path")
	fs.StringVar(&opt.CertsDir, "certs", "./certs", "certificate directory")
	fs.StringVar(&opt.TargetDir, "target", "./plugins", "directory uploads are stored in")
	fs.StringVar(&opt.Bind, "bind", "0.0.0.0", "bind address")
	fs.IntVar(&opt.Port, "port", 2121, "FTPS control port")
	fs.StringVar(&opt.TLSMode, "tls-mode", config.TLSExplicit, "explicit|implicit")
	fs.StringVar(&opt.PassivePorts, "passive-ports", "60000-60100", "passive data port range start-end")
	fs.StringVar(&opt.PublicHost, "public-host", "", "address advertised in PASV replies (IP, auto or local)")
	fs.StringVar(&opt.AuthMode, "auth", config.AuthPassword, "password|certificate")
	fs.StringVar(&opt.Username, "user", "pluginuploader", "uploader username")
	fs.StringVar(&opt.PasswordHash, "password-hash", "", "uploader Argon2id hash (or set "+config.EnvUploaderPassword+")")
	fs.StringVar(&opt.RconAddress, "rcon", "127.0.0.1:25575", "RCON address (password from "+config.EnvRconPassword+")")
	fs.BoolVar(&opt.NoWait, "no-wait", false, "acknowledge uploads before the reload finishes")
	fs.StringVar(&opt.MetricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("liveupdater serve %s\n", version.Version)
		return nil
	}

	c, err := loadConfig(opt)
	if err != nil {
		return err
	}
	// CLI overrides config.
	if strings.TrimSpace(opt.LogLevel) != "" {
		c.Log.Level = opt.LogLevel
	}
	if opt.LogJSON {
		c.Log.JSON = true
	}
	lg, _, err := logging.New(logging.Options{Level: c.Log.Level, JSON: c.Log.JSON, DefaultSlog: true})
	if err != nil {
		return err
	}
	lg.Info("starting", "version", version.Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return daemon.Run(ctx, c, lg)
}

func loadConfig(opt Options) (config.Config, error) {
	if opt.ConfigPath != "" {
		return config.Load(opt.ConfigPath)
	}
	wait := !opt.NoWait
	return config.Finish(config.Config{
		DB:        config.DBConfig{Path: opt.DBPath},
		Certs:     config.CertsConfig{Dir: opt.CertsDir},
		TargetDir: opt.TargetDir,
		FTP: config.FTPConfig{
			Bind:         opt.Bind,
			Port:         opt.Port,
			TLSMode:      opt.TLSMode,
			PassivePorts: opt.PassivePorts,
			PublicHost:   opt.PublicHost,
		},
		Auth: config.AuthConfig{
			Mode:         opt.AuthMode,
			Username:     opt.Username,
			PasswordHash: opt.PasswordHash,
		},
		Rcon:    config.RconConfig{Address: opt.RconAddress},
		Reload:  config.ReloadConfig{Wait: &wait},
		Metrics: config.MetricsConfig{Listen: opt.MetricsAddr},
	})
}
