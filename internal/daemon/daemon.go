// Package daemon wires the LiveUpdater components together and runs them
// until the context is cancelled.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	ftp "github.com/fclairamb/ftpserverlib"
	"golang.org/x/sync/errgroup"

	"github.com/Angulorecto/LiveUpdater/internal/auth"
	"github.com/Angulorecto/LiveUpdater/internal/config"
	"github.com/Angulorecto/LiveUpdater/internal/db"
	"github.com/Angulorecto/LiveUpdater/internal/firewall"
	"github.com/Angulorecto/LiveUpdater/internal/identity"
	"github.com/Angulorecto/LiveUpdater/internal/ingest"
	"github.com/Angulorecto/LiveUpdater/internal/logging"
	"github.com/Angulorecto/LiveUpdater/internal/metrics"
	"github.com/Angulorecto/LiveUpdater/internal/netaddr"
	"github.com/Angulorecto/LiveUpdater/internal/plugin"
	"github.com/Angulorecto/LiveUpdater/internal/props"
	"github.com/Angulorecto/LiveUpdater/internal/rcon"
	"github.com/Angulorecto/LiveUpdater/internal/reload"
	"github.com/Angulorecto/LiveUpdater/internal/validate"
)

// Keys in the ledger's config table.
const (
	keyFingerprint  = "identity_fingerprint"
	keyRconPassword = "rcon_password"
)

// Public host keywords for ftp.public_host.
const (
	PublicHostAuto  = "auto"
	PublicHostLocal = "local"
)

// Run starts the ingestion service and blocks until ctx is done or a
// listener fails. Identity issuance and listener bind errors are fatal.
func Run(ctx context.Context, c config.Config, lg *slog.Logger) error {
	lg = logging.Component(lg, "daemon")

	targetDir, err := validate.Dir(c.TargetDir)
	if err != nil {
		return fmt.Errorf("target_dir: %w", err)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("target_dir: %w", err)
	}

	d, err := OpenLedger(ctx, c.DB.Path)
	if err != nil {
		return err
	}
	defer d.Close()

	ids, err := EnsureIdentity(ctx, d, c, lg)
	if err != nil {
		return err
	}

	rconPassword, err := rconPassword(ctx, d, c)
	if err != nil {
		return err
	}
	rconPort, err := c.RconPort()
	if err != nil {
		return err
	}
	if c.Props.Enable {
		changed, err := props.Sync(c.Props.Path, props.Settings{
			RconPort:       rconPort,
			RconPassword:   rconPassword,
			QuietBroadcast: true,
		})
		switch {
		case err != nil:
			lg.Error("server.properties not updated", "path", c.Props.Path, "err", err)
		case changed:
			lg.Info("server.properties updated, restart the game server to apply", "path", c.Props.Path)
		}
	}

	lo, hi, err := config.ParsePortRange(c.FTP.PassivePorts)
	if err != nil {
		return err
	}
	if c.Firewall.Enable {
		installFirewall(ctx, firewall.New(lg), c, rconPort, lo, hi, lg)
	}

	publicHost := resolvePublicHost(ctx, netaddr.Resolver{}, c.FTP.PublicHost, lg)

	collector := metrics.NewCollector()

	cred, err := auth.NewCredential(c.Auth.Username, c.Auth.PasswordHash, c.Auth.Password)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	disp, err := reload.New(reload.Options{
		Inspector: plugin.Inspector{
			Extensions: c.Plugin.Extensions,
			Manifest:   c.Plugin.Manifest,
			MaxBytes:   c.Plugin.MaxManifestBytes,
		},
		Executor: rcon.Target{
			Addr:     c.Rcon.Address,
			Password: rconPassword,
			Timeout:  c.Rcon.Timeout,
			Logger:   lg,
		},
		Command: c.Reload.Command,
		Ledger:  d,
		Metrics: collector,
		Logger:  lg,
	})
	if err != nil {
		return err
	}

	// Bound before the ingest listener; a failure here leaves nothing running.
	var (
		ms  *metrics.Server
		mln net.Listener
	)
	if c.Metrics.Listen != "" {
		if ms, err = metrics.NewServer(collector, lg); err != nil {
			return err
		}
		if mln, err = net.Listen("tcp", c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
	}

	mode := ingest.ModeExplicit
	if c.FTP.TLSMode == config.TLSImplicit {
		mode = ingest.ModeImplicit
	}
	authMode := ingest.AuthPassword
	if c.Auth.Mode == config.AuthCertificate {
		authMode = ingest.AuthCertificate
	}
	srv, err := ingest.New(ingest.Options{
		Addr:            c.ListenAddr(),
		Mode:            mode,
		Identity:        ids,
		AuthMode:        authMode,
		Credential:      cred,
		TargetDir:       targetDir,
		PassivePorts:    &ftp.PortRange{Start: lo, End: hi},
		PublicHost:      publicHost,
		IdleTimeout:     c.FTP.IdleTimeout,
		MaxFailures:     c.Auth.MaxFailures,
		FailureWindow:   c.Auth.FailureWindow,
		AllowedNetworks: c.Auth.AllowedNetworks,
		Reloader:        disp,
		WaitForReload:   c.WaitForReload(),
		Metrics:         collector,
		Logger:          lg,
	})
	if err != nil {
		if mln != nil {
			_ = mln.Close()
		}
		return fmt.Errorf("ingest listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	if ms != nil {
		g.Go(func() error { return ms.Serve(gctx, mln) })
	}
	runErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), c.Reload.ShutdownGrace)
	defer cancel()
	if err := disp.Shutdown(sctx); err != nil {
		lg.Warn("reloads still running at shutdown were cancelled", "err", err)
	}
	lg.Info("stopped")
	return runErr
}

// OpenLedger creates the database directory if needed and opens the ledger.
func OpenLedger(ctx context.Context, path string) (*db.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("db dir: %w", err)
	}
	return db.Open(ctx, path)
}

// EnsureIdentity runs the certificate authority and records the fingerprint
// of the active root in the ledger.
func EnsureIdentity(ctx context.Context, d *db.DB, c config.Config, lg *slog.Logger) (*identity.Set, error) {
	ids, err := identity.Ensure(ctx, identity.Options{
		Dir:          c.Certs.Dir,
		KeyBits:      c.Certs.KeyBits,
		Validity:     time.Duration(c.Certs.ValidityDays) * 24 * time.Hour,
		Organization: c.Certs.Organization,
		Hosts:        c.Certs.Hosts,
		ExportDER:    c.Certs.ExportDER,
		Logger:       lg,
	})
	if err != nil {
		return nil, err
	}
	fp := ids.Fingerprint()
	prev, ok, err := d.GetConfig(ctx, keyFingerprint)
	if err != nil {
		return nil, err
	}
	if ok && prev != fp {
		lg.Warn("identity was reissued, redistribute ca.pem and the uploader certificate",
			"previous", prev, "current", fp)
	}
	if !ok || prev != fp {
		if err := d.SetConfig(ctx, keyFingerprint, fp); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// rconPassword returns the configured password or, when none is set, a
// generated one that is kept in the ledger across restarts.
func rconPassword(ctx context.Context, d *db.DB, c config.Config) (string, error) {
	if c.Rcon.Password != "" {
		return c.Rcon.Password, nil
	}
	if !c.Props.Enable {
		return "", errors.New("rcon.password is required")
	}
	if v, ok, err := d.GetConfig(ctx, keyRconPassword); err != nil {
		return "", err
	} else if ok && v != "" {
		return v, nil
	}
	v, err := auth.GenerateSecret(24)
	if err != nil {
		return "", err
	}
	if err := d.SetConfig(ctx, keyRconPassword, v); err != nil {
		return "", err
	}
	return v, nil
}

type ipResolver interface {
	PublicIP(ctx context.Context) (string, error)
}

// resolvePublicHost turns ftp.public_host into the address advertised in
// PASV replies. Discovery failures fall back to the listener's own address.
func resolvePublicHost(ctx context.Context, r ipResolver, v string, lg *slog.Logger) string {
	switch v {
	case PublicHostAuto:
		ip, err := r.PublicIP(ctx)
		if err != nil {
			lg.Warn("public ip discovery failed, passive replies use the control address", "err", err)
			return ""
		}
		lg.Info("public ip discovered", "ip", ip)
		return ip
	case PublicHostLocal:
		ip, err := netaddr.LocalIP()
		if err != nil {
			lg.Warn("local ip discovery failed, passive replies use the control address", "err", err)
			return ""
		}
		return ip
	default:
		return v
	}
}

type ruleInstaller interface {
	Open(ctx context.Context, port int) error
	OpenRange(ctx context.Context, lo, hi int) error
	RestrictToLoopback(ctx context.Context, port int) error
}

// installFirewall opens the ingestion ports and shields a local RCON port.
// Failures are logged; the daemon keeps running.
func installFirewall(ctx context.Context, fw ruleInstaller, c config.Config, rconPort, lo, hi int, lg *slog.Logger) {
	if err := fw.Open(ctx, c.FTP.Port); err != nil {
		lg.Error("firewall: control port not opened", "port", c.FTP.Port, "err", err)
	}
	if err := fw.OpenRange(ctx, lo, hi); err != nil {
		lg.Error("firewall: passive ports not opened", "range", c.FTP.PassivePorts, "err", err)
	}
	host, _, err := net.SplitHostPort(c.Rcon.Address)
	if err != nil {
		return
	}
	if ip := net.ParseIP(host); (ip != nil && ip.IsLoopback()) || host == "localhost" {
		if err := fw.RestrictToLoopback(ctx, rconPort); err != nil {
			lg.Error("firewall: rcon port not restricted", "port", rconPort, "err", err)
		}
	}
}
