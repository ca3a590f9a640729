// Package firewall installs host firewall rules for the ingestion ports and
// keeps the RCON port reachable from loopback only.
//
// Linux rules go through iptables, Windows rules through netsh advfirewall.
// Other platforms are left alone.
package firewall

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/Angulorecto/LiveUpdater/internal/logging"
)

// Runner executes one command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %w (stderr: %s)",
			name, strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Installer adds rules idempotently: existing rules are detected first.
type Installer struct {
	goos string
	run  Runner
	lg   *slog.Logger
}

// New returns an Installer for the running platform.
func New(lg *slog.Logger) *Installer {
	return &Installer{goos: runtime.GOOS, run: execRunner{}, lg: logging.Component(lg, "firewall")}
}

// NewWithRunner returns an Installer for goos that executes through run.
func NewWithRunner(goos string, run Runner, lg *slog.Logger) *Installer {
	return &Installer{goos: goos, run: run, lg: logging.Component(lg, "firewall")}
}

// Open allows inbound TCP on port.
func (in *Installer) Open(ctx context.Context, port int) error {
	return in.OpenRange(ctx, port, port)
}

// OpenRange allows inbound TCP on the inclusive range lo-hi.
func (in *Installer) OpenRange(ctx context.Context, lo, hi int) error {
	if err := checkRange(lo, hi); err != nil {
		return err
	}
	switch in.goos {
	case "linux":
		dport := strconv.Itoa(lo)
		if hi != lo {
			dport += ":" + strconv.Itoa(hi)
		}
		return in.iptables(ctx, "-p", "tcp", "--dport", dport, "-j", "ACCEPT")
	case "windows":
		ports := strconv.Itoa(lo)
		if hi != lo {
			ports += "-" + strconv.Itoa(hi)
		}
		return in.netsh(ctx, "LiveUpdater allow "+ports,
			"dir=in", "action=allow", "protocol=TCP", "localport="+ports)
	default:
		in.lg.Info("firewall rules not supported on this platform", "os", in.goos, "ports", fmt.Sprintf("%d-%d", lo, hi))
		return nil
	}
}

// RestrictToLoopback accepts port from 127.0.0.1 and drops everything else.
func (in *Installer) RestrictToLoopback(ctx context.Context, port int) error {
	if err := checkRange(port, port); err != nil {
		return err
	}
	p := strconv.Itoa(port)
	switch in.goos {
	case "linux":
		if err := in.iptables(ctx, "-p", "tcp", "--dport", p, "-s", "127.0.0.1", "-j", "ACCEPT"); err != nil {
			return err
		}
		return in.iptables(ctx, "-p", "tcp", "--dport", p, "-j", "DROP")
	case "windows":
		// Windows Firewall does not filter loopback traffic.
		return in.netsh(ctx, "LiveUpdater block remote "+p,
			"dir=in", "action=block", "protocol=TCP", "localport="+p, "remoteip=any")
	default:
		in.lg.Info("firewall rules not supported on this platform", "os", in.goos, "port", port)
		return nil
	}
}

// iptables appends rule to INPUT unless an identical rule is present.
func (in *Installer) iptables(ctx context.Context, rule ...string) error {
	check := append([]string{"-C", "INPUT"}, rule...)
	if _, err := in.run.Run(ctx, "iptables", check...); err == nil {
		in.lg.Debug("iptables rule present", "rule", strings.Join(rule, " "))
		return nil
	}
	add := append([]string{"-A", "INPUT"}, rule...)
	if _, err := in.run.Run(ctx, "iptables", add...); err != nil {
		return err
	}
	in.lg.Info("iptables rule added", "rule", strings.Join(rule, " "))
	return nil
}

// netsh adds a named rule unless one with that name exists.
func (in *Installer) netsh(ctx context.Context, name string, params ...string) error {
	base := []string{"advfirewall", "firewall"}
	show := append(append([]string{}, base...), "show", "rule", "name="+name)
	if _, err := in.run.Run(ctx, "netsh", show...); err == nil {
		in.lg.Debug("netsh rule present", "name", name)
		return nil
	}
	add := append(append([]string{}, base...), "add", "rule", "name="+name)
	add = append(add, params...)
	if _, err := in.run.Run(ctx, "netsh", add...); err != nil {
		return err
	}
	in.lg.Info("netsh rule added", "name", name)
	return nil
}

func checkRange(lo, hi int) error {
	if lo <= 0 || hi > 65535 || lo > hi {
		return fmt.Errorf("invalid port range %d-%d", lo, hi)
	}
	return nil
}
