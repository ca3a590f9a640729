// Package issue implements the "liveupdater issue" CLI subcommand.
// It runs the certificate authority without starting the listener so the
// uploader certificate can be handed out ahead of time.
package issue

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Angulorecto/LiveUpdater/internal/config"
	"github.com/Angulorecto/LiveUpdater/internal/daemon"
	"github.com/Angulorecto/LiveUpdater/internal/identity"
	"github.com/Angulorecto/LiveUpdater/internal/logging"
)

// Options captures CLI flags for issuance.
type Options struct {
	ConfigPath string
	CertsDir   string
	DBPath     string
	Hosts      stringList
	ExportDER  bool
}

type stringList []string

func (s *stringList) String() string     { return fmt.Sprint(*s) }
func (s *stringList) Set(v string) error { *s = append(*s, v); return nil }

// Run ensures the identity set exists and prints where it lives.
func Run(args []string) error {
	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	var opt Options
	fs.StringVar(&opt.ConfigPath, "config", "", "path to liveupdater.yaml")
	fs.StringVar(&opt.CertsDir, "certs", "./certs", "certificate directory (without -config)")
	fs.StringVar(&opt.DBPath, "db", "./data/liveupdater.db", "sqlite ledger path (without -config)")
	fs.Var(&opt.Hosts, "host", "extra server certificate DNS name or IP (repeatable, without -config)")
	fs.BoolVar(&opt.ExportDER, "der", false, "also write the uploader key as DER (without -config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var c config.Config
	if opt.ConfigPath != "" {
		var err error
		if c, err = config.Load(opt.ConfigPath); err != nil {
			return err
		}
	} else {
		// Issuance needs no credentials; fill only what it reads.
		c.DB.Path = opt.DBPath
		c.Certs = config.CertsConfig{
			Dir:          opt.CertsDir,
			KeyBits:      identity.MinKeyBits,
			ValidityDays: 3650,
			Organization: "LiveUpdater",
			Hosts:        opt.Hosts,
			ExportDER:    opt.ExportDER,
		}
	}
	lg, _, err := logging.New(logging.Options{Level: c.Log.Level})
	if err != nil {
		return err
	}

	ctx := context.Background()
	d, err := daemon.OpenLedger(ctx, c.DB.Path)
	if err != nil {
		return err
	}
	defer d.Close()
	ids, err := daemon.EnsureIdentity(ctx, d, c, lg)
	if err != nil {
		return err
	}

	dir, _ := filepath.Abs(c.Certs.Dir)
	state := "unchanged"
	if ids.Issued {
		state = "issued"
	}
	fmt.Fprintf(os.Stdout, "identity %s in %s\n", state, dir)
	fmt.Fprintf(os.Stdout, "root fingerprint %s\n", ids.Fingerprint())
	fmt.Fprintf(os.Stdout, "give the uploader %s, %s and %s\n",
		identity.FileRoot, identity.FileUploader, identity.FileUploaderKey)
	if c.Certs.ExportDER {
		fmt.Fprintf(os.Stdout, "clients without PEM support can use %s instead of %s\n",
			identity.FileUploaderKeyDER, identity.FileUploaderKey)
	}
	return nil
}
