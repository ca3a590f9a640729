// Package history implements the "liveupdater history" CLI subcommand.
// It prints recent deployments from the ledger or opens the TUI browser.
package history

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/Angulorecto/LiveUpdater/internal/config"
	"github.com/Angulorecto/LiveUpdater/internal/db"
	"github.com/Angulorecto/LiveUpdater/internal/historyui"
)

// Options captures CLI flags.
type Options struct {
	ConfigPath string
	DBPath     string
	Limit      int
	TUI        bool
}

// Run parses history flags and renders the ledger.
func Run(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	var opt Options
	fs.StringVar(&opt.ConfigPath, "config", "", "path to liveupdater.yaml")
	fs.StringVar(&opt.DBPath, "db", "./data/liveupdater.db", "sqlite ledger path (without -config)")
	fs.IntVar(&opt.Limit, "n", 20, "number of deployments to print")
	fs.BoolVar(&opt.TUI, "tui", false, "open the interactive browser")
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := opt.DBPath
	if opt.ConfigPath != "" {
		c, err := config.Load(opt.ConfigPath)
		if err != nil {
			return err
		}
		path = c.DB.Path
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("ledger %s: %w", path, err)
	}

	ctx := context.Background()
	d, err := db.OpenReadOnly(ctx, path)
	if err != nil {
		return err
	}
	defer d.Close()

	if opt.TUI {
		p := tea.NewProgram(historyui.New(d, filepath.Base(path)), tea.WithAltScreen())
		_, err := p.Run()
		return err
	}
	deps, err := d.ListDeployments(ctx, opt.Limit)
	if err != nil {
		return err
	}
	return printTable(os.Stdout, deps, time.Now())
}

func printTable(w io.Writer, deps []db.Deployment, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tFILE\tSIZE\tPLUGIN\tOUTCOME\tDETAIL")
	for _, d := range deps {
		plugin := d.ArtifactName
		if plugin == "" {
			plugin = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			humanize.RelTime(time.Unix(d.CreatedAt, 0), now, "ago", "from now"),
			d.FileName,
			humanize.IBytes(uint64(max(d.SizeBytes, 0))),
			plugin,
			d.Outcome,
			d.Detail,
		)
	}
	return tw.Flush()
}
