// Package reload turns a completed upload into a plugin reload on the game
// server: inspect the archive, render the console command, send it over RCON
// and record the outcome.
package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/Angulorecto/LiveUpdater/internal/db"
	"github.com/Angulorecto/LiveUpdater/internal/logging"
	"github.com/Angulorecto/LiveUpdater/internal/metrics"
	"github.com/Angulorecto/LiveUpdater/internal/plugin"
)

// DefaultCommand is the console command sent for a plugin named Name.
const DefaultCommand = "plugman reload {{.Name}}"

// ErrShutdown is returned by Submit once Shutdown has started.
var ErrShutdown = errors.New("reload dispatcher is shutting down")

// Event describes one committed upload.
type Event struct {
	SessionID  string
	Username   string
	RemoteAddr string
	// Path is the final location inside the target directory.
	Path string
	Size int64
}

// Result is what Handle did with an Event.
type Result struct {
	DeploymentID string
	Artifact     string
	Outcome      db.Outcome
	Response     string
	Err          error
}

// Inspector extracts the plugin name from an archive.
type Inspector interface {
	Inspect(path string) (string, error)
}

// Executor runs a console command on the game server.
type Executor interface {
	Execute(ctx context.Context, command string) (string, error)
}

// Ledger persists deployment rows.
type Ledger interface {
	InsertDeployment(ctx context.Context, dep db.Deployment) (db.Deployment, error)
	UpdateDeploymentOutcome(ctx context.Context, id, artifactName string, outcome db.Outcome, detail string) error
}

// Options configures a Dispatcher. Ledger and Metrics may be nil.
type Options struct {
	Inspector Inspector
	Executor  Executor
	Command   string
	Ledger    Ledger
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

// Dispatcher runs reloads either inline (Handle) or detached (Submit).
// Detached work for one session key runs in submission order.
type Dispatcher struct {
	inspector Inspector
	executor  Executor
	command   *template.Template
	ledger    Ledger
	metrics   *metrics.Collector
	lg        *slog.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	tails  map[string]chan struct{}
}

type commandData struct {
	Name string
	File string
}

// New validates opt and returns a Dispatcher.
func New(opt Options) (*Dispatcher, error) {
	if opt.Inspector == nil {
		return nil, errors.New("inspector is required")
	}
	if opt.Executor == nil {
		return nil, errors.New("executor is required")
	}
	if opt.Command == "" {
		opt.Command = DefaultCommand
	}
	tmpl, err := template.New("reload").Option("missingkey=error").Parse(opt.Command)
	if err != nil {
		return nil, fmt.Errorf("reload command: %w", err)
	}
	if _, err := render(tmpl, commandData{Name: "Example", File: "example.jar"}); err != nil {
		return nil, fmt.Errorf("reload command: %w", err)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		inspector: opt.Inspector,
		executor:  opt.Executor,
		command:   tmpl,
		ledger:    opt.Ledger,
		metrics:   opt.Metrics,
		lg:        logging.Component(opt.Logger, "reload"),
		base:      base,
		cancel:    cancel,
		tails:     make(map[string]chan struct{}),
	}, nil
}

func render(tmpl *template.Template, data commandData) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", err
	}
	cmd := strings.TrimSpace(sb.String())
	if cmd == "" {
		return "", errors.New("command renders empty")
	}
	return cmd, nil
}

// Handle processes ev synchronously. Failures are logged and reported in the
// Result; they never affect the upload itself.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) Result {
	start := time.Now()
	file := filepath.Base(ev.Path)
	lg := d.lg.With("session", ev.SessionID, "file", file)

	res := Result{Outcome: db.OutcomeStored}
	if d.ledger != nil {
		dep, err := d.ledger.InsertDeployment(ctx, db.Deployment{
			SessionID:  ev.SessionID,
			Username:   ev.Username,
			RemoteAddr: ev.RemoteAddr,
			FileName:   file,
			SizeBytes:  ev.Size,
			Outcome:    db.OutcomeStored,
		})
		if err != nil {
			lg.Error("ledger insert failed", "err", err)
		} else {
			res.DeploymentID = dep.ID
		}
	}
	defer func() {
		d.metrics.UploadRecorded(string(res.Outcome))
		d.record(ctx, lg, res)
	}()

	name, err := d.inspector.Inspect(ev.Path)
	switch {
	case errors.Is(err, plugin.ErrNotArtifact):
		res.Outcome = db.OutcomeNotArtifact
		lg.Info("upload stored, not a plugin")
		return res
	case errors.Is(err, plugin.ErrMalformed):
		res.Outcome = db.OutcomeMalformed
		res.Err = err
		lg.Warn("plugin archive rejected", "err", err)
		return res
	case err != nil:
		res.Outcome = db.OutcomeReloadFailed
		res.Err = err
		lg.Error("plugin archive could not be read", "err", err)
		return res
	}
	res.Artifact = name
	lg = lg.With("plugin", name)

	cmd, err := render(d.command, commandData{Name: name, File: file})
	if err != nil {
		res.Outcome = db.OutcomeReloadFailed
		res.Err = err
		lg.Error("render reload command", "err", err)
		return res
	}

	out, err := d.executor.Execute(ctx, cmd)
	if err != nil {
		res.Outcome = db.OutcomeReloadFailed
		res.Err = err
		d.metrics.ReloadObserved("failed", time.Since(start))
		lg.Warn("reload failed", "err", err)
		return res
	}
	res.Outcome = db.OutcomeReloaded
	res.Response = out
	d.metrics.ReloadObserved("ok", time.Since(start))
	lg.Info("plugin reloaded", "response", truncate(out, 200), "duration_ms", time.Since(start).Milliseconds())
	return res
}

func (d *Dispatcher) record(ctx context.Context, lg *slog.Logger, res Result) {
	if d.ledger == nil || res.DeploymentID == "" {
		return
	}
	detail := truncate(res.Response, 500)
	if res.Err != nil {
		detail = truncate(res.Err.Error(), 500)
	}
	// The upload context may already be gone; the row should still land.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.ledger.UpdateDeploymentOutcome(ctx, res.DeploymentID, res.Artifact, res.Outcome, detail); err != nil {
		lg.Error("ledger update failed", "err", err)
	}
}

// Submit runs Handle in the background. Events sharing sessionKey are handled
// one at a time in submission order.
func (d *Dispatcher) Submit(sessionKey string, ev Event) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.lg.Warn("reload dropped during shutdown", "session", ev.SessionID, "file", filepath.Base(ev.Path))
		return ErrShutdown
	}
	prev := d.tails[sessionKey]
	done := make(chan struct{})
	d.tails[sessionKey] = done
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			close(done)
			d.mu.Lock()
			if d.tails[sessionKey] == done {
				delete(d.tails, sessionKey)
			}
			d.mu.Unlock()
		}()
		if prev != nil {
			select {
			case <-prev:
			case <-d.base.Done():
			}
		}
		d.Handle(d.base, ev)
	}()
	return nil
}

// Shutdown stops accepting work and waits for detached reloads. When ctx
// expires first, in-flight reloads are cancelled and ctx.Err() is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
