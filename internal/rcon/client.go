package rcon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Angulorecto/LiveUpdater/internal/logging"
)

var (
	// ErrUnreachable means no RCON session could be established.
	ErrUnreachable = errors.New("rcon server unreachable")
	// ErrAuthRejected means the server refused the password.
	ErrAuthRejected = errors.New("rcon authentication rejected")
	// ErrTimeout means the server did not answer in time.
	ErrTimeout = errors.New("rcon timeout")
	// ErrClosed is returned by Execute after the connection failed or was closed.
	ErrClosed = errors.New("rcon connection closed")
	// ErrCommandTooLong is returned for commands above MaxCommandBody bytes.
	ErrCommandTooLong = errors.New("rcon command too long")
)

// DefaultTimeout bounds dialing and every request when no option is given.
const DefaultTimeout = 5 * time.Second

// Option configures Dial.
type Option func(*Conn)

// WithTimeout sets the dial and per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(lg *slog.Logger) Option {
	return func(c *Conn) {
		c.lg = logging.Component(lg, "rcon")
	}
}

// Conn is an authenticated RCON connection. It is safe for sequential use
// from multiple goroutines; requests are serialized.
type Conn struct {
	mu      sync.Mutex
	conn    net.Conn
	timeout time.Duration
	lg      *slog.Logger
	lastID  int32
	broken  error
}

// Dial connects to addr and authenticates with password.
func Dial(ctx context.Context, addr, password string, opts ...Option) (*Conn, error) {
	c := &Conn{timeout: DefaultTimeout, lg: logging.Discard()}
	for _, o := range opts {
		o(c)
	}

	d := net.Dialer{Timeout: c.timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, addr, err)
	}
	c.conn = nc

	if err := c.auth(ctx, password); err != nil {
		_ = nc.Close()
		return nil, err
	}
	c.lg.Debug("rcon authenticated", "addr", addr)
	return c, nil
}

// Send dials addr, runs one command and closes the connection.
func Send(ctx context.Context, addr, password, command string, opts ...Option) (string, error) {
	c, err := Dial(ctx, addr, password, opts...)
	if err != nil {
		return "", err
	}
	defer c.Close()
	return c.Execute(ctx, command)
}

func (c *Conn) auth(ctx context.Context, password string) error {
	stop := c.arm(ctx)
	defer stop()

	id := c.nextID()
	if err := WritePacket(c.conn, Packet{ID: id, Type: TypeAuth, Body: password}); err != nil {
		return c.classify(ctx, err, true)
	}
	for {
		p, err := ReadPacket(c.conn)
		if err != nil {
			return c.classify(ctx, err, true)
		}
		switch {
		case p.Type == TypeResponseValue:
			// Source servers send an empty value packet before the verdict.
			continue
		case p.Type != TypeAuthResponse:
			return fmt.Errorf("%w: unexpected type %d during auth", ErrBadPacket, p.Type)
		case p.ID == -1:
			return ErrAuthRejected
		case p.ID != id:
			return fmt.Errorf("%w: auth response id %d, want %d", ErrBadPacket, p.ID, id)
		default:
			return nil
		}
	}
}

// Execute runs command and returns the concatenated response body.
func (c *Conn) Execute(ctx context.Context, command string) (string, error) {
	if len(command) > MaxCommandBody {
		return "", fmt.Errorf("%w: %d bytes", ErrCommandTooLong, len(command))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return "", fmt.Errorf("%w: %v", ErrClosed, c.broken)
	}

	stop := c.arm(ctx)
	defer stop()

	id := c.nextID()
	if err := WritePacket(c.conn, Packet{ID: id, Type: TypeExecCommand, Body: command}); err != nil {
		return "", c.fail(ctx, err)
	}
	var sb strings.Builder
	for {
		p, err := ReadPacket(c.conn)
		if err != nil {
			return "", c.fail(ctx, err)
		}
		if p.ID != id || p.Type != TypeResponseValue {
			c.lg.Debug("rcon ignoring packet", "id", p.ID, "type", p.Type)
			continue
		}
		sb.WriteString(p.Body)
		if len(p.Body) < MaxResponseBody {
			return sb.String(), nil
		}
	}
}

// Close releases the socket. An Execute blocked on a reply returns
// ErrClosed at once; further Execute calls fail with ErrClosed.
func (c *Conn) Close() error {
	// Closing before taking mu unblocks a reader holding it.
	err := c.conn.Close()
	c.mu.Lock()
	if c.broken == nil {
		c.broken = net.ErrClosed
	}
	c.mu.Unlock()
	return err
}

// arm applies the request deadline and cancels blocking I/O when ctx ends.
func (c *Conn) arm(ctx context.Context) func() {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	return func() { stop() }
}

func (c *Conn) fail(ctx context.Context, err error) error {
	c.broken = err
	_ = c.conn.Close()
	return c.classify(ctx, err, false)
}

// classify maps I/O failures onto the package sentinels.
func (c *Conn) classify(ctx context.Context, err error, beforeAuth bool) error {
	if errors.Is(err, ErrBadPacket) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTimeout, ctxErr)
		}
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: no reply within %s", ErrTimeout, c.timeout)
	}
	if beforeAuth {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("%w: connection closed before authentication", ErrUnreachable)
		}
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}

// nextID returns a positive request id, never -1.
func (c *Conn) nextID() int32 {
	if c.lastID == math.MaxInt32 {
		c.lastID = 0
	}
	c.lastID++
	return c.lastID
}

// Target is a reusable RCON destination. Each Execute opens its own
// connection.
type Target struct {
	Addr     string
	Password string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// Execute dials the target, runs command and closes the connection.
func (t Target) Execute(ctx context.Context, command string) (string, error) {
	return Send(ctx, t.Addr, t.Password, command, WithTimeout(t.Timeout), WithLogger(t.Logger))
}
