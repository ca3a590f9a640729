// Package ingest implements the TLS FTP endpoint that receives plugin
// uploads and hands each committed file to the reload dispatcher.
package ingest

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	ftp "github.com/fclairamb/ftpserverlib"

	"github.com/Angulorecto/LiveUpdater/internal/auth"
	"github.com/Angulorecto/LiveUpdater/internal/identity"
	"github.com/Angulorecto/LiveUpdater/internal/logging"
	"github.com/Angulorecto/LiveUpdater/internal/metrics"
	"github.com/Angulorecto/LiveUpdater/internal/reload"
)

// Mode selects explicit (AUTH TLS) or implicit FTPS.
type Mode int

const (
	ModeExplicit Mode = iota + 1
	ModeImplicit
)

// AuthMode selects how the uploader proves its identity.
type AuthMode int

const (
	AuthPassword AuthMode = iota + 1
	AuthCertificate
)

func (m AuthMode) String() string {
	if m == AuthCertificate {
		return "certificate"
	}
	return "password"
}

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errTooManyFailures    = errors.New("too many failed logins, try again later")
	errSessionClosed      = errors.New("session closed")
	errNotAllowed         = errors.New("connections from this address are not accepted")
)

// Reloader receives committed uploads.
type Reloader interface {
	Handle(ctx context.Context, ev reload.Event) reload.Result
	Submit(sessionKey string, ev reload.Event) error
}

// Options configures the ingestion server.
type Options struct {
	// Addr is used when Listener is nil.
	Addr     string
	Listener net.Listener

	Mode     Mode
	Identity *identity.Set

	AuthMode   AuthMode
	Credential auth.Credential

	TargetDir    string
	PassivePorts *ftp.PortRange
	PublicHost   string
	IdleTimeout  int

	MaxFailures   int
	FailureWindow time.Duration

	// AllowedNetworks lists CIDRs or addresses that may connect; empty
	// admits all.
	AllowedNetworks []string

	Reloader      Reloader
	WaitForReload bool

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Server is a running ingestion endpoint.
type Server struct {
	drv *mainDriver
	ftp *ftp.FtpServer
	ln  net.Listener
}

// New validates opt and binds the control listener.
func New(opt Options) (*Server, error) {
	if opt.Identity == nil {
		return nil, errors.New("identity is required")
	}
	if opt.TargetDir == "" {
		return nil, errors.New("target dir is required")
	}
	if opt.Mode != ModeExplicit && opt.Mode != ModeImplicit {
		return nil, errors.New("invalid mode")
	}
	if opt.AuthMode != AuthPassword && opt.AuthMode != AuthCertificate {
		return nil, errors.New("invalid auth mode")
	}
	if opt.Credential.Username == "" {
		return nil, errors.New("uploader username is required")
	}
	if opt.AuthMode == AuthPassword && opt.Credential.PassHash == "" {
		return nil, errors.New("uploader password is required")
	}
	if opt.Reloader == nil {
		return nil, errors.New("reloader is required")
	}

	allowed, err := parseAllowlist(opt.AllowedNetworks)
	if err != nil {
		return nil, err
	}

	tlsConfig := opt.Identity.ServerTLSConfig(opt.AuthMode == AuthCertificate)
	ln := opt.Listener
	if ln == nil {
		if opt.Addr == "" {
			return nil, errors.New("addr is required")
		}
		if ln, err = net.Listen("tcp", opt.Addr); err != nil {
			return nil, err
		}
	}
	if opt.Mode == ModeImplicit {
		ln = tls.NewListener(ln, tlsConfig)
	}

	lg := logging.Component(opt.Logger, "ingest")
	drv := &mainDriver{
		opt:       opt,
		tlsConfig: tlsConfig,
		listener:  ln,
		allowed:   allowed,
		lg:        lg,
		sessions:  make(map[uint32]*session),
		ctx:       context.Background(),
	}
	if opt.MaxFailures > 0 && opt.FailureWindow > 0 {
		drv.limiter = newFailureLimiter(opt.MaxFailures, opt.FailureWindow)
	}
	srv := ftp.NewFtpServer(drv)
	srv.Logger = lg
	return &Server{drv: drv, ftp: srv, ln: ln}, nil
}

// Addr is the bound control address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts sessions until ctx is done. Synchronous reloads run under
// ctx, so cancelling it also aborts reloads in flight.
func (s *Server) Serve(ctx context.Context) error {
	s.drv.ctx = ctx
	defer s.drv.limiter.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- s.ftp.ListenAndServe() }()
	s.drv.lg.Info("ingestion listening",
		"addr", s.ln.Addr().String(),
		"tls", s.drv.modeName(),
		"auth", s.drv.opt.AuthMode.String(),
		"target", s.drv.opt.TargetDir,
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		_ = s.ftp.Stop()
		_ = s.ln.Close()
		<-errCh
		return nil
	}
}

// ListenAndServe builds a Server from opt and serves until ctx is done.
func ListenAndServe(ctx context.Context, opt Options) error {
	s, err := New(opt)
	if err != nil {
		return err
	}
	return s.Serve(ctx)
}

// mainDriver connects ftpserverlib callbacks to the upload directory.
type mainDriver struct {
	opt       Options
	tlsConfig *tls.Config
	listener  net.Listener
	allowed   allowlist
	limiter   *failureLimiter
	lg        *slog.Logger
	ctx       context.Context

	mu       sync.Mutex
	sessions map[uint32]*session
}

func (d *mainDriver) modeName() string {
	if d.opt.Mode == ModeImplicit {
		return "implicit"
	}
	return "explicit"
}

// GetSettings returns server settings for ftpserverlib.
func (d *mainDriver) GetSettings() (*ftp.Settings, error) {
	idle := d.opt.IdleTimeout
	if idle == 0 {
		idle = 300
	}

	tlsReq := ftp.MandatoryEncryption
	if d.opt.Mode == ModeImplicit {
		tlsReq = ftp.ImplicitEncryption
	}

	s := &ftp.Settings{
		Listener:               d.listener,
		ListenAddr:             "",
		Banner:                 "LiveUpdater",
		PublicHost:             d.opt.PublicHost,
		IdleTimeout:            idle,
		ConnectionTimeout:      15,
		DisableActiveMode:      true,
		TLSRequired:            tlsReq,
		ActiveConnectionsCheck: ftp.IPMatchRequired,
		PasvConnectionsCheck:   ftp.IPMatchRequired,
	}
	if d.opt.PassivePorts != nil {
		s.PassiveTransferPortRange = d.opt.PassivePorts
	}
	return s, nil
}

// ClientConnected registers the session and refuses blocked addresses.
func (d *mainDriver) ClientConnected(cc ftp.ClientContext) (string, error) {
	remote := cc.RemoteAddr().String()
	sess := newSession(strconv.FormatUint(uint64(cc.ID()), 10), remote,
		d.lg.With("session", cc.ID(), "remote", remote))

	ip := remoteIP(cc.RemoteAddr())
	if !d.allowed.permits(ip) {
		sess.lg.Warn("connection refused, address not in allowed networks")
		return "", errNotAllowed
	}
	if blocked, wait := d.limiter.Blocked(ip); blocked {
		sess.lg.Warn("connection refused, too many failed logins", "retry_in", wait.Round(time.Second).String())
		return "", errTooManyFailures
	}

	d.mu.Lock()
	d.sessions[cc.ID()] = sess
	d.mu.Unlock()
	d.opt.Metrics.SessionOpened()
	sess.lg.Info("client connected")
	return "LiveUpdater ready", nil
}

// ClientDisconnected tears the session down.
func (d *mainDriver) ClientDisconnected(cc ftp.ClientContext) {
	d.mu.Lock()
	sess, ok := d.sessions[cc.ID()]
	delete(d.sessions, cc.ID())
	d.mu.Unlock()
	if !ok {
		return
	}
	_ = sess.fire(EventDisconnect)
	d.opt.Metrics.SessionClosed()
	sess.lg.Info("client disconnected", "uploads", sess.uploadCount())
}

func (d *mainDriver) session(cc ftp.ClientContext) (*session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sess, ok := d.sessions[cc.ID()]
	if !ok {
		return nil, errSessionClosed
	}
	return sess, nil
}

// PreAuthUser is called on USER before PASS. It never reveals whether the
// name exists; only blocked or closed sessions are refused here.
func (d *mainDriver) PreAuthUser(cc ftp.ClientContext, user string) error {
	sess, err := d.session(cc)
	if err != nil {
		return err
	}
	if blocked, _ := d.limiter.Blocked(remoteIP(cc.RemoteAddr())); blocked {
		return errTooManyFailures
	}
	if err := sess.fire(EventUser); err != nil {
		return errSessionClosed
	}
	sess.setUser(user)
	return nil
}

// AuthUser checks the password against the single uploader credential.
func (d *mainDriver) AuthUser(cc ftp.ClientContext, user, pass string) (ftp.ClientDriver, error) {
	sess, err := d.session(cc)
	if err != nil {
		auth.DummyVerify(pass)
		return nil, errInvalidCredentials
	}
	if d.opt.AuthMode != AuthPassword || !d.opt.Credential.Check(user, pass) {
		if d.opt.AuthMode != AuthPassword {
			auth.DummyVerify(pass)
		}
		return nil, d.authFailed(sess, cc, AuthPassword)
	}
	return d.authSucceeded(sess, cc, user)
}

// VerifyConnection authenticates certificate-mode sessions from the TLS
// client certificate. In password mode it defers to AuthUser.
func (d *mainDriver) VerifyConnection(cc ftp.ClientContext, user string, tlsConn *tls.Conn) (ftp.ClientDriver, error) {
	if d.opt.AuthMode != AuthCertificate {
		return nil, nil
	}
	sess, err := d.session(cc)
	if err != nil {
		return nil, err
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		sess.lg.Warn("certificate login without a client certificate")
		return nil, d.authFailed(sess, cc, AuthCertificate)
	}
	if err := d.opt.Identity.VerifyUploader(state.PeerCertificates[0]); err != nil {
		sess.lg.Warn("client certificate rejected", "err", err)
		return nil, d.authFailed(sess, cc, AuthCertificate)
	}
	if !d.opt.Credential.MatchesUser(user) {
		return nil, d.authFailed(sess, cc, AuthCertificate)
	}
	return d.authSucceeded(sess, cc, user)
}

func (d *mainDriver) authSucceeded(sess *session, cc ftp.ClientContext, user string) (ftp.ClientDriver, error) {
	if err := sess.fire(EventAuthSuccess); err != nil {
		return nil, errInvalidCredentials
	}
	d.limiter.Reset(remoteIP(cc.RemoteAddr()))
	sess.setUser(user)
	sess.lg.Info("uploader authenticated", "user", user, "auth", d.opt.AuthMode.String())
	cc.SetPath("/")
	return newUploadFS(d.opt.TargetDir, sess, d.committer(sess)), nil
}

// authFailed closes the session state, counts the failure and returns the
// generic error sent to the client.
func (d *mainDriver) authFailed(sess *session, cc ftp.ClientContext, method AuthMode) error {
	_ = sess.fire(EventAuthFailure)
	d.opt.Metrics.AuthFailed(method.String())
	ip := remoteIP(cc.RemoteAddr())
	if d.limiter.Fail(ip) {
		sess.lg.Warn("login failed, address blocked", "user", sess.user(), "auth", method.String())
	} else {
		sess.lg.Warn("login failed", "user", sess.user(), "auth", method.String())
	}
	return errInvalidCredentials
}

// committer runs the reload for each committed upload, inline before the
// transfer is acknowledged or detached in session order.
func (d *mainDriver) committer(sess *session) commitFunc {
	return func(finalPath string, size int64) {
		sess.countUpload()
		d.opt.Metrics.UploadCommitted(size)
		ev := reload.Event{
			SessionID:  sess.id,
			Username:   sess.user(),
			RemoteAddr: sess.remote,
			Path:       finalPath,
			Size:       size,
		}
		if d.opt.WaitForReload {
			d.opt.Reloader.Handle(d.ctx, ev)
			return
		}
		if err := d.opt.Reloader.Submit(sess.id, ev); err != nil {
			sess.lg.Warn("reload not scheduled", "err", err)
		}
	}
}

// GetTLSConfig provides TLS settings for control and data connections.
func (d *mainDriver) GetTLSConfig() (*tls.Config, error) {
	// The same instance serves control and data connections so clients can
	// resume the TLS session on the data channel.
	return d.tlsConfig, nil
}

func remoteIP(a net.Addr) string {
	if a == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

// Compile-time interface assertions.
var _ ftp.MainDriver = (*mainDriver)(nil)
var _ ftp.MainDriverExtensionUserVerifier = (*mainDriver)(nil)
var _ ftp.MainDriverExtensionTLSVerifier = (*mainDriver)(nil)
