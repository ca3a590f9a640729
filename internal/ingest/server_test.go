// Package ingest tests run the FTPS server in-process against a real FTP
// client and a fake RCON endpoint.
package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	ftp "github.com/fclairamb/ftpserverlib"
	goftp "github.com/jlaffaye/ftp"

	"github.com/Angulorecto/LiveUpdater/internal/auth"
	"github.com/Angulorecto/LiveUpdater/internal/identity"
	"github.com/Angulorecto/LiveUpdater/internal/plugin"
	"github.com/Angulorecto/LiveUpdater/internal/rcon"
	"github.com/Angulorecto/LiveUpdater/internal/reload"
)

const (
	testUser     = "pluginuploader"
	testPassword = "s3cret-upload"
	testRconPass = "rcon-pass"
)

// fakeRcon accepts connections, authenticates them and records commands.
type fakeRcon struct {
	ln   net.Listener
	mu   sync.Mutex
	cmds []string
}

func startFakeRcon(t *testing.T) *fakeRcon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeRcon{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(c)
		}
	}()
	return f
}

func (f *fakeRcon) serve(c net.Conn) {
	defer c.Close()
	p, err := rcon.ReadPacket(c)
	if err != nil || p.Type != rcon.TypeAuth {
		return
	}
	if p.Body != testRconPass {
		_ = rcon.WritePacket(c, rcon.Packet{ID: -1, Type: rcon.TypeAuthResponse})
		return
	}
	_ = rcon.WritePacket(c, rcon.Packet{ID: p.ID, Type: rcon.TypeAuthResponse})
	for {
		p, err := rcon.ReadPacket(c)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.cmds = append(f.cmds, p.Body)
		f.mu.Unlock()
		_ = rcon.WritePacket(c, rcon.Packet{ID: p.ID, Type: rcon.TypeResponseValue, Body: "done"})
	}
}

func (f *fakeRcon) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

type harness struct {
	addr   string
	target string
	ids    *identity.Set
}

type harnessOpts struct {
	authMode    AuthMode
	mode        Mode
	rconAddr    string
	maxFailures int
	allowed     []string
	passive     *ftp.PortRange
}

func startServer(t *testing.T, ho harnessOpts) *harness {
	t.Helper()
	if ho.authMode == 0 {
		ho.authMode = AuthPassword
	}
	if ho.mode == 0 {
		ho.mode = ModeExplicit
	}
	ids, err := identity.Ensure(context.Background(), identity.Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	cred, err := auth.NewCredential(testUser, "", testPassword)
	if err != nil {
		t.Fatalf("credential: %v", err)
	}
	disp, err := reload.New(reload.Options{
		Inspector: plugin.Inspector{},
		Executor:  rcon.Target{Addr: ho.rconAddr, Password: testRconPass, Timeout: time.Second},
	})
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	target := t.TempDir()
	srv, err := New(Options{
		Listener:      ln,
		Mode:          ho.mode,
		Identity:      ids,
		AuthMode:      ho.authMode,
		Credential:    cred,
		TargetDir:     target,
		IdleTimeout:   30,
		MaxFailures:   ho.maxFailures,
		FailureWindow: time.Minute,
		PassivePorts:  ho.passive,
		Reloader:      disp,
		WaitForReload: true,

		AllowedNetworks: ho.allowed,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = disp.Shutdown(context.Background())
	})
	return &harness{addr: ln.Addr().String(), target: target, ids: ids}
}

func (h *harness) dial(t *testing.T, cfg *tls.Config, implicit bool) (*goftp.ServerConn, error) {
	t.Helper()
	if cfg == nil {
		cfg = &tls.Config{RootCAs: h.ids.Pool(), ServerName: "localhost", MinVersion: tls.VersionTLS12}
	}
	opt := goftp.DialWithExplicitTLS(cfg)
	if implicit {
		opt = goftp.DialWithTLS(cfg)
	}
	return goftp.Dial(h.addr, opt, goftp.DialWithTimeout(5*time.Second))
}

func (h *harness) login(t *testing.T) *goftp.ServerConn {
	t.Helper()
	c, err := h.dial(t, nil, false)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Quit() })
	if err := c.Login(testUser, testPassword); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return c
}

func pluginZip(t *testing.T, manifest string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	if manifest != "" {
		w, err := zw.Create("plugin.yml")
		if err != nil {
			t.Fatalf("zip: %v", err)
		}
		_, _ = w.Write([]byte(manifest))
	}
	w, err := zw.Create("com/example/Main.class")
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	_, _ = w.Write([]byte{0xca, 0xfe, 0xba, 0xbe})
	if err := zw.Close(); err != nil {
		t.Fatalf("zip: %v", err)
	}
	return buf.Bytes()
}

// TestUploadTriggersReload sends the reload command before acknowledging the upload.
func TestUploadTriggersReload(t *testing.T) {
	rc := startFakeRcon(t)
	h := startServer(t, harnessOpts{rconAddr: rc.ln.Addr().String()})
	c := h.login(t)

	if err := c.Stor("cool-plugin.zip", bytes.NewReader(pluginZip(t, "name: CoolPlugin\n"))); err != nil {
		t.Fatalf("Stor: %v", err)
	}
	cmds := rc.commands()
	if len(cmds) != 1 || !strings.Contains(cmds[0], "CoolPlugin") {
		t.Fatalf("unexpected rcon commands %v", cmds)
	}
	if _, err := os.Stat(filepath.Join(h.target, "cool-plugin.zip")); err != nil {
		t.Fatalf("upload not stored: %v", err)
	}
	names, err := c.NameList("/")
	if err != nil {
		t.Fatalf("NameList: %v", err)
	}
	if len(names) != 1 || filepath.Base(names[0]) != "cool-plugin.zip" {
		t.Fatalf("unexpected listing %v", names)
	}
}

// TestUploadWithoutManifestStoresOnly accepts the file and sends nothing.
func TestUploadWithoutManifestStoresOnly(t *testing.T) {
	rc := startFakeRcon(t)
	h := startServer(t, harnessOpts{rconAddr: rc.ln.Addr().String()})
	c := h.login(t)

	if err := c.Stor("library.jar", bytes.NewReader(pluginZip(t, ""))); err != nil {
		t.Fatalf("Stor: %v", err)
	}
	if err := c.Stor("readme.txt", strings.NewReader("hello")); err != nil {
		t.Fatalf("Stor: %v", err)
	}
	if cmds := rc.commands(); len(cmds) != 0 {
		t.Fatalf("expected no rcon commands, got %v", cmds)
	}
	for _, name := range []string{"library.jar", "readme.txt"} {
		if _, err := os.Stat(filepath.Join(h.target, name)); err != nil {
			t.Fatalf("%s not stored: %v", name, err)
		}
	}
}

// TestWrongPasswordRejected answers 530 and accepts no upload.
func TestWrongPasswordRejected(t *testing.T) {
	rc := startFakeRcon(t)
	h := startServer(t, harnessOpts{rconAddr: rc.ln.Addr().String()})
	c, err := h.dial(t, nil, false)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Quit()

	err = c.Login(testUser, "wrong")
	if err == nil {
		t.Fatalf("expected login failure")
	}
	if !strings.Contains(err.Error(), "530") && !strings.Contains(err.Error(), "invalid credentials") {
		t.Fatalf("unexpected login error %v", err)
	}
	if err := c.Stor("x.jar", strings.NewReader("x")); err == nil {
		t.Fatalf("expected STOR to fail after rejected login")
	}
	if entries, _ := os.ReadDir(h.target); len(entries) != 0 {
		t.Fatalf("target directory modified: %v", entries)
	}
}

// TestRepeatedFailuresBlockAddress refuses an address after max failures.
func TestRepeatedFailuresBlockAddress(t *testing.T) {
	rc := startFakeRcon(t)
	h := startServer(t, harnessOpts{rconAddr: rc.ln.Addr().String(), maxFailures: 2})
	for i := 0; i < 2; i++ {
		c, err := h.dial(t, nil, false)
		if err != nil {
			t.Fatalf("Dial #%d: %v", i, err)
		}
		if err := c.Login(testUser, "wrong"); err == nil {
			t.Fatalf("expected login failure")
		}
		_ = c.Quit()
	}
	c, err := h.dial(t, nil, false)
	if err == nil {
		defer c.Quit()
		err = c.Login(testUser, testPassword)
	}
	if err == nil {
		t.Fatalf("expected blocked address to be refused")
	}
}

// TestUnreachableRconKeepsSession acknowledges the upload and keeps the session usable.
func TestUnreachableRconKeepsSession(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	closed := ln.Addr().String()
	_ = ln.Close()

	h := startServer(t, harnessOpts{rconAddr: closed})
	c := h.login(t)
	start := time.Now()
	if err := c.Stor("cool-plugin.zip", bytes.NewReader(pluginZip(t, "name: CoolPlugin\n"))); err != nil {
		t.Fatalf("Stor: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("upload blocked for %v", time.Since(start))
	}
	if err := c.Stor("second.txt", strings.NewReader("still here")); err != nil {
		t.Fatalf("second Stor: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.target, "second.txt")); err != nil {
		t.Fatalf("second upload not stored: %v", err)
	}
}

// TestTraversalUploadLandsInTarget strips directories from STOR paths.
func TestTraversalUploadLandsInTarget(t *testing.T) {
	rc := startFakeRcon(t)
	h := startServer(t, harnessOpts{rconAddr: rc.ln.Addr().String()})
	c := h.login(t)
	if err := c.Stor("../../escape.txt", strings.NewReader("x")); err != nil {
		t.Fatalf("Stor: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.target, "escape.txt")); err != nil {
		t.Fatalf("expected file inside target: %v", err)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(filepath.Dir(h.target)), "escape.txt")); !os.IsNotExist(err) {
		t.Fatalf("file escaped the target directory")
	}
}

// TestCertificateLogin authenticates with the uploader certificate alone.
func TestCertificateLogin(t *testing.T) {
	rc := startFakeRcon(t)
	h := startServer(t, harnessOpts{rconAddr: rc.ln.Addr().String(), authMode: AuthCertificate})

	c, err := h.dial(t, h.ids.ClientTLSConfig("localhost"), false)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Quit()
	if err := c.Login(testUser, "ignored"); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := c.Stor("cert.zip", bytes.NewReader(pluginZip(t, "name: CertPlugin\n"))); err != nil {
		t.Fatalf("Stor: %v", err)
	}
	if cmds := rc.commands(); len(cmds) != 1 || !strings.Contains(cmds[0], "CertPlugin") {
		t.Fatalf("unexpected rcon commands %v", cmds)
	}

	// Without a client certificate the handshake or login must fail.
	c2, err := h.dial(t, nil, false)
	if err == nil {
		defer c2.Quit()
		err = c2.Login(testUser, testPassword)
	}
	if err == nil {
		t.Fatalf("expected login without certificate to fail")
	}
}

// TestImplicitTLS serves TLS from the first byte.
func TestImplicitTLS(t *testing.T) {
	rc := startFakeRcon(t)
	h := startServer(t, harnessOpts{rconAddr: rc.ln.Addr().String(), mode: ModeImplicit})
	cfg := &tls.Config{RootCAs: h.ids.Pool(), ServerName: "localhost", MinVersion: tls.VersionTLS12}
	c, err := h.dial(t, cfg, true)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Quit()
	if err := c.Login(testUser, testPassword); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := c.Stor("implicit.zip", bytes.NewReader(pluginZip(t, "name: Implicit\n"))); err != nil {
		t.Fatalf("Stor: %v", err)
	}
	if cmds := rc.commands(); len(cmds) != 1 || !strings.Contains(cmds[0], "Implicit") {
		t.Fatalf("unexpected rcon commands %v", cmds)
	}
}

// TestAllowedNetworksRefuseOthers drops connections from unlisted addresses.
func TestAllowedNetworksRefuseOthers(t *testing.T) {
	rc := startFakeRcon(t)
	h := startServer(t, harnessOpts{rconAddr: rc.ln.Addr().String(), allowed: []string{"10.0.0.0/8"}})
	c, err := h.dial(t, nil, false)
	if err == nil {
		defer c.Quit()
		err = c.Login(testUser, testPassword)
	}
	if err == nil {
		t.Fatalf("expected loopback client to be refused")
	}

	h = startServer(t, harnessOpts{rconAddr: rc.ln.Addr().String(), allowed: []string{"127.0.0.1"}})
	h.login(t)
}

// rawLogin opens a control connection by hand so the test can issue PASV
// without consuming the data port.
func (h *harness) rawLogin(t *testing.T) *textproto.Conn {
	t.Helper()
	nc, err := net.DialTimeout("tcp", h.addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = nc.Close() })
	_ = nc.SetDeadline(time.Now().Add(20 * time.Second))

	tp := textproto.NewConn(nc)
	if code, msg, err := tp.ReadResponse(220); err != nil {
		t.Fatalf("banner: %d %s: %v", code, msg, err)
	}
	rawCmd(t, tp, 234, "AUTH TLS")
	tc := tls.Client(nc, &tls.Config{RootCAs: h.ids.Pool(), ServerName: "localhost", MinVersion: tls.VersionTLS12})
	tp = textproto.NewConn(tc)
	rawCmd(t, tp, 331, "USER %s", testUser)
	rawCmd(t, tp, 230, "PASS %s", testPassword)
	rawCmd(t, tp, 200, "PBSZ 0")
	rawCmd(t, tp, 200, "PROT P")
	return tp
}

// rawCmd sends one command and requires a reply matching want; a single
// digit matches the whole reply class.
func rawCmd(t *testing.T, tp *textproto.Conn, want int, format string, args ...any) (int, string) {
	t.Helper()
	id, err := tp.Cmd(format, args...)
	if err != nil {
		t.Fatalf("%s: %v", strings.Fields(format)[0], err)
	}
	tp.StartResponse(id)
	defer tp.EndResponse(id)
	code, msg, err := tp.ReadResponse(want)
	if err != nil {
		t.Fatalf("%s: got %d %s: %v", strings.Fields(format)[0], code, msg, err)
	}
	return code, msg
}

// TestPassivePortsExhausted answers a transient error when the only data
// port is held by another session and keeps the session usable.
func TestPassivePortsExhausted(t *testing.T) {
	free, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := free.Addr().(*net.TCPAddr).Port
	_ = free.Close()

	h := startServer(t, harnessOpts{passive: &ftp.PortRange{Start: port, End: port}})

	holder := h.rawLogin(t)
	rawCmd(t, holder, 227, "PASV")

	other := h.rawLogin(t)
	code, msg := rawCmd(t, other, 4, "PASV")
	t.Logf("exhausted reply: %d %s", code, msg)
	rawCmd(t, other, 200, "NOOP")
	rawCmd(t, other, 257, "PWD")
}
