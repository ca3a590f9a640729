package ingest

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Angulorecto/LiveUpdater/internal/fsutil"
	"github.com/Angulorecto/LiveUpdater/internal/logging"
)

type commitRecord struct {
	path string
	size int64
}

func newTestFS(t *testing.T) (*uploadFS, string, *[]commitRecord) {
	t.Helper()
	root := t.TempDir()
	sess := newSession("1", "127.0.0.1:1", logging.Discard())
	for _, e := range []Event{EventUser, EventAuthSuccess} {
		if err := sess.fire(e); err != nil {
			t.Fatalf("fire: %v", err)
		}
	}
	var commits []commitRecord
	fs := newUploadFS(root, sess, func(p string, n int64) {
		commits = append(commits, commitRecord{path: p, size: n})
	})
	return fs, root, &commits
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// TestUploadCommitsAtomically publishes the file only on Close.
func TestUploadCommitsAtomically(t *testing.T) {
	fs, root, commits := newTestFS(t)
	f, err := fs.OpenFile("/cool-plugin.zip", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := io.Copy(f, strings.NewReader("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "cool-plugin.zip")); !os.IsNotExist(err) {
		t.Fatalf("file visible before close: %v", err)
	}
	if fs.sess.current() != StateTransferring {
		t.Fatalf("state = %s", fs.sess.current())
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b, err := os.ReadFile(filepath.Join(root, "cool-plugin.zip"))
	if err != nil || string(b) != "payload" {
		t.Fatalf("unexpected content %q %v", b, err)
	}
	if names := listDir(t, root); len(names) != 1 {
		t.Fatalf("temp file left behind: %v", names)
	}
	if len(*commits) != 1 || (*commits)[0].size != 7 {
		t.Fatalf("unexpected commits %+v", *commits)
	}
	if fs.sess.current() != StateIdle {
		t.Fatalf("state = %s", fs.sess.current())
	}
}

// TestUploadTransferErrorDiscards removes the temp file after a failed transfer.
func TestUploadTransferErrorDiscards(t *testing.T) {
	fs, root, commits := newTestFS(t)
	f, err := fs.Create("broken.jar")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, _ = f.Write([]byte("partial"))
	f.(*uploadFile).TransferError(errors.New("connection reset"))
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if names := listDir(t, root); len(names) != 0 {
		t.Fatalf("expected empty directory, got %v", names)
	}
	if len(*commits) != 0 {
		t.Fatalf("aborted upload must not commit")
	}
	// The session can retry.
	f, err = fs.Create("broken.jar")
	if err != nil {
		t.Fatalf("retry Create: %v", err)
	}
	_ = f.Close()
}

// TestUploadWithoutDataKeepsPrevious leaves a deployed file alone when a
// transfer closes before any byte arrived.
func TestUploadWithoutDataKeepsPrevious(t *testing.T) {
	fs, root, commits := newTestFS(t)
	deployed := filepath.Join(root, "CoolPlugin.jar")
	if err := os.WriteFile(deployed, []byte("previous build"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := fs.OpenFile("CoolPlugin.jar", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := f.Close(); !errors.Is(err, errEmptyUpload) {
		t.Fatalf("expected errEmptyUpload, got %v", err)
	}
	got, err := os.ReadFile(deployed)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "previous build" {
		t.Fatalf("deployed file replaced with %q", got)
	}
	if names := listDir(t, root); len(names) != 1 {
		t.Fatalf("temp file left behind: %v", names)
	}
	if len(*commits) != 0 {
		t.Fatalf("commit hook ran for an empty transfer")
	}
	if st := fs.sess.current(); st != StateIdle {
		t.Fatalf("session state = %v", st)
	}
}

// TestUploadTraversalStaysInRoot strips directories from the client path.
func TestUploadTraversalStaysInRoot(t *testing.T) {
	fs, root, _ := newTestFS(t)
	for _, p := range []string{"../../evil.jar", "/etc/evil.jar", `..\..\evil.jar`, "sub/dir/evil.jar"} {
		f, err := fs.Create(p)
		if err != nil {
			t.Fatalf("Create(%q): %v", p, err)
		}
		_, _ = f.Write([]byte(p))
		if err := f.Close(); err != nil {
			t.Fatalf("Close(%q): %v", p, err)
		}
		if _, err := os.Stat(filepath.Join(root, "evil.jar")); err != nil {
			t.Fatalf("%q did not land in root: %v", p, err)
		}
	}
	if names := listDir(t, root); len(names) != 1 {
		t.Fatalf("unexpected entries %v", names)
	}
	for _, p := range []string{"..", "/", fsutil.TempPrefix + "x"} {
		if _, err := fs.Create(p); err == nil {
			t.Fatalf("expected %q to be refused", p)
		}
	}
}

// TestUploadRefusesResumeAndReads covers APPE, REST and RETR.
func TestUploadRefusesResumeAndReads(t *testing.T) {
	fs, root, _ := newTestFS(t)
	if _, err := fs.OpenFile("a.jar", os.O_WRONLY|os.O_APPEND, 0o644); !errors.Is(err, errResumeRefused) {
		t.Fatalf("expected append to be refused, got %v", err)
	}
	f, err := fs.Create("a.jar")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := f.Seek(10, io.SeekStart); !errors.Is(err, errResumeRefused) {
		t.Fatalf("expected resume to be refused, got %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	_, _ = f.Write([]byte("x"))
	_ = f.Close()

	if _, err := fs.Open("a.jar"); !errors.Is(err, errDownloadRefused) {
		t.Fatalf("expected download to be refused, got %v", err)
	}
	for name, op := range map[string]func() error{
		"remove": func() error { return fs.Remove("a.jar") },
		"rename": func() error { return fs.Rename("a.jar", "b.jar") },
		"mkdir":  func() error { return fs.Mkdir("d", 0o755) },
	} {
		if err := op(); !errors.Is(err, errReadOnly) {
			t.Fatalf("%s: expected errReadOnly, got %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "a.jar")); err != nil {
		t.Fatalf("a.jar should still exist: %v", err)
	}
}

// TestReadDirHidesTempFiles lists only published uploads.
func TestReadDirHidesTempFiles(t *testing.T) {
	fs, root, _ := newTestFS(t)
	if err := os.WriteFile(filepath.Join(root, "done.jar"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	f, err := fs.Create("pending.jar")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()

	infos, err := fs.ReadDir("/")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(infos) != 1 || infos[0].Name() != "done.jar" {
		t.Fatalf("unexpected listing %v", infos)
	}
	if _, err := fs.Stat("/done.jar"); err != nil {
		t.Fatalf("Stat: %v", err)
	}
	st, err := fs.Stat("/")
	if err != nil || !st.IsDir() {
		t.Fatalf("Stat root: %v", err)
	}
}
