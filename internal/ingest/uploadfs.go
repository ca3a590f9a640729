package ingest

import (
	"errors"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Angulorecto/LiveUpdater/internal/fsutil"
)

var (
	errReadOnly        = errors.New("operation not permitted on the upload directory")
	errResumeRefused   = errors.New("resume and append are not supported")
	errDownloadRefused = errors.New("downloads are not supported")
	errEmptyUpload     = errors.New("no data received")
)

// commitFunc is called after an upload has been renamed into place.
type commitFunc func(finalPath string, size int64)

// uploadFS is the per-session view of the target directory: a flat,
// write-only drop box. Every write lands in a temp file that is renamed over
// the final name on a successful close.
type uploadFS struct {
	root     string
	osfs     afero.Fs
	sess     *session
	onCommit commitFunc
}

func newUploadFS(root string, sess *session, onCommit commitFunc) *uploadFS {
	return &uploadFS{root: root, osfs: afero.NewOsFs(), sess: sess, onCommit: onCommit}
}

func (f *uploadFS) Create(name string) (afero.File, error) {
	return f.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

func (f *uploadFS) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return f.Open(name)
	}
	if flag&os.O_APPEND != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: errResumeRefused}
	}
	target, err := fsutil.UploadTarget(f.root, name)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	if err := f.sess.fire(EventTransferStart); err != nil {
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	tmp, err := afero.TempFile(f.osfs, f.root, fsutil.TempPrefix+"*")
	if err != nil {
		_ = f.sess.fire(EventTransferEnd)
		return nil, err
	}
	f.sess.lg.Debug("upload started", "file", path.Base(target), "temp", tmp.Name())
	return &uploadFile{File: tmp, fs: f, target: target, name: path.Base(target)}, nil
}

// Open only serves the root directory listing.
func (f *uploadFS) Open(name string) (afero.File, error) {
	p, err := f.local(name)
	if err != nil {
		return nil, err
	}
	st, err := f.osfs.Stat(p)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() || p != f.rootPath() {
		return nil, &os.PathError{Op: "open", Path: name, Err: errDownloadRefused}
	}
	return f.osfs.Open(p)
}

// ReadDir lists the target directory without in-flight temp files.
func (f *uploadFS) ReadDir(name string) ([]os.FileInfo, error) {
	p, err := f.local(name)
	if err != nil {
		return nil, err
	}
	if p != f.rootPath() {
		return nil, &os.PathError{Op: "readdir", Path: name, Err: os.ErrNotExist}
	}
	infos, err := afero.ReadDir(f.osfs, p)
	if err != nil {
		return nil, err
	}
	out := infos[:0]
	for _, fi := range infos {
		if strings.HasPrefix(fi.Name(), fsutil.TempPrefix) {
			continue
		}
		out = append(out, fi)
	}
	return out, nil
}

func (f *uploadFS) Stat(name string) (os.FileInfo, error) {
	p, err := f.local(name)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(path.Base(p), fsutil.TempPrefix) {
		return nil, &os.PathError{Op: "stat", Path: name, Err: os.ErrNotExist}
	}
	return f.osfs.Stat(p)
}

func (f *uploadFS) Name() string { return "uploadfs" }

func (f *uploadFS) Mkdir(name string, _ os.FileMode) error {
	return &os.PathError{Op: "mkdir", Path: name, Err: errReadOnly}
}

func (f *uploadFS) MkdirAll(name string, _ os.FileMode) error {
	return &os.PathError{Op: "mkdir", Path: name, Err: errReadOnly}
}

func (f *uploadFS) Remove(name string) error {
	return &os.PathError{Op: "remove", Path: name, Err: errReadOnly}
}

func (f *uploadFS) RemoveAll(name string) error {
	return &os.PathError{Op: "remove", Path: name, Err: errReadOnly}
}

func (f *uploadFS) Rename(oldname, _ string) error {
	return &os.PathError{Op: "rename", Path: oldname, Err: errReadOnly}
}

func (f *uploadFS) Chmod(name string, _ os.FileMode) error {
	return &os.PathError{Op: "chmod", Path: name, Err: errReadOnly}
}

func (f *uploadFS) Chown(name string, _, _ int) error {
	return &os.PathError{Op: "chown", Path: name, Err: errReadOnly}
}

func (f *uploadFS) Chtimes(name string, _, _ time.Time) error {
	return &os.PathError{Op: "chtimes", Path: name, Err: errReadOnly}
}

func (f *uploadFS) rootPath() string {
	p, _ := fsutil.ResolveWithinRoot(f.root, "/")
	return p
}

func (f *uploadFS) local(name string) (string, error) {
	return fsutil.ResolveWithinRoot(f.root, name)
}

// uploadFile streams into a temp file and publishes it on Close.
type uploadFile struct {
	afero.File
	fs      *uploadFS
	target  string
	name    string
	written int64
	failed  error
	closed  bool
}

func (u *uploadFile) Name() string { return u.name }

func (u *uploadFile) Write(p []byte) (int, error) {
	n, err := u.File.Write(p)
	u.written += int64(n)
	return n, err
}

func (u *uploadFile) WriteString(s string) (int, error) {
	return u.Write([]byte(s))
}

func (u *uploadFile) WriteAt([]byte, int64) (int, error) {
	return 0, errResumeRefused
}

// Seek allows only a rewind to the start, which is what a fresh STOR does.
func (u *uploadFile) Seek(offset int64, whence int) (int64, error) {
	if offset == 0 && (whence == io.SeekStart || (whence == io.SeekCurrent && u.written == 0)) {
		return 0, nil
	}
	return 0, errResumeRefused
}

func (u *uploadFile) Read([]byte) (int, error) {
	return 0, errDownloadRefused
}

func (u *uploadFile) ReadAt([]byte, int64) (int, error) {
	return 0, errDownloadRefused
}

func (u *uploadFile) Truncate(size int64) error {
	if size == u.written {
		return nil
	}
	return errResumeRefused
}

// TransferError is called by the FTP server when the data transfer failed;
// the following Close then discards the temp file.
func (u *uploadFile) TransferError(err error) {
	u.failed = err
}

// Close publishes the upload: fsync, close, rename over the final name and
// run the commit hook. On any failure the temp file is removed.
//
// A close with no bytes written is discarded: the server also closes the
// file when the data connection never opened, without a TransferError.
func (u *uploadFile) Close() error {
	if u.closed {
		return nil
	}
	u.closed = true
	tmpPath := u.File.Name()
	lg := u.fs.sess.lg.With("file", u.name)
	defer func() { _ = u.fs.sess.fire(EventTransferEnd) }()

	if u.failed != nil {
		_ = u.File.Close()
		_ = u.fs.osfs.Remove(tmpPath)
		lg.Warn("upload aborted", "err", u.failed, "bytes", u.written)
		return nil
	}
	if u.written == 0 {
		_ = u.File.Close()
		_ = u.fs.osfs.Remove(tmpPath)
		lg.Warn("upload discarded, no data received")
		return errEmptyUpload
	}
	if err := u.commit(tmpPath); err != nil {
		_ = u.fs.osfs.Remove(tmpPath)
		lg.Error("upload not committed", "err", err)
		return err
	}
	lg.Info("upload committed", "bytes", u.written)
	if u.fs.onCommit != nil {
		u.fs.onCommit(u.target, u.written)
	}
	return nil
}

func (u *uploadFile) commit(tmpPath string) error {
	if err := u.File.Sync(); err != nil {
		_ = u.File.Close()
		return err
	}
	if err := u.File.Close(); err != nil {
		return err
	}
	if err := u.fs.osfs.Chmod(tmpPath, 0o644); err != nil {
		return err
	}
	// Re-check the destination right before publishing it.
	if _, err := fsutil.ResolveWithinRoot(u.fs.root, u.name); err != nil {
		return err
	}
	return u.fs.osfs.Rename(tmpPath, u.target)
}
