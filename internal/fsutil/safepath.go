// Package fsutil maps client-supplied upload paths onto the target directory.
package fsutil

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrPathTraversal = errors.New("path escapes root")
	ErrInvalidName   = errors.New("invalid file name")
)

// TempPrefix marks in-flight uploads inside the target directory.
const TempPrefix = ".upload-"

// UploadName reduces a client path to the basename that will be stored.
// Directory segments, including traversal segments, are dropped.
func UploadName(userPath string) (string, error) {
	p := strings.ReplaceAll(userPath, "\\", "/")
	base := path.Base(path.Clean("/" + p))
	switch {
	case base == "/" || base == "." || base == "..":
		return "", ErrInvalidName
	case strings.HasPrefix(base, TempPrefix):
		return "", ErrInvalidName
	case strings.ContainsAny(base, "\x00:"):
		return "", ErrInvalidName
	}
	return base, nil
}

// UploadTarget returns the absolute path an upload of userPath lands on.
func UploadTarget(root, userPath string) (string, error) {
	name, err := UploadName(userPath)
	if err != nil {
		return "", err
	}
	return ResolveWithinRoot(root, name)
}

// ResolveWithinRoot maps a relative path to a local filesystem path under root.
// It rejects any traversal outside root, including via existing symlinks.
func ResolveWithinRoot(root, userPath string) (string, error) {
	if root == "" {
		return "", errors.New("root is required")
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rootAbs = filepath.Clean(rootAbs)

	rel := filepath.FromSlash(strings.TrimLeft(userPath, "/\\"))
	joined := filepath.Clean(filepath.Join(rootAbs, rel))
	if !isWithin(rootAbs, joined) {
		return "", ErrPathTraversal
	}
	if hasSymlinkComponent(rootAbs, joined) {
		return "", ErrPathTraversal
	}
	return joined, nil
}

func hasSymlinkComponent(rootAbs, fullPath string) bool {
	rel, err := filepath.Rel(rootAbs, fullPath)
	if err != nil {
		return true
	}
	if rel == "." {
		return false
	}
	cur := rootAbs
	for _, p := range strings.Split(rel, string(filepath.Separator)) {
		if p == "" || p == "." {
			continue
		}
		cur = filepath.Join(cur, p)
		st, err := os.Lstat(cur)
		if err != nil {
			// Not created yet: nothing to follow.
			return false
		}
		if st.Mode()&os.ModeSymlink != 0 {
			return true
		}
	}
	return false
}

func isWithin(root, candidate string) bool {
	if root == candidate {
		return true
	}
	sep := string(filepath.Separator)
	if !strings.HasSuffix(root, sep) {
		root += sep
	}
	return strings.HasPrefix(candidate, root)
}
