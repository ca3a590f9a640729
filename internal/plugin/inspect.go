// Package plugin identifies uploaded plugin archives and extracts the name
// declared in their manifest.
package plugin

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Angulorecto/LiveUpdater/internal/validate"
)

var (
	// ErrNotArtifact means the file is not a plugin: unknown extension or no
	// manifest at the top level.
	ErrNotArtifact = errors.New("not a plugin artifact")
	// ErrMalformed means the file looks like a plugin but cannot be trusted.
	ErrMalformed = errors.New("malformed plugin artifact")
)

// Defaults used when an Inspector field is left empty.
const (
	DefaultManifest = "plugin.yml"
	DefaultMaxBytes = 64 << 10
)

// DefaultExtensions are the archive suffixes inspected by default.
var DefaultExtensions = []string{".jar", ".zip"}

// Inspector reads the manifest of a plugin archive.
type Inspector struct {
	Extensions []string
	Manifest   string
	MaxBytes   int64
}

// Recognized reports whether name carries one of the configured extensions.
func (in Inspector) Recognized(name string) bool {
	exts := in.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// Inspect returns the plugin name declared by the archive at path.
func (in Inspector) Inspect(path string) (string, error) {
	if !in.Recognized(path) {
		return "", ErrNotArtifact
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", err
	}
	return in.inspect(f, fi.Size())
}

func (in Inspector) inspect(r io.ReaderAt, size int64) (string, error) {
	manifest := in.Manifest
	if manifest == "" {
		manifest = DefaultManifest
	}
	maxBytes := in.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	zr, err := zip.NewReader(r, size)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var entry *zip.File
	for _, zf := range zr.File {
		if zf.Name == manifest {
			entry = zf
			break
		}
	}
	if entry == nil {
		return "", ErrNotArtifact
	}
	if entry.UncompressedSize64 > uint64(maxBytes) {
		return "", fmt.Errorf("%w: %s is %d bytes", ErrMalformed, manifest, entry.UncompressedSize64)
	}

	rc, err := entry.Open()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer rc.Close()
	// The header size is attacker controlled; bound the read as well.
	data, err := io.ReadAll(io.LimitReader(rc, maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if int64(len(data)) > maxBytes {
		return "", fmt.Errorf("%w: %s exceeds %d bytes", ErrMalformed, manifest, maxBytes)
	}
	return parseName(data)
}

func parseName(data []byte) (string, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if doc == nil {
		return "", fmt.Errorf("%w: manifest is not a mapping", ErrMalformed)
	}
	raw, ok := doc["name"]
	if !ok {
		return "", fmt.Errorf("%w: manifest has no name", ErrMalformed)
	}
	name, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: name is %T, not a string", ErrMalformed, raw)
	}
	if err := validate.PluginName(name); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return name, nil
}
