package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// marker records a completed issuance. It is written after every artifact so
// its presence means the set on disk is whole.
type marker struct {
	IssuedAt  time.Time     `yaml:"issued_at"`
	Artifacts []markerEntry `yaml:"artifacts"`
}

type markerEntry struct {
	File   string `yaml:"file"`
	Serial string `yaml:"serial,omitempty"`
	SHA256 string `yaml:"sha256"`
}

var artifactNames = []string{FileRoot, FileServer, FileServerKey, FileUploader, FileUploaderKey}

func readMarker(dir string) (marker, error) {
	var m marker
	b, err := os.ReadFile(filepath.Join(dir, FileMarker))
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return m, err
	}
	if len(m.Artifacts) == 0 {
		return m, errors.New("issuance marker lists no artifacts")
	}
	return m, nil
}

func writeMarker(dir string, m marker) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return err
	}
	return writeFileAtomic(dir, FileMarker, b, 0o644)
}

// matches reports whether every artifact exists and hashes to the recorded
// digest.
func (m marker) matches(dir string) bool {
	want := make(map[string]string, len(m.Artifacts))
	for _, a := range m.Artifacts {
		want[a.File] = a.SHA256
	}
	for _, name := range artifactNames {
		sum, ok := want[name]
		if !ok {
			return false
		}
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil || digest(b) != sum {
			return false
		}
	}
	return true
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
