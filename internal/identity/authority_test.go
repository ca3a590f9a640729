// Package identity tests cover issuance, reuse and chain validation.
package identity

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func ensure(t *testing.T, dir string) *Set {
	t.Helper()
	s, err := Ensure(context.Background(), Options{Dir: dir, Hosts: []string{"ftp.example.test", "10.0.0.5"}})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return s
}

func snapshot(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	out := map[string][]byte{}
	for _, name := range append(append([]string{}, artifactNames...), FileMarker) {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		out[name] = b
	}
	return out
}

// TestEnsureEmptyDirIssuesFullSet writes exactly the five artifacts plus the marker.
func TestEnsureEmptyDirIssuesFullSet(t *testing.T) {
	dir := t.TempDir()
	s := ensure(t, dir)
	if !s.Issued {
		t.Fatalf("expected fresh issuance")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 6 {
		names := []string{}
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected 6 files, got %v", names)
	}
	for _, name := range []string{FileServerKey, FileUploaderKey} {
		st, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if st.Mode().Perm()&0o077 != 0 {
			t.Fatalf("%s has mode %v", name, st.Mode().Perm())
		}
	}
	found := false
	for _, u := range s.Uploader.Leaf.ExtKeyUsage {
		if u == x509.ExtKeyUsageClientAuth {
			found = true
		}
	}
	if !found {
		t.Fatalf("uploader certificate lacks clientAuth")
	}
}

// TestChainValidates checks the root is self-issued and both leaves chain to it.
func TestChainValidates(t *testing.T) {
	s := ensure(t, t.TempDir())
	if !bytes.Equal(s.Root.RawIssuer, s.Root.RawSubject) {
		t.Fatalf("root issuer != subject")
	}
	if !s.Root.IsCA || s.Root.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Fatalf("root lacks CA flags")
	}
	pool := s.Pool()
	if _, err := s.Server.Leaf.Verify(x509.VerifyOptions{Roots: pool, DNSName: "localhost"}); err != nil {
		t.Fatalf("server verify: %v", err)
	}
	if _, err := s.Server.Leaf.Verify(x509.VerifyOptions{Roots: pool, DNSName: "ftp.example.test"}); err != nil {
		t.Fatalf("server verify configured host: %v", err)
	}
	if _, err := s.Uploader.Leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}}); err != nil {
		t.Fatalf("uploader verify: %v", err)
	}
	if s.Server.Leaf.IsCA || s.Uploader.Leaf.IsCA {
		t.Fatalf("leaves must not be CAs")
	}
	serials := map[string]bool{}
	for _, c := range []*x509.Certificate{s.Root, s.Server.Leaf, s.Uploader.Leaf} {
		k := c.SerialNumber.String()
		if serials[k] {
			t.Fatalf("duplicate serial %s", k)
		}
		serials[k] = true
	}
}

// TestEnsureIsIdempotent leaves files byte-identical on the second call.
func TestEnsureIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ensure(t, dir)
	before := snapshot(t, dir)
	s := ensure(t, dir)
	if s.Issued {
		t.Fatalf("expected reuse of existing material")
	}
	after := snapshot(t, dir)
	for name, b := range before {
		if !bytes.Equal(b, after[name]) {
			t.Fatalf("%s changed on second Ensure", name)
		}
	}
}

// TestEnsureReissuesPartialSet regenerates everything when one artifact is missing.
func TestEnsureReissuesPartialSet(t *testing.T) {
	dir := t.TempDir()
	first := ensure(t, dir)
	if err := os.Remove(filepath.Join(dir, FileUploaderKey)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	second := ensure(t, dir)
	if !second.Issued {
		t.Fatalf("expected reissue")
	}
	if first.Root.SerialNumber.Cmp(second.Root.SerialNumber) == 0 {
		t.Fatalf("expected a new root")
	}
	if err := second.VerifyUploader(second.Uploader.Leaf); err != nil {
		t.Fatalf("VerifyUploader: %v", err)
	}
}

// TestEnsureReissuesEditedFile treats a modified certificate like a missing one.
func TestEnsureReissuesEditedFile(t *testing.T) {
	dir := t.TempDir()
	ensure(t, dir)
	p := filepath.Join(dir, FileServer)
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := os.WriteFile(p, append(b, '\n'), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if s := ensure(t, dir); !s.Issued {
		t.Fatalf("expected reissue after edit")
	}
}

// TestEnsureRejectsWeakKeys refuses keys below 2048 bits.
func TestEnsureRejectsWeakKeys(t *testing.T) {
	_, err := Ensure(context.Background(), Options{Dir: t.TempDir(), KeyBits: 1024})
	if !errors.Is(err, ErrIssuance) {
		t.Fatalf("expected ErrIssuance, got %v", err)
	}
}

// TestEnsureUnwritableDir reports ErrIssuance.
func TestEnsureUnwritableDir(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Ensure(context.Background(), Options{Dir: filepath.Join(blocker, "certs")})
	if !errors.Is(err, ErrIssuance) {
		t.Fatalf("expected ErrIssuance, got %v", err)
	}
}

// TestVerifyUploaderRejectsServerLeaf refuses a certificate without clientAuth.
func TestVerifyUploaderRejectsServerLeaf(t *testing.T) {
	s := ensure(t, t.TempDir())
	if err := s.VerifyUploader(s.Server.Leaf); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	other := ensure(t, t.TempDir())
	if err := s.VerifyUploader(other.Uploader.Leaf); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected foreign uploader to be rejected, got %v", err)
	}
}

// TestEnsureExportsUploaderDER keeps a DER copy of the uploader key outside
// the marker and restores it without reissuing.
func TestEnsureExportsUploaderDER(t *testing.T) {
	dir := t.TempDir()
	opt := Options{Dir: dir, ExportDER: true}
	s, err := Ensure(context.Background(), opt)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	derPath := filepath.Join(dir, FileUploaderKeyDER)
	der, err := os.ReadFile(derPath)
	if err != nil {
		t.Fatalf("read der: %v", err)
	}
	key, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		t.Fatalf("ParsePKCS1PrivateKey: %v", err)
	}
	if !key.PublicKey.Equal(s.Uploader.Leaf.PublicKey) {
		t.Fatalf("der key does not match the uploader certificate")
	}
	if st, err := os.Stat(derPath); err != nil || st.Mode().Perm()&0o077 != 0 {
		t.Fatalf("der key mode: %v %v", st, err)
	}
	m, err := readMarker(dir)
	if err != nil {
		t.Fatalf("readMarker: %v", err)
	}
	if len(m.Artifacts) != len(artifactNames) {
		t.Fatalf("marker lists %d artifacts", len(m.Artifacts))
	}

	if err := os.Remove(derPath); err != nil {
		t.Fatalf("remove: %v", err)
	}
	again, err := Ensure(context.Background(), opt)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if again.Issued {
		t.Fatalf("missing der copy must not reissue the set")
	}
	if restored, err := os.ReadFile(derPath); err != nil || !bytes.Equal(restored, der) {
		t.Fatalf("der copy not restored: %v", err)
	}
}
