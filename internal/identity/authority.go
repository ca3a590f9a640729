// Package identity issues and loads the certificate authority used by the
// ingestion service: a self-signed root, a server leaf and an uploader leaf.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/Angulorecto/LiveUpdater/internal/logging"
)

// ErrIssuance is returned when the identity set cannot be generated or
// persisted. The daemon must not start listening after it.
var ErrIssuance = errors.New("identity issuance failed")

// File names inside the certificate directory.
const (
	FileRoot        = "ca.pem"
	FileServer      = "server.pem"
	FileServerKey   = "server-key.pem"
	FileUploader    = "uploader.pem"
	FileUploaderKey = "uploader-key.pem"
	FileMarker      = "issuance.yaml"
)

// Common names of the issued certificates.
const (
	RootCommonName     = "LiveUpdater Root CA"
	ServerCommonName   = "liveupdater-server"
	UploaderCommonName = "liveupdater-uploader"
)

// MinKeyBits is the smallest accepted RSA modulus.
const MinKeyBits = 2048

// Options controls issuance.
type Options struct {
	Dir          string
	KeyBits      int
	Validity     time.Duration
	Organization string
	// Hosts are extra DNS names or IP literals for the server certificate.
	Hosts  []string
	Logger *slog.Logger
	// Now is used for certificate validity; defaults to time.Now.
	Now func() time.Time
	// ExportDER also keeps FileUploaderKeyDER next to the PEM key.
	ExportDER bool
}

// Set is the loaded identity material.
type Set struct {
	Root    *x509.Certificate
	RootPEM []byte

	Server       tls.Certificate
	ServerPEM    []byte
	ServerKeyPEM []byte

	Uploader       tls.Certificate
	UploaderPEM    []byte
	UploaderKeyPEM []byte

	// Issued is true when this call generated the material.
	Issued bool
}

// Ensure returns the identity set in opt.Dir, generating a complete new set
// unless the issuance marker matches every artifact on disk.
func Ensure(ctx context.Context, opt Options) (*Set, error) {
	if opt.Dir == "" {
		return nil, fmt.Errorf("%w: certificate directory is required", ErrIssuance)
	}
	if opt.KeyBits == 0 {
		opt.KeyBits = MinKeyBits
	}
	if opt.KeyBits < MinKeyBits {
		return nil, fmt.Errorf("%w: key size %d is below %d bits", ErrIssuance, opt.KeyBits, MinKeyBits)
	}
	if opt.Validity <= 0 {
		opt.Validity = 3650 * 24 * time.Hour
	}
	if opt.Organization == "" {
		opt.Organization = "LiveUpdater"
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	lg := logging.Component(opt.Logger, "identity")

	if m, err := readMarker(opt.Dir); err == nil && m.matches(opt.Dir) {
		s, err := loadSet(opt.Dir)
		if err == nil {
			lg.Debug("identity material up to date", "dir", opt.Dir, "issued_at", m.IssuedAt)
			return finishSet(opt, lg, s)
		}
		lg.Warn("identity material unreadable, reissuing", "err", err)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		lg.Warn("issuance marker unreadable, reissuing", "err", err)
	}

	if err := os.MkdirAll(opt.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	files, serials, err := generate(ctx, opt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	if err := persist(opt.Dir, files, serials, opt.Now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuance, err)
	}
	s, err := loadSet(opt.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reload: %v", ErrIssuance, err)
	}
	s.Issued = true
	lg.Info("identity issued",
		"dir", opt.Dir,
		"root_serial", s.Root.SerialNumber.Text(16),
		"not_after", s.Root.NotAfter.Format(time.RFC3339),
	)
	return finishSet(opt, lg, s)
}

// artifact is one file of the set in write order.
type artifact struct {
	name string
	data []byte
	perm os.FileMode
}

func generate(ctx context.Context, opt Options) ([]artifact, map[string]string, error) {
	serials := newSerialSource()
	now := opt.Now()
	notBefore := now.Add(-5 * time.Minute)
	notAfter := now.Add(opt.Validity)

	rootKey, err := rsa.GenerateKey(rand.Reader, opt.KeyBits)
	if err != nil {
		return nil, nil, err
	}
	rootSerial, err := serials.next()
	if err != nil {
		return nil, nil, err
	}
	rootTmpl := &x509.Certificate{
		SerialNumber: rootSerial,
		Subject: pkix.Name{
			CommonName:   RootCommonName,
			Organization: []string{opt.Organization},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		return nil, nil, fmt.Errorf("root certificate: %w", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return nil, nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	dns, ips := serverNames(opt.Hosts)
	serverCert, serverKey, err := issueLeaf(opt, serials, root, rootKey, leafSpec{
		commonName: ServerCommonName,
		usage:      x509.ExtKeyUsageServerAuth,
		dnsNames:   dns,
		ips:        ips,
	}, notBefore, notAfter)
	if err != nil {
		return nil, nil, fmt.Errorf("server certificate: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	uploaderCert, uploaderKey, err := issueLeaf(opt, serials, root, rootKey, leafSpec{
		commonName: UploaderCommonName,
		usage:      x509.ExtKeyUsageClientAuth,
	}, notBefore, notAfter)
	if err != nil {
		return nil, nil, fmt.Errorf("uploader certificate: %w", err)
	}

	files := []artifact{
		{name: FileRoot, data: encodeCert(rootDER), perm: 0o644},
		{name: FileServer, data: serverCert.pem, perm: 0o644},
		{name: FileServerKey, data: serverKey, perm: 0o600},
		{name: FileUploader, data: uploaderCert.pem, perm: 0o644},
		{name: FileUploaderKey, data: uploaderKey, perm: 0o600},
	}
	return files, map[string]string{
		FileRoot:     rootSerial.Text(16),
		FileServer:   serverCert.serial,
		FileUploader: uploaderCert.serial,
	}, nil
}

type leafSpec struct {
	commonName string
	usage      x509.ExtKeyUsage
	dnsNames   []string
	ips        []net.IP
}

type issuedCert struct {
	pem    []byte
	serial string
}

func issueLeaf(opt Options, serials *serialSource, root *x509.Certificate, rootKey *rsa.PrivateKey, spec leafSpec, notBefore, notAfter time.Time) (issuedCert, []byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, opt.KeyBits)
	if err != nil {
		return issuedCert{}, nil, err
	}
	serial, err := serials.next()
	if err != nil {
		return issuedCert{}, nil, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   spec.commonName,
			Organization: []string{opt.Organization},
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{spec.usage},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              spec.dnsNames,
		IPAddresses:           spec.ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, root, &key.PublicKey, rootKey)
	if err != nil {
		return issuedCert{}, nil, err
	}
	keyPEM, err := encodeKey(key)
	if err != nil {
		return issuedCert{}, nil, err
	}
	return issuedCert{pem: encodeCert(der), serial: serial.Text(16)}, keyPEM, nil
}

// serverNames splits configured hosts into SANs. localhost and 127.0.0.1 are
// always present.
func serverNames(hosts []string) ([]string, []net.IP) {
	dns := []string{"localhost"}
	ips := []net.IP{net.IPv4(127, 0, 0, 1)}
	seen := map[string]bool{"localhost": true, "127.0.0.1": true}
	for _, h := range hosts {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
			continue
		}
		dns = append(dns, h)
	}
	return dns, ips
}

// serialSource hands out random positive 128-bit serials, never the same one
// twice.
type serialSource struct {
	seen map[string]bool
	max  *big.Int
}

func newSerialSource() *serialSource {
	return &serialSource{seen: map[string]bool{}, max: new(big.Int).Lsh(big.NewInt(1), 128)}
}

func (s *serialSource) next() (*big.Int, error) {
	for {
		n, err := rand.Int(rand.Reader, s.max)
		if err != nil {
			return nil, err
		}
		if n.Sign() == 0 {
			continue
		}
		k := n.Text(16)
		if s.seen[k] {
			continue
		}
		s.seen[k] = true
		return n, nil
	}
}

func encodeCert(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func encodeKey(key *rsa.PrivateKey) ([]byte, error) {
	b, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: b}), nil
}

// persist writes every artifact with temp-then-rename and the marker last.
func persist(dir string, files []artifact, serials map[string]string, issuedAt time.Time) error {
	m := marker{IssuedAt: issuedAt.UTC().Truncate(time.Second)}
	for _, f := range files {
		if err := writeFileAtomic(dir, f.name, f.data, f.perm); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
		m.Artifacts = append(m.Artifacts, markerEntry{
			File:   f.name,
			Serial: serials[f.name],
			SHA256: digest(f.data),
		})
	}
	return writeMarker(dir, m)
}

func writeFileAtomic(dir, name string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return err
	}
	ok = true
	return nil
}

// loadSet parses the five artifacts and checks the chain.
func loadSet(dir string) (*Set, error) {
	read := func(name string) ([]byte, error) {
		return os.ReadFile(filepath.Join(dir, name))
	}
	s := &Set{}
	var err error
	if s.RootPEM, err = read(FileRoot); err != nil {
		return nil, err
	}
	if s.ServerPEM, err = read(FileServer); err != nil {
		return nil, err
	}
	if s.ServerKeyPEM, err = read(FileServerKey); err != nil {
		return nil, err
	}
	if s.UploaderPEM, err = read(FileUploader); err != nil {
		return nil, err
	}
	if s.UploaderKeyPEM, err = read(FileUploaderKey); err != nil {
		return nil, err
	}

	blk, _ := pem.Decode(s.RootPEM)
	if blk == nil || blk.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s: no certificate block", FileRoot)
	}
	if s.Root, err = x509.ParseCertificate(blk.Bytes); err != nil {
		return nil, fmt.Errorf("%s: %w", FileRoot, err)
	}
	if !s.Root.IsCA {
		return nil, fmt.Errorf("%s: not a CA certificate", FileRoot)
	}
	if s.Server, err = keyPair(s.ServerPEM, s.ServerKeyPEM); err != nil {
		return nil, fmt.Errorf("%s: %w", FileServer, err)
	}
	if s.Uploader, err = keyPair(s.UploaderPEM, s.UploaderKeyPEM); err != nil {
		return nil, fmt.Errorf("%s: %w", FileUploader, err)
	}
	if err := s.verifyLeaf(s.Server.Leaf, x509.ExtKeyUsageServerAuth); err != nil {
		return nil, fmt.Errorf("%s: %w", FileServer, err)
	}
	if err := s.verifyLeaf(s.Uploader.Leaf, x509.ExtKeyUsageClientAuth); err != nil {
		return nil, fmt.Errorf("%s: %w", FileUploader, err)
	}
	return s, nil
}

func keyPair(certPEM, keyPEM []byte) (tls.Certificate, error) {
	c, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, err
	}
	if c.Leaf == nil {
		if c.Leaf, err = x509.ParseCertificate(c.Certificate[0]); err != nil {
			return tls.Certificate{}, err
		}
	}
	return c, nil
}
