package identity

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrUnknownPeer is returned by VerifyUploader for certificates that do not
// identify the uploader.
var ErrUnknownPeer = errors.New("peer certificate is not the uploader identity")

// Pool returns a pool holding only the root.
func (s *Set) Pool() *x509.CertPool {
	p := x509.NewCertPool()
	p.AddCert(s.Root)
	return p
}

// ServerTLSConfig builds the ingestion listener configuration. Client
// certificates are verified against the root when presented and required
// when requireClientCert is set.
func (s *Set) ServerTLSConfig(requireClientCert bool) *tls.Config {
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{s.Server},
		ClientCAs:    s.Pool(),
		ClientAuth:   tls.VerifyClientCertIfGiven,
	}
	if requireClientCert {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg
}

// ClientTLSConfig builds an uploader-side configuration trusting only the
// root and presenting the uploader certificate.
func (s *Set) ClientTLSConfig(serverName string) *tls.Config {
	if serverName == "" {
		serverName = "localhost"
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		RootCAs:      s.Pool(),
		Certificates: []tls.Certificate{s.Uploader},
		ServerName:   serverName,
	}
}

// VerifyUploader checks that cert chains to the root with clientAuth usage
// and carries the uploader common name.
func (s *Set) VerifyUploader(cert *x509.Certificate) error {
	if cert == nil {
		return ErrUnknownPeer
	}
	if err := s.verifyLeaf(cert, x509.ExtKeyUsageClientAuth); err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownPeer, err)
	}
	if cert.Subject.CommonName != UploaderCommonName {
		return ErrUnknownPeer
	}
	return nil
}

// Fingerprint is the SHA-256 of the root certificate in hex.
func (s *Set) Fingerprint() string {
	sum := sha256.Sum256(s.Root.Raw)
	return hex.EncodeToString(sum[:])
}

func (s *Set) verifyLeaf(cert *x509.Certificate, usage x509.ExtKeyUsage) error {
	if cert == nil {
		return errors.New("missing certificate")
	}
	if cert.IsCA {
		return errors.New("leaf must not be a CA")
	}
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     s.Pool(),
		KeyUsages: []x509.ExtKeyUsage{usage},
	})
	return err
}
