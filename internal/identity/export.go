package identity

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// FileUploaderKeyDER is the optional PKCS#1 DER copy of the uploader key for
// clients that cannot read PEM. It is derived from uploader-key.pem and is
// not listed in the issuance marker.
const FileUploaderKeyDER = "uploader-key.der"

// exportUploaderDER writes FileUploaderKeyDER when it is missing or does not
// match the current uploader key. It reports whether the file was written.
func exportUploaderDER(dir string, s *Set) (bool, error) {
	key, ok := s.Uploader.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return false, fmt.Errorf("uploader key is %T, not RSA", s.Uploader.PrivateKey)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	if cur, err := os.ReadFile(filepath.Join(dir, FileUploaderKeyDER)); err == nil && bytes.Equal(cur, der) {
		return false, nil
	}
	return true, writeFileAtomic(dir, FileUploaderKeyDER, der, 0o600)
}

func finishSet(opt Options, lg *slog.Logger, s *Set) (*Set, error) {
	if !opt.ExportDER {
		return s, nil
	}
	written, err := exportUploaderDER(opt.Dir, s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIssuance, FileUploaderKeyDER, err)
	}
	if written {
		lg.Info("uploader key exported", "file", FileUploaderKeyDER)
	}
	return s, nil
}
