// Package auth verifies the single uploader credential accepted by the
// ingestion service.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 4,
		SaltLen:     16,
		KeyLen:      32,
	}
}

// dummyHash is verified against when the username is wrong so that a bad
// username costs the same as a bad password.
var dummyHash = mustHash("liveupdater-dummy")

// HashPassword returns a PHC-style Argon2id string.
// Format: argon2id$v=19$m=65536,t=3,p=4$<salt_b64>$<hash_b64>
func HashPassword(password string, p Argon2Params) (string, error) {
	if password == "" {
		return "", errors.New("password is required")
	}
	salt := make([]byte, p.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	h := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, p.KeyLen)
	enc := base64.RawStdEncoding
	return fmt.Sprintf(
		"argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.Memory,
		p.Iterations,
		p.Parallelism,
		enc.EncodeToString(salt),
		enc.EncodeToString(h),
	), nil
}

// VerifyPassword checks password against an encoded Argon2id hash.
func VerifyPassword(password, encoded string) (bool, error) {
	if password == "" || encoded == "" {
		return false, nil
	}
	p, salt, want, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, p.Iterations, p.Memory, p.Parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// DummyVerify burns the same work as a real verification.
func DummyVerify(password string) {
	_, _ = VerifyPassword(password+"x", dummyHash)
}

// Credential is the configured uploader identity.
type Credential struct {
	Username string
	// PassHash is an Argon2id PHC string.
	PassHash string
}

// NewCredential builds a Credential from either a PHC hash or a plain
// password, hashing the latter.
func NewCredential(username, passHash, password string) (Credential, error) {
	if username == "" {
		return Credential{}, errors.New("username is required")
	}
	if passHash != "" {
		if _, _, _, err := parsePHC(passHash); err != nil {
			return Credential{}, err
		}
		return Credential{Username: username, PassHash: passHash}, nil
	}
	h, err := HashPassword(password, DefaultArgon2Params())
	if err != nil {
		return Credential{}, err
	}
	return Credential{Username: username, PassHash: h}, nil
}

// Check reports whether user/pass match the credential. Both branches do
// the same amount of hashing work.
func (c Credential) Check(user, pass string) bool {
	if subtle.ConstantTimeCompare([]byte(user), []byte(c.Username)) != 1 {
		DummyVerify(pass)
		return false
	}
	ok, err := VerifyPassword(pass, c.PassHash)
	return err == nil && ok
}

// MatchesUser compares only the username.
func (c Credential) MatchesUser(user string) bool {
	return subtle.ConstantTimeCompare([]byte(user), []byte(c.Username)) == 1
}

func mustHash(pw string) string {
	h, err := HashPassword(pw, DefaultArgon2Params())
	if err != nil {
		panic(err)
	}
	return h
}

func parsePHC(s string) (Argon2Params, []byte, []byte, error) {
	// argon2id$v=19$m=65536,t=3,p=4$<salt>$<hash>
	parts := strings.Split(s, "$")
	if len(parts) != 5 {
		return Argon2Params{}, nil, nil, errors.New("invalid password hash format")
	}
	if parts[0] != "argon2id" {
		return Argon2Params{}, nil, nil, errors.New("unsupported password hash algorithm")
	}
	ver, err := strconv.Atoi(strings.TrimPrefix(parts[1], "v="))
	if err != nil || !strings.HasPrefix(parts[1], "v=") || ver != argon2.Version {
		return Argon2Params{}, nil, nil, errors.New("unsupported argon2 version")
	}

	var p Argon2Params
	for _, kv := range strings.Split(parts[2], ",") {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return Argon2Params{}, nil, nil, errors.New("invalid argon2 parameters")
		}
		switch key {
		case "m":
			v, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return Argon2Params{}, nil, nil, errors.New("invalid argon2 memory")
			}
			p.Memory = uint32(v)
		case "t":
			v, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return Argon2Params{}, nil, nil, errors.New("invalid argon2 iterations")
			}
			p.Iterations = uint32(v)
		case "p":
			v, err := strconv.ParseUint(val, 10, 8)
			if err != nil {
				return Argon2Params{}, nil, nil, errors.New("invalid argon2 parallelism")
			}
			p.Parallelism = uint8(v)
		default:
			return Argon2Params{}, nil, nil, errors.New("unknown argon2 parameter")
		}
	}

	enc := base64.RawStdEncoding
	salt, err := enc.DecodeString(parts[3])
	if err != nil {
		return Argon2Params{}, nil, nil, errors.New("invalid argon2 salt")
	}
	hash, err := enc.DecodeString(parts[4])
	if err != nil || len(hash) < 16 {
		return Argon2Params{}, nil, nil, errors.New("invalid argon2 hash")
	}
	return p, salt, hash, nil
}
