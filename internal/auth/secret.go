package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// secretAlphabet avoids characters that a properties file or a shell
// would treat specially.
const secretAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"

// MinSecretLength is the shortest secret GenerateSecret will produce.
const MinSecretLength = 16

// GenerateSecret returns n characters drawn uniformly from an unambiguous
// alphanumeric alphabet. It is used for the generated RCON password.
func GenerateSecret(n int) (string, error) {
	if n < MinSecretLength {
		return "", fmt.Errorf("secret length %d is below %d", n, MinSecretLength)
	}
	limit := big.NewInt(int64(len(secretAlphabet)))
	out := make([]byte, n)
	for i := range out {
		v, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", err
		}
		out[i] = secretAlphabet[v.Int64()]
	}
	return string(out), nil
}
