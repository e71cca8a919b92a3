// Package sessioncode generates and checks the short codes participants share
// to meet in a session. The relay does not enforce this format.
package sessioncode

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"
)

const (
	Length   = 6
	alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// Generate returns a fresh upper-cased base-36 code.
func Generate() (string, error) {
	code := make([]byte, Length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		code[i] = alphabet[n.Int64()]
	}
	return strings.ToUpper(string(code)), nil
}

// Valid reports whether code is exactly six characters from [A-Z0-9].
func Valid(code string) bool {
	return codePattern.MatchString(code)
}

// Normalize upper-cases user input and drops anything outside [A-Z0-9].
func Normalize(input string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(input) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
