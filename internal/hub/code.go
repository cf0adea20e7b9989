package hub

import (
	"crypto/rand"
	"math/big"
	"strings"
)

// Invite codes skip 0/O and 1/I so they can be read aloud across a table.
const (
	codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeLength  = 6
)

func GenerateCode() (string, error) {
	code := make([]byte, CodeLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			return "", err
		}
		code[i] = codeCharset[num.Int64()]
	}
	return string(code), nil
}

// NormalizeCode accepts codes typed in any case with stray whitespace.
func NormalizeCode(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(codeCharset, code[i]) < 0 {
			return false
		}
	}
	return true
}
