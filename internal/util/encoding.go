package util

import (
	"encoding/hex"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var emailFolder = cases.Fold()

func Normalize(s string) string {
	return norm.NFKC.String(s)
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// FoldEmail canonicalises an account identifier so that "A@X.com" and
// " a@x.com" share rate-limit and audit keys.
func FoldEmail(email string) string {
	return emailFolder.String(Normalize(strings.TrimSpace(email)))
}
