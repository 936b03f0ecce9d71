// Package crockford implements Crockford's base32 alphabet, used for
// public-key fingerprints and the Connection Token's textual form.
// Go's standard library only ships the RFC 4648 alphabet, so this is
// a small remap on top of encoding/base32 rather than a hand-rolled
// bit-packer.
package crockford

import (
	"encoding/base32"
	"strings"
)

const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var encoding = base32.NewEncoding(alphabet).WithPadding(base32.NoPadding)

// Encode renders data as unpadded Crockford base32, uppercase.
func Encode(data []byte) string {
	return encoding.EncodeToString(data)
}

// Decode accepts any casing and rejects characters outside the
// Crockford alphabet.
func Decode(s string) ([]byte, error) {
	return encoding.DecodeString(strings.ToUpper(s))
}
