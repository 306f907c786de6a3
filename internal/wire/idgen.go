package wire

import (
	"crypto/rand"
	"math/big"
	"strings"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewID returns a 14-character base-36 identifier, as used for suite and
// runner ids. Uniqueness is probabilistic: 36^14 is a hair over 72 bits.
func NewID() string {
	var sb strings.Builder
	sb.Grow(idLen)
	max := big.NewInt(int64(len(base36Alphabet)))
	for i := 0; i < idLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing is effectively unrecoverable; fall back to
			// a fixed low-entropy char rather than panicking mid-schedule.
			sb.WriteByte('0')
			continue
		}
		sb.WriteByte(base36Alphabet[n.Int64()])
	}
	return sb.String()
}
