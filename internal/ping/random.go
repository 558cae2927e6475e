package ping

import (
	"crypto/rand"
	"math/big"
)

const (
	alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// ChannelIDLength is the length of generated provider channel ids.
	ChannelIDLength = 24
	// TokenLength is the length of challenge tokens.
	TokenLength = 24
)

var alphabetLen = big.NewInt(int64(len(alphabet)))

// randomString draws n symbols uniformly from alphabet using crypto/rand.
func randomString(n int) string {
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			// crypto/rand does not fail on supported platforms.
			panic("ping: crypto/rand: " + err.Error())
		}
		b[i] = alphabet[idx.Int64()]
	}
	return string(b)
}

func newChannelID() string { return randomString(ChannelIDLength) }

func newToken() string { return randomString(TokenLength) }
