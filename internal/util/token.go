package util

import (
	"crypto/rand"
	"math/big"
)

const tokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// RandomToken returns a random base-36 string of the given length, used for
// room identifiers shared in invitation links.
func RandomToken(length int) string {
	out := make([]byte, length)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("util: crypto/rand unavailable: " + err.Error())
		}
		out[i] = tokenAlphabet[n.Int64()]
	}
	return string(out)
}
