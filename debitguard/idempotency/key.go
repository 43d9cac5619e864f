package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Key identifies one logical operation. It is a hex sha256 digest.
type Key string

// NewKey derives the key for an operation on a resource performed by actor.
// Discriminators distinguish operations that share a resource, such as the
// amount and batch of a payment. Every field is length-prefixed so no two
// distinct field lists produce the same preimage.
func NewKey(resourceType, resourceID, operation, actor string, discriminators ...string) Key {
	fields := append([]string{resourceType, resourceID, operation, actor}, discriminators...)

	var b strings.Builder

	for _, f := range fields {
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
		b.WriteByte('|')
	}

	sum := sha256.Sum256([]byte(b.String()))

	return Key(hex.EncodeToString(sum[:]))
}

func (k Key) String() string {
	return string(k)
}

// Short returns the first 12 characters, for logs.
func (k Key) Short() string {
	if len(k) <= 12 {
		return string(k)
	}

	return string(k[:12])
}
