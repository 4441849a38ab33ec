package id

import (
	"crypto/rand"
	"encoding/hex"
	"sync/atomic"
	"time"
)

// Size is the number of random bytes behind every identifier.
const Size = 16

var fallbackSeq atomic.Uint64

// New returns a 32 character lowercase hex identifier for jobs and uploads.
// If the system random source fails, the identifier is derived from the clock
// and a process-local counter instead.
func New() string {
	var b [Size]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fallback()
	}
	return hex.EncodeToString(b[:])
}

// WithPrefix returns New prefixed by prefix and an underscore, for example
// "dlv_3f9c...".
func WithPrefix(prefix string) string {
	if prefix == "" {
		return New()
	}
	return prefix + "_" + New()
}

// Valid reports whether s has the shape New produces. Path parameters are
// checked with it before they reach a store.
func Valid(s string) bool {
	if len(s) != 2*Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func fallback() string {
	var b [Size]byte
	now := uint64(time.Now().UnixNano())
	seq := fallbackSeq.Add(1)
	for i := 0; i < 8; i++ {
		b[i] = byte(now >> (56 - 8*i))
		b[8+i] = byte(seq >> (56 - 8*i))
	}
	return hex.EncodeToString(b[:])
}

