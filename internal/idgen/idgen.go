// Package idgen provides short, URL-safe unique IDs backed by nanoid. They
// correlate capability invocations and proofs in logs; task IDs come from
// the registry counter instead.
package idgen

import (
	"fmt"
	"sync/atomic"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// DefaultPrefix is prepended to every generated invocation ID.
var DefaultPrefix = "inv-"

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 10

// fallbackSeq numbers invocation IDs when the random source fails.
var fallbackSeq atomic.Uint64

// Generate returns a new unique ID using the default prefix.
func Generate() (string, error) {
	return GenerateWithPrefix(DefaultPrefix)
}

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// Invocation returns an ID for one capability call. It never fails: if
// the random source errors, a process-local sequence number is used so
// the call itself can still proceed.
func Invocation() string {
	id, err := Generate()
	if err != nil {
		return fmt.Sprintf("%sseq%d", DefaultPrefix, fallbackSeq.Add(1))
	}
	return id
}
