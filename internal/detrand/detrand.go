// Package detrand provides the fixed, reproducible randomness source the
// connection engine uses for ping payloads. The engine keeps its external
// substream ids in plain Go maps and seeds no hasher from it. The source is
// ChaCha20, keyed from the
// connection's configured 32-byte seed, so two connections configured with
// the same seed produce byte-identical wire behavior under test.
package detrand

import (
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20"
)

// SeedLen is the required length of a Source's seed, in bytes.
const SeedLen = chacha20.KeySize

// Source is a deterministic byte stream keyed from a fixed seed. It is not
// safe for concurrent use; each connection owns one Source exclusively,
// matching the "no shared resources" rule of the core's concurrency model.
type Source struct {
	cipher *chacha20.Cipher
	zeros  [64]byte
}

// NewSource builds a Source from a 32-byte seed. A zero nonce is used
// throughout: the seed itself is the only entropy input, and distinct
// connections are expected to be configured with distinct seeds.
func NewSource(seed [SeedLen]byte) (*Source, error) {
	c, err := chacha20.NewUnauthenticatedCipher(seed[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		return nil, errors.Wrap(err, "detrand: constructing chacha20 cipher")
	}
	return &Source{cipher: c}, nil
}

// Read fills buf with the next len(buf) pseudo-random bytes from the stream.
// It never returns an error and always fills buf completely, satisfying
// io.Reader.
func (s *Source) Read(buf []byte) (int, error) {
	remaining := buf
	for len(remaining) > 0 {
		n := len(remaining)
		if n > len(s.zeros) {
			n = len(s.zeros)
		}
		s.cipher.XORKeyStream(remaining[:n], s.zeros[:n])
		remaining = remaining[n:]
	}
	return len(buf), nil
}

// Uint64 returns the next 8 pseudo-random bytes as a little-endian uint64,
// used by the connection engine to seed its ping payloads.
func (s *Source) Uint64() uint64 {
	var buf [8]byte
	_, _ = s.Read(buf[:])
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}
