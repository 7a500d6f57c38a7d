package cache

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"
)

// Hasher builds the content hash of a cache entry. Every part is written
// with a length prefix, so distinct part sequences never collide by
// concatenation.
type Hasher struct {
	h hash.Hash
}

// NewHasher returns a BLAKE2b-256 hasher.
func NewHasher() *Hasher {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only a key longer than 64 bytes fails.
		panic(err)
	}
	return &Hasher{h: h}
}

// String adds a string part.
func (x *Hasher) String(s string) *Hasher {
	x.length(uint64(len(s)))
	_, _ = io.WriteString(x.h, s)
	return x
}

// Bytes adds a byte part.
func (x *Hasher) Bytes(b []byte) *Hasher {
	x.length(uint64(len(b)))
	_, _ = x.h.Write(b)
	return x
}

// File adds the contents of a file. A missing file is an error: the inputs
// of a trial must exist.
func (x *Hasher) File(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	x.length(uint64(fi.Size()))
	if _, err := io.Copy(x.h, f); err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	return nil
}

// Sum returns the hex digest.
func (x *Hasher) Sum() string {
	return hex.EncodeToString(x.h.Sum(nil))
}

func (x *Hasher) length(n uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	_, _ = x.h.Write(buf[:])
}
