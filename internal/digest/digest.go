// Package digest provides the hash facade used by modeling domains.
// Each domain selects a hash function by name at creation time; every
// coefficient, measurement and state value in that domain is produced
// through the same function.
package digest

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// MaxSize is the largest digest size supported by any selectable
// algorithm, in bytes.
const MaxSize = 64

// Digest is a named hash function bound to a modeling domain. It is
// immutable after Alloc and safe for concurrent use.
type Digest struct {
	name string
	ctor func() hash.Hash
	size int
	zero []byte
}

var algorithms = map[string]func() hash.Hash{
	"sha256":     sha256.New,
	"sha384":     sha512.New384,
	"sha512":     sha512.New,
	"sha3-256":   sha3.New256,
	"sha3-384":   sha3.New384,
	"blake3-256": func() hash.Hash { return blake3.New() },
}

// Alloc resolves a hash function by name. The zero digest (hash of
// empty input) is computed once here and reused for the lifetime of
// the domain.
func Alloc(name string) (*Digest, error) {
	ctor, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("unknown digest %q", name)
	}
	h := ctor()
	d := &Digest{
		name: name,
		ctor: ctor,
		size: h.Size(),
		zero: h.Sum(nil),
	}
	return d, nil
}

// Name returns the algorithm name the digest was allocated with.
func (d *Digest) Name() string { return d.name }

// Size returns the digest output size in bytes.
func (d *Digest) Size() int { return d.size }

// Zero returns the digest of empty input. Callers must not mutate the
// returned slice.
func (d *Digest) Zero() []byte { return d.zero }

// New returns a fresh streaming hash handle.
func (d *Digest) New() hash.Hash { return d.ctor() }

// Sum computes the single-shot digest of data.
func (d *Digest) Sum(data []byte) []byte {
	h := d.ctor()
	h.Write(data)
	return h.Sum(nil)
}

// SumAll hashes the concatenation of the given byte slices.
func (d *Digest) SumAll(parts ...[]byte) []byte {
	h := d.ctor()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
