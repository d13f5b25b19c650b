package hash

import (
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
)

const HashSize = 32

type Hash [HashSize]byte

// NewHash hashes data with BLAKE2b-256.
func NewHash(data []byte) Hash {
	h := blake2b.Sum256(data)
	var hash Hash
	copy(hash[:], h[:HashSize])
	return hash
}

// hasherPool amortizes allocation on the accelerated path.
var hasherPool = sync.Pool{
	New: func() interface{} {
		h, err := blake2b.New256(nil)
		if err != nil {
			panic(err)
		}
		return h
	},
}

// NewHashPooled hashes data reusing a pooled hasher state. Used when
// hardware acceleration is enabled and the digest is on the hot path.
func NewHashPooled(data []byte) Hash {
	h := hasherPool.Get().(interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
		Reset()
	})
	defer func() {
		h.Reset()
		hasherPool.Put(h)
	}()

	h.Write(data)
	var hash Hash
	copy(hash[:], h.Sum(nil)[:HashSize])
	return hash
}

func FromString(str string) (Hash, error) {
	data, err := hex.DecodeString(str)
	if err != nil {
		return Hash{}, err
	}
	return FromBytes(data)
}

func FromBytes(data []byte) (Hash, error) {
	if len(data) != HashSize {
		return Hash{}, fmt.Errorf("hash should be %d bytes, but it is %v bytes", HashSize, len(data))
	}
	var h Hash
	copy(h[:], data[:HashSize])
	return h, nil
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}
