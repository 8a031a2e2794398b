// Package storage defines the data model shared by the mempool and the block
// storage engine along with its canonical encoding and content hashing.
package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/zeebo/blake3"
)

// HashLength is the number of bytes in a content hash.
const HashLength = 32

// Hash represents the blake3 content hash of an encoded value.
type Hash [HashLength]byte

// ZeroHash represents a hash of all zeros. It is used as the chain tip
// before any block has been stored.
var ZeroHash Hash

// HashBytes returns the content hash of the specified bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// BytesToHash copies the specified bytes into a hash. Shorter input is left
// padded with zeros and longer input keeps the trailing bytes.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLength {
		b = b[len(b)-HashLength:]
	}
	copy(h[HashLength-len(b):], b)

	return h
}

// HexToHash converts a 0x prefixed hex string into a hash.
func HexToHash(s string) (Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return ZeroHash, err
	}

	if len(b) != HashLength {
		return ZeroHash, fmt.Errorf("invalid hash length %d, expected %d", len(b), HashLength)
	}

	return Hash(b), nil
}

// Bytes returns a copy of the hash as a byte slice.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashLength)
	copy(b, h[:])
	return b
}

// IsZero reports whether the hash is the zero hash.
func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Hex returns the 0x prefixed hex encoding of the hash.
func (h Hash) Hex() string {
	return hexutil.Encode(h[:])
}

// String implements the fmt.Stringer interface.
func (h Hash) String() string {
	return h.Hex()
}

// MarshalText implements the encoding.TextMarshaler interface.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (h *Hash) UnmarshalText(text []byte) error {
	v, err := HexToHash(string(text))
	if err != nil {
		return err
	}

	*h = v
	return nil
}

// =============================================================================

// BlockLocation identifies where an encoded block lives on disk. The file
// name is relative to the block file directory.
type BlockLocation struct {
	FileName string `json:"file_name"`
	Offset   uint64 `json:"offset"`
}

// String implements the fmt.Stringer interface.
func (l BlockLocation) String() string {
	return fmt.Sprintf("%s@%d", l.FileName, l.Offset)
}
