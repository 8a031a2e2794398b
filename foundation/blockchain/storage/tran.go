package storage

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/uuid"
)

// Tx represents an opaque unit of work submitted to the node. The node does
// not interpret the data, it only orders, stores, and proves it.
type Tx struct {
	ID        string `json:"id"`        // Unique id for the transaction.
	Data      []byte `json:"data"`      // Payload carried by the transaction.
	TimeStamp uint64 `json:"timestamp"` // Unix seconds when the transaction was created.
}

// NewTx constructs a new transaction with a unique id stamped with the
// current time.
func NewTx(data []byte) Tx {
	return Tx{
		ID:        uuid.NewString(),
		Data:      data,
		TimeStamp: uint64(time.Now().UTC().Unix()),
	}
}

// Encode returns the canonical encoding of the transaction.
func (tx Tx) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(tx)
}

// DecodeTx converts an encoded transaction back into a value.
func DecodeTx(data []byte) (Tx, error) {
	var tx Tx
	if err := rlp.DecodeBytes(data, &tx); err != nil {
		return Tx{}, err
	}

	return tx, nil
}

// Hash returns the content hash of the encoded transaction.
func (tx Tx) Hash() (Hash, error) {
	data, err := tx.Encode()
	if err != nil {
		return ZeroHash, err
	}

	return HashBytes(data), nil
}

// Size returns the number of bytes of the encoded transaction.
func (tx Tx) Size() (int, error) {
	data, err := tx.Encode()
	if err != nil {
		return 0, err
	}

	return len(data), nil
}

// Clone returns a deep copy of the transaction so the copy's data can be
// changed without touching the original.
func (tx Tx) Clone() Tx {
	if tx.Data != nil {
		tx.Data = bytes.Clone(tx.Data)
	}
	return tx
}

// Equals reports whether two transactions carry the same content.
func (tx Tx) Equals(other Tx) bool {
	return tx.ID == other.ID && tx.TimeStamp == other.TimeStamp && bytes.Equal(tx.Data, other.Data)
}

// String implements the fmt.Stringer interface for logging.
func (tx Tx) String() string {
	return fmt.Sprintf("%s:%d:%d", tx.ID, tx.TimeStamp, len(tx.Data))
}
