package protocol

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// TransactionHash derives the idempotency key of a client transaction from the
// caller identity and the caller-chosen id. Distinct callers never collide.
func TransactionHash(caller common.Address, txID uint64) common.Hash {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], txID)
	return crypto.Keccak256Hash(caller.Bytes(), id[:])
}

// EntryHash derives the key of the i-th step of a batch transaction, so that
// entries landing on the same shard are not deduplicated against each other.
func EntryHash(tx common.Hash, i int) common.Hash {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(i))
	return crypto.Keccak256Hash(tx.Bytes(), []byte("entry"), idx[:])
}

// AbortHash derives the key of the compensating mutation for key.
func AbortHash(key common.Hash) common.Hash {
	return crypto.Keccak256Hash(key.Bytes(), []byte("abort"))
}

// PartitionKey returns the first hex nibble of the account, 0..15.
func PartitionKey(account common.Address) uint8 {
	return account[0] >> 4
}
