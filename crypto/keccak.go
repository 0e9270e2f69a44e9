package crypto

import (
	"hash"

	"golang.org/x/crypto/sha3"
)

// NewKeccak256 returns a fresh, reusable Keccak-256 hash.Hash. Unlike
// Keccak256, the caller controls Write/Sum/Reset over time, which the RLPx
// frame layer's rolling MAC construction needs.
func NewKeccak256() hash.Hash {
	return sha3.NewLegacyKeccak256()
}

// Keccak256 calculates the Keccak-256 hash of the given data.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Keccak256Hash calculates Keccak-256 and returns it as a fixed-size array,
// the node-id-sized hash used throughout the p2p and discv5 wire formats.
func Keccak256Hash(data ...[]byte) [32]byte {
	var h [32]byte
	copy(h[:], Keccak256(data...))
	return h
}
