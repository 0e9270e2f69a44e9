// Package crypto implements the secp256k1-based primitives used by the p2p
// transport: key generation, recoverable ECDSA signing, and public key
// recovery. Curve arithmetic and the recoverable signature scheme are
// delegated to github.com/decred/dcrd/dcrec/secp256k1/v4, a real, audited
// secp256k1 implementation, rather than hand-rolled big.Int math.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"fmt"
	"math/big"

	dsecp "github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// SignatureLength is the byte length of a recoverable signature: R(32) || S(32) || V(1).
const SignatureLength = 65

var (
	errInvalidSignatureLen = errors.New("crypto: invalid signature length")
	errInvalidPubkey       = errors.New("crypto: invalid public key")
	errInvalidPrivkey      = errors.New("crypto: invalid private key")
)

// S256 returns the secp256k1 curve.
func S256() elliptic.Curve {
	return dsecp.S256()
}

// GenerateKey generates a new secp256k1 private key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	priv, err := dsecp.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return privToECDSA(priv), nil
}

// ToECDSA converts a 32-byte scalar into a secp256k1 private key.
func ToECDSA(d []byte) (*ecdsa.PrivateKey, error) {
	if len(d) != 32 {
		return nil, errInvalidPrivkey
	}
	priv := dsecp.PrivKeyFromBytes(d)
	if priv == nil {
		return nil, errInvalidPrivkey
	}
	return privToECDSA(priv), nil
}

// FromECDSA marshals a private key's scalar as a 32-byte big-endian value.
func FromECDSA(prv *ecdsa.PrivateKey) []byte {
	if prv == nil {
		return nil
	}
	return padTo32(prv.D.Bytes())
}

// FromECDSAPub marshals a public key to 65-byte uncompressed format.
func FromECDSAPub(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return elliptic.Marshal(S256(), pub.X, pub.Y)
}

// UnmarshalPubkey parses an uncompressed secp256k1 public key.
func UnmarshalPubkey(pub []byte) (*ecdsa.PublicKey, error) {
	x, y := elliptic.Unmarshal(S256(), pub)
	if x == nil {
		return nil, errInvalidPubkey
	}
	return &ecdsa.PublicKey{Curve: S256(), X: x, Y: y}, nil
}

// CompressPubkey compresses a public key to 33 bytes. Returns nil if pubkey is invalid.
func CompressPubkey(pubkey *ecdsa.PublicKey) []byte {
	dp, err := toDecredPubkey(pubkey)
	if err != nil {
		return nil
	}
	return dp.SerializeCompressed()
}

// DecompressPubkey decompresses a 33-byte compressed public key.
func DecompressPubkey(pubkey []byte) (*ecdsa.PublicKey, error) {
	if len(pubkey) != 33 {
		return nil, errors.New("invalid compressed public key length")
	}
	dp, err := dsecp.ParsePubKey(pubkey)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid compressed public key: %w", err)
	}
	return pubToECDSA(dp), nil
}

// Sign produces a 65-byte recoverable signature (R || S || V) over hash,
// a message digest that must be exactly 32 bytes long.
func Sign(hash []byte, prv *ecdsa.PrivateKey) ([]byte, error) {
	if len(hash) != 32 {
		return nil, errors.New("hash must be 32 bytes")
	}
	if prv == nil {
		return nil, errInvalidPrivkey
	}
	dprv := dsecp.PrivKeyFromBytes(padTo32(prv.D.Bytes()))
	sig := dcrecdsa.SignCompact(dprv, hash, false)
	// SignCompact returns [recovery_id+27] || R || S. Rearrange into R || S || V,
	// the layout used throughout the p2p handshake and signed discovery records.
	out := make([]byte, SignatureLength)
	copy(out[:64], sig[1:])
	out[64] = (sig[0] - 27) & 1
	return out, nil
}

// SigToPub recovers the public key from hash and signature.
func SigToPub(hash, sig []byte) (*ecdsa.PublicKey, error) {
	pub, err := Ecrecover(hash, sig)
	if err != nil {
		return nil, err
	}
	return UnmarshalPubkey(pub)
}

// Ecrecover recovers the uncompressed public key from hash and a 65-byte
// recoverable signature [R || S || V].
func Ecrecover(hash, sig []byte) ([]byte, error) {
	if len(sig) != SignatureLength {
		return nil, errInvalidSignatureLen
	}
	if len(hash) != 32 {
		return nil, errors.New("hash must be 32 bytes")
	}
	compact := make([]byte, SignatureLength)
	compact[0] = 27 + (sig[64] & 1)
	copy(compact[1:], sig[:64])
	dpub, _, err := dcrecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return nil, fmt.Errorf("crypto: ecrecover: %w", err)
	}
	return dpub.SerializeUncompressed(), nil
}

// ValidateSignature verifies that the given signature (64 bytes, no V) is valid
// for the provided 65-byte uncompressed public key and 32-byte hash.
func ValidateSignature(pubkey, hash, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	if len(hash) != 32 {
		return false
	}
	if len(pubkey) != 65 || pubkey[0] != 0x04 {
		return false
	}
	pub, err := UnmarshalPubkey(pubkey)
	if err != nil {
		return false
	}
	dpub, err := toDecredPubkey(pub)
	if err != nil {
		return false
	}
	var r, s dsecp.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return false
	}
	if overflow := s.SetByteSlice(sig[32:64]); overflow {
		return false
	}
	return dcrecdsa.NewSignature(&r, &s).Verify(hash, dpub)
}

// ValidateSignatureValues checks r, s, v for validity per Homestead rules.
// If homestead is true, s must be in the lower half of the curve order.
func ValidateSignatureValues(v byte, r, s *big.Int, homestead bool) bool {
	if r == nil || s == nil {
		return false
	}
	if v > 1 {
		return false
	}
	if r.Sign() <= 0 || s.Sign() <= 0 {
		return false
	}
	n := S256().Params().N
	if r.Cmp(n) >= 0 || s.Cmp(n) >= 0 {
		return false
	}
	if homestead {
		halfN := new(big.Int).Rsh(n, 1)
		if s.Cmp(halfN) > 0 {
			return false
		}
	}
	return true
}

func toDecredPubkey(pub *ecdsa.PublicKey) (*dsecp.PublicKey, error) {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil, errInvalidPubkey
	}
	dp, err := dsecp.ParsePubKey(elliptic.Marshal(S256(), pub.X, pub.Y))
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return dp, nil
}

func privToECDSA(priv *dsecp.PrivateKey) *ecdsa.PrivateKey {
	pub := pubToECDSA(priv.PubKey())
	d := new(big.Int).SetBytes(priv.Serialize())
	return &ecdsa.PrivateKey{PublicKey: *pub, D: d}
}

func pubToECDSA(pub *dsecp.PublicKey) *ecdsa.PublicKey {
	raw := pub.SerializeUncompressed()
	x := new(big.Int).SetBytes(raw[1:33])
	y := new(big.Int).SetBytes(raw[33:65])
	return &ecdsa.PublicKey{Curve: S256(), X: x, Y: y}
}

func padTo32(b []byte) []byte {
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}
