// gcm.go implements the AES-128-GCM authenticated encryption primitive
// consumed by the discv5 packet codec (§4.3, §6): session-key body
// encryption keyed on the HKDF-derived write/read keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
)

// SealGCM encrypts plaintext with AES-GCM under key/nonce, authenticating
// additionalData. key must be 16 bytes (AES-128); nonce is typically 12
// bytes.
func SealGCM(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// OpenGCM decrypts and authenticates an AES-GCM ciphertext produced by SealGCM.
func OpenGCM(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, additionalData)
}
