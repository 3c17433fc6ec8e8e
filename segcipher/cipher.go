// Package segcipher encrypts and decrypts video segments with AES-128-CBC
// and PKCS#7 padding. Each segment uses the key/IV pair derived for its
// index, so encryption is stateless and parallel across segments.
package segcipher

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// KeySize and IVSize are fixed by the AES-128-CBC segment format.
const (
	KeySize = 16
	IVSize  = 16
)

// Cipher errors.
var (
	ErrBadKeySize       = errors.New("segcipher: key must be 16 bytes")
	ErrBadIVSize        = errors.New("segcipher: iv must be 16 bytes")
	ErrShortCiphertext  = errors.New("segcipher: ciphertext shorter than one block")
	ErrRaggedCiphertext = errors.New("segcipher: ciphertext not a multiple of the block size")
	ErrCorruptPadding   = errors.New("segcipher: invalid padding")
)

// Encrypt encrypts a segment. The plaintext may be any length; PKCS#7
// padding always adds at least one byte, so empty segments round-trip.
func Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt decrypts a segment and strips the padding.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aes.BlockSize {
		return nil, ErrShortCiphertext
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrRaggedCiphertext
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return unpad(out, aes.BlockSize)
}

func newBlock(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	if len(iv) != IVSize {
		return nil, ErrBadIVSize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("segcipher: new cipher: %w", err)
	}
	return block, nil
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrCorruptPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrCorruptPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrCorruptPadding
		}
	}
	return data[:len(data)-n], nil
}
