// Package crypt resolves the stream's AES-128 key and decrypts segments with it.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// BlockSize is the AES block size in bytes.
const BlockSize = aes.BlockSize

var (
	// ErrBlockAlignment is returned for ciphertext that is not a whole number of blocks.
	ErrBlockAlignment = errors.New("ciphertext is not a multiple of the block size")

	// ErrPadding is returned when PKCS#7 padding is malformed, usually a wrong key or IV.
	ErrPadding = errors.New("invalid PKCS#7 padding")

	// ErrKeyLength is returned for keys that are not exactly 16 bytes.
	ErrKeyLength = errors.New("key must be 16 bytes")
)

// Key is the resolved key and IV shared by every segment of a job.
// It is immutable once created and safe for concurrent use.
type Key struct {
	// URI is the absolute key location, kept for diagnostics.
	URI string

	key []byte
	iv  []byte
}

// NewKey validates and copies key and iv.
func NewKey(uri string, key, iv []byte) (*Key, error) {
	if len(key) != BlockSize {
		return nil, fmt.Errorf("%w: got %d", ErrKeyLength, len(key))
	}
	if len(iv) != BlockSize {
		return nil, fmt.Errorf("%w: IV must be %d bytes, got %d", ErrIVFormat, BlockSize, len(iv))
	}
	return &Key{
		URI: uri,
		key: append([]byte(nil), key...),
		iv:  append([]byte(nil), iv...),
	}, nil
}

// Decrypt decrypts one segment. A nil Key means the stream is unencrypted and
// data is returned unchanged.
func (k *Key) Decrypt(data []byte) ([]byte, error) {
	if k == nil {
		return data, nil
	}
	return Decrypt(data, k.key, k.iv)
}

// Decrypt reverses AES-128-CBC and strips PKCS#7 padding.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	if len(ciphertext)%BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBlockAlignment, len(ciphertext))
	}
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", ErrPadding)
	}

	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext)
}

// Encrypt applies PKCS#7 padding and AES-128-CBC. It is the inverse of Decrypt.
func Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}

	n := BlockSize - len(plaintext)%BlockSize
	padded := make([]byte, len(plaintext)+n)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(n)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

func newBlock(key, iv []byte) (cipher.Block, error) {
	if len(key) != BlockSize {
		return nil, fmt.Errorf("%w: got %d", ErrKeyLength, len(key))
	}
	if len(iv) != BlockSize {
		return nil, fmt.Errorf("%w: IV must be %d bytes, got %d", ErrIVFormat, BlockSize, len(iv))
	}
	return aes.NewCipher(key)
}

func unpad(data []byte) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > BlockSize || n > len(data) {
		return nil, ErrPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrPadding
		}
	}
	return data[:len(data)-n], nil
}
