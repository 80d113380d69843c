// Package e2e is the client-side room cipher. The server only ever sees its
// output: a base64 ciphertext and a base64 IV per message.
//
// Keys are PBKDF2-SHA256(passphrase, salt=roomID, 100000 iterations, 32
// bytes) and messages are AES-256-CBC with PKCS#7 padding and a fresh 16-byte
// IV, so they interoperate with browsers using WebCrypto's AES-CBC.
package e2e

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	Iterations = 100000
	KeyLen     = 32
	IVLen      = aes.BlockSize
)

// Placeholder is what a reader shows for a message it cannot decrypt.
const Placeholder = "[decryption failed]"

var ErrDecrypt = errors.New("decryption failed")

// Key is a derived room key. Two members derive the same Key only if they
// typed the same passphrase for the same room.
type Key struct {
	block cipher.Block
}

func DeriveKey(passphrase, roomID string) (*Key, error) {
	raw := pbkdf2.Key([]byte(passphrase), []byte(roomID), Iterations, KeyLen, sha256.New)
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &Key{block: block}, nil
}

// Encrypt returns base64 ciphertext and base64 IV.
func (k *Key) Encrypt(plaintext string) (ciphertext, iv string, err error) {
	return k.encrypt(rand.Reader, plaintext)
}

func (k *Key) encrypt(rnd io.Reader, plaintext string) (string, string, error) {
	ivb := make([]byte, IVLen)
	if _, err := io.ReadFull(rnd, ivb); err != nil {
		return "", "", fmt.Errorf("encrypt: read iv: %w", err)
	}
	buf := pad([]byte(plaintext))
	cipher.NewCBCEncrypter(k.block, ivb).CryptBlocks(buf, buf)
	return base64.StdEncoding.EncodeToString(buf), base64.StdEncoding.EncodeToString(ivb), nil
}

// Decrypt fails with ErrDecrypt for bad encodings, wrong lengths or bad
// padding; callers cannot tell a wrong passphrase from tampering. Invalid
// UTF-8 in the plaintext is replaced, not rejected.
func (k *Key) Decrypt(ciphertext, iv string) (string, error) {
	ivb, err := base64.StdEncoding.DecodeString(iv)
	if err != nil || len(ivb) != IVLen {
		return "", ErrDecrypt
	}
	buf, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(buf) == 0 || len(buf)%aes.BlockSize != 0 {
		return "", ErrDecrypt
	}
	cipher.NewCBCDecrypter(k.block, ivb).CryptBlocks(buf, buf)
	out, err := unpad(buf)
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(out), "\uFFFD"), nil
}

// Open is Decrypt with the display fallback applied.
func (k *Key) Open(ciphertext, iv string) (string, bool) {
	pt, err := k.Decrypt(ciphertext, iv)
	if err != nil {
		return Placeholder, false
	}
	return pt, true
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrDecrypt
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrDecrypt
		}
	}
	return b[:len(b)-n], nil
}
