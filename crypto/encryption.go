package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultPassphrase is the shared secret deployed peers derive the key from.
	DefaultPassphrase = "YourSuperSecretPassword"
	// DefaultSalt is the PBKDF2 salt deployed peers use.
	DefaultSalt = "YourSalt"
	// DefaultIterations is the PBKDF2 iteration count.
	DefaultIterations = 65536

	aes256KeySize = 32
	ivSize        = aes.BlockSize
)

// ErrDecrypt indicates a malformed or tampered ciphertext.
var ErrDecrypt = errors.New("crypto: decrypt failed")

// CipherConfig controls key derivation and IV policy.
type CipherConfig struct {
	Passphrase string
	Salt       string
	Iterations int

	// PerMessageIV draws a fresh IV for every Encrypt call. When false, one IV is
	// drawn at construction and reused, which is what deployed peers do.
	PerMessageIV bool
}

func (c CipherConfig) withDefaults() CipherConfig {
	out := c
	if out.Passphrase == "" {
		out.Passphrase = DefaultPassphrase
	}
	if out.Salt == "" {
		out.Salt = DefaultSalt
	}
	if out.Iterations <= 0 {
		out.Iterations = DefaultIterations
	}
	return out
}

// CipherContext encrypts and decrypts frame payloads with AES-256-CBC under a
// PBKDF2-derived key. Build it once at startup and share it by pointer.
type CipherContext struct {
	block        cipher.Block
	iv           []byte
	perMessageIV bool
}

// NewCipherContext derives the key and draws the process IV.
func NewCipherContext(config CipherConfig) (*CipherContext, error) {
	cfg := config.withDefaults()

	key := pbkdf2.Key([]byte(cfg.Passphrase), []byte(cfg.Salt), cfg.Iterations, aes256KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	iv, err := randomIV()
	if err != nil {
		return nil, err
	}

	return &CipherContext{
		block:        block,
		iv:           iv,
		perMessageIV: cfg.PerMessageIV,
	}, nil
}

// Encrypt returns base64(IV || ciphertext).
func (c *CipherContext) Encrypt(plaintext []byte) ([]byte, error) {
	iv := c.iv
	if c.perMessageIV {
		fresh, err := randomIV()
		if err != nil {
			return nil, err
		}
		iv = fresh
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	sealed := make([]byte, ivSize+len(padded))
	copy(sealed, iv)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(sealed[ivSize:], padded)

	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// Decrypt reverses Encrypt. Any structural problem yields ErrDecrypt.
func (c *CipherContext) Decrypt(payload []byte) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
	n, err := base64.StdEncoding.Decode(raw, bytes.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrDecrypt, err)
	}
	raw = raw[:n]

	if len(raw) < ivSize+aes.BlockSize {
		return nil, fmt.Errorf("%w: payload too short (%d bytes)", ErrDecrypt, len(raw))
	}
	body := raw[ivSize:]
	if len(body)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", ErrDecrypt)
	}

	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(c.block, raw[:ivSize]).CryptBlocks(plain, body)

	unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return unpadded, nil
}

// MaxPlaintextLen returns the longest plaintext whose Encrypt output fits in
// sealedLen bytes.
func MaxPlaintextLen(sealedLen int) int {
	raw := sealedLen / 4 * 3
	blocks := (raw - ivSize) / aes.BlockSize
	if blocks <= 0 {
		return 0
	}
	// PKCS#7 always adds at least one byte.
	return blocks*aes.BlockSize - 1
}

// IV returns a copy of the process IV.
func (c *CipherContext) IV() []byte {
	return append([]byte(nil), c.iv...)
}

func randomIV() ([]byte, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}
	return iv, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padding)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padding)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, errors.New("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
