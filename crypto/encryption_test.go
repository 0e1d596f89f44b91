package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

func newTestCipher(t *testing.T, perMessageIV bool) *CipherContext {
	t.Helper()
	// A low iteration count keeps the suite fast; the derivation path is the same.
	ctx, err := NewCipherContext(CipherConfig{Iterations: 1000, PerMessageIV: perMessageIV})
	if err != nil {
		t.Fatalf("NewCipherContext failed: %v", err)
	}
	return ctx
}

func mustEncrypt(t *testing.T, c *CipherContext, plaintext []byte) []byte {
	t.Helper()
	sealed, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	return sealed
}

func mustDecodeBase64(t *testing.T, payload []byte) []byte {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	return raw
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCipher(t, false)

	for _, plaintext := range [][]byte{
		[]byte("a"),
		[]byte("Alice#hello world"),
		bytes.Repeat([]byte{0x42}, 16),
		bytes.Repeat([]byte("FILE:x:y:"), 1000),
	} {
		opened, err := c.Decrypt(mustEncrypt(t, c, plaintext))
		if err != nil {
			t.Fatalf("Decrypt failed for %d-byte plaintext: %v", len(plaintext), err)
		}
		if !bytes.Equal(opened, plaintext) {
			t.Fatalf("round trip mismatch for %d-byte plaintext", len(plaintext))
		}
	}
}

func TestEncryptPrefixesProcessIV(t *testing.T) {
	c := newTestCipher(t, false)

	firstRaw := mustDecodeBase64(t, mustEncrypt(t, c, []byte("one")))
	secondRaw := mustDecodeBase64(t, mustEncrypt(t, c, []byte("two")))

	if !bytes.Equal(firstRaw[:ivSize], c.IV()) {
		t.Fatalf("expected ciphertext to start with the process IV")
	}
	if !bytes.Equal(firstRaw[:ivSize], secondRaw[:ivSize]) {
		t.Fatalf("expected the same IV on every message")
	}
}

func TestPerMessageIVDiffersAndStillDecrypts(t *testing.T) {
	sender := newTestCipher(t, true)
	receiver := newTestCipher(t, false)

	first := mustEncrypt(t, sender, []byte("same"))
	second := mustEncrypt(t, sender, []byte("same"))
	if bytes.Equal(first, second) {
		t.Fatalf("expected different ciphertexts with per-message IVs")
	}

	opened, err := receiver.Decrypt(second)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(opened) != "same" {
		t.Fatalf("unexpected plaintext %q", opened)
	}
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	c := newTestCipher(t, false)

	raw := mustDecodeBase64(t, mustEncrypt(t, c, []byte("hello")))
	tampered := append([]byte(nil), raw...)
	tampered[ivSize-1] ^= 0xff

	cases := map[string][]byte{
		"not base64":  []byte("%%%not-base64%%%"),
		"too short":   []byte(base64.StdEncoding.EncodeToString(raw[:ivSize])),
		"misaligned":  []byte(base64.StdEncoding.EncodeToString(raw[:len(raw)-3])),
		"bad padding": []byte(base64.StdEncoding.EncodeToString(tampered)),
		"plain text":  []byte("Alice#hello"),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decrypt(input)
			if !errors.Is(err, ErrDecrypt) {
				t.Fatalf("expected ErrDecrypt, got %v", err)
			}
		})
	}
}

func TestDifferentPassphraseCannotDecrypt(t *testing.T) {
	alice := newTestCipher(t, false)
	mallory, err := NewCipherContext(CipherConfig{Passphrase: "other", Iterations: 1000})
	if err != nil {
		t.Fatalf("NewCipherContext failed: %v", err)
	}

	secret := bytes.Repeat([]byte("secret "), 8)
	opened, err := mallory.Decrypt(mustEncrypt(t, alice, secret))
	if err == nil {
		// CBC with a wrong key can occasionally produce valid padding.
		if bytes.Equal(opened, secret) {
			t.Fatalf("wrong key recovered the plaintext")
		}
		return
	}
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestMaxPlaintextLenFitsSealedSize(t *testing.T) {
	c := newTestCipher(t, false)

	for _, sealedLen := range []int{64, 256, 1000, 4096, 65537} {
		limit := MaxPlaintextLen(sealedLen)
		if limit <= 0 {
			t.Fatalf("expected room for plaintext in %d bytes", sealedLen)
		}
		if got := len(mustEncrypt(t, c, make([]byte, limit))); got > sealedLen {
			t.Fatalf("sealed %d-byte plaintext is %d bytes, limit %d", limit, got, sealedLen)
		}
	}

	// 1000 sealed bytes hold 45 blocks after the IV; one more byte needs a 46th.
	if got := MaxPlaintextLen(1000); got != 719 {
		t.Fatalf("expected 719, got %d", got)
	}
	if got := len(mustEncrypt(t, c, make([]byte, 720))); got <= 1000 {
		t.Fatalf("expected 720 bytes to overflow 1000, sealed to %d", got)
	}
	if got := MaxPlaintextLen(16); got != 0 {
		t.Fatalf("expected no room in 16 bytes, got %d", got)
	}
}
