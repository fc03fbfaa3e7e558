package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newTestEncryptor(t *testing.T) *AESEncryptor {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate random key: %v", err)
	}
	enc, err := NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}
	return enc
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		errorMsg  string
		wantError bool
	}{
		{name: "empty key", key: "", wantError: true, errorMsg: "encryption key is empty"},
		{name: "invalid base64", key: "not-valid-base64!@#$", wantError: true, errorMsg: "base64 decode failed"},
		{name: "key too short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), wantError: true, errorMsg: "must be 32 bytes"},
		{name: "key too long", key: base64.StdEncoding.EncodeToString(make([]byte, 64)), wantError: true, errorMsg: "must be 32 bytes"},
		{name: "valid 32-byte key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.wantError {
				if err == nil {
					t.Fatalf("NewAESEncryptor() expected error but got nil")
				}
				if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("NewAESEncryptor() error = %v, want error containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil || enc == nil {
				t.Fatalf("NewAESEncryptor() = %v, %v", enc, err)
			}
		})
	}
}

func TestSealOpenString(t *testing.T) {
	enc := newTestEncryptor(t)

	for _, token := range []string{"abc123", "oauth-access-token-" + strings.Repeat("x", 200), "Hello 世界"} {
		sealed, err := SealString(enc, token)
		if err != nil {
			t.Fatalf("SealString() error = %v", err)
		}
		if !IsSealed(sealed) {
			t.Errorf("sealed value %q missing prefix", sealed)
		}
		if strings.Contains(sealed, token) {
			t.Errorf("sealed value leaks plaintext")
		}
		got, err := OpenString(enc, sealed)
		if err != nil {
			t.Fatalf("OpenString() error = %v", err)
		}
		if got != token {
			t.Errorf("OpenString() = %q, want %q", got, token)
		}
	}
}

func TestSealStringEmpty(t *testing.T) {
	enc := newTestEncryptor(t)
	got, err := SealString(enc, "")
	if err != nil || got != "" {
		t.Errorf("SealString(\"\") = %q, %v; want empty, nil", got, err)
	}
}

func TestOpenStringPlaintextPassthrough(t *testing.T) {
	got, err := OpenString(nil, "plain-token")
	if err != nil {
		t.Fatalf("OpenString() error = %v", err)
	}
	if got != "plain-token" {
		t.Errorf("OpenString() = %q, want plain-token", got)
	}
}

func TestOpenStringSealedWithoutKey(t *testing.T) {
	enc := newTestEncryptor(t)
	sealed, err := SealString(enc, "secret")
	if err != nil {
		t.Fatalf("SealString() error = %v", err)
	}
	if _, err := OpenString(nil, sealed); !errors.Is(err, ErrNoKey) {
		t.Errorf("OpenString(nil, sealed) error = %v, want ErrNoKey", err)
	}
}

func TestOpenStringWrongKey(t *testing.T) {
	sealed, err := SealString(newTestEncryptor(t), "secret")
	if err != nil {
		t.Fatalf("SealString() error = %v", err)
	}
	_, err = OpenString(newTestEncryptor(t), sealed)
	if err == nil || !strings.Contains(err.Error(), "authentication or integrity") {
		t.Errorf("OpenString() with wrong key error = %v", err)
	}
}

func TestDecryptTampered(t *testing.T) {
	enc := newTestEncryptor(t)
	ct, err := enc.Encrypt([]byte("token"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); err == nil {
		t.Error("Decrypt() of tampered ciphertext should fail")
	}
	if _, err := enc.Decrypt(ct[:4]); err == nil || !strings.Contains(err.Error(), "too short") {
		t.Errorf("Decrypt() of short ciphertext error = %v", err)
	}
}
