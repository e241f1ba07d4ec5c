package crypto

import (
	"strings"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()
	c, err := New("test-secret", "test-salt")
	if err != nil {
		t.Fatal(err)
	}

	tests := []string{
		"sk-proj-abc123",
		"",
		"credential with spaces and unicode ✓",
	}
	for _, plain := range tests {
		token, err := c.Encrypt(plain)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plain, err)
		}
		if strings.Contains(token, plain) && plain != "" {
			t.Errorf("token leaks plaintext: %q", token)
		}
		got, err := c.Decrypt(token)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if got != plain {
			t.Errorf("round trip = %q, want %q", got, plain)
		}
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	t.Parallel()
	c, err := New("test-secret", "test-salt")
	if err != nil {
		t.Fatal(err)
	}
	a, _ := c.Encrypt("same")
	b, _ := c.Encrypt("same")
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical tokens")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	t.Parallel()
	c, err := New("test-secret", "test-salt")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Decrypt("not-base64!!"); err != ErrInvalidCiphertext {
		t.Errorf("garbage token err = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := c.Decrypt("c2hvcnQ="); err != ErrInvalidCiphertext {
		t.Errorf("short token err = %v, want ErrInvalidCiphertext", err)
	}

	token, _ := c.Encrypt("secret")
	// Different key must not decrypt.
	other, err := New("other-secret", "test-salt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Decrypt(token); err != ErrInvalidCiphertext {
		t.Errorf("wrong key err = %v, want ErrInvalidCiphertext", err)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	t.Parallel()
	if _, err := New("", "salt"); err == nil {
		t.Error("expected error for empty secret")
	}
}
