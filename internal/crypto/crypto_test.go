package crypto

import (
	"strings"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if len(pub) != 32 {
		t.Errorf("public key length = %d, want 32", len(pub))
	}
	if len(priv) != 32 {
		t.Errorf("private key length = %d, want 32", len(priv))
	}

	pub2, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if string(pub) == string(pub2) {
		t.Error("GenerateKeyPair() should produce unique keys")
	}
}

func TestEncryptDecryptHybrid(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	tests := []struct {
		name    string
		content string
	}{
		{"short text", "hello"},
		{"empty content", ""},
		{"unicode", "привет 你好 🎉"},
		{"long content", strings.Repeat("long message ", 500)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encContent, encKey, err := EncryptHybrid(tt.content, pub)
			if err != nil {
				t.Fatalf("EncryptHybrid() error = %v", err)
			}
			if encContent == tt.content && tt.content != "" {
				t.Error("EncryptHybrid() returned plaintext")
			}

			got, err := DecryptHybrid(encContent, encKey, priv)
			if err != nil {
				t.Fatalf("DecryptHybrid() error = %v", err)
			}
			if got != tt.content {
				t.Errorf("DecryptHybrid() = %q, want %q", got, tt.content)
			}
		})
	}
}

func TestEncryptHybrid_UniqueArtifacts(t *testing.T) {
	pub, _, _ := GenerateKeyPair()

	c1, k1, err := EncryptHybrid("same content", pub)
	if err != nil {
		t.Fatalf("EncryptHybrid() error = %v", err)
	}
	c2, k2, err := EncryptHybrid("same content", pub)
	if err != nil {
		t.Fatalf("EncryptHybrid() error = %v", err)
	}
	if c1 == c2 {
		t.Error("ciphertext should differ between encryptions of the same content")
	}
	if k1 == k2 {
		t.Error("sealed key should differ between encryptions")
	}
}

func TestDecryptHybrid_WrongKey(t *testing.T) {
	pub, _, _ := GenerateKeyPair()
	_, wrongPriv, _ := GenerateKeyPair()

	encContent, encKey, err := EncryptHybrid("secret", pub)
	if err != nil {
		t.Fatalf("EncryptHybrid() error = %v", err)
	}

	if _, err := DecryptHybrid(encContent, encKey, wrongPriv); err == nil {
		t.Error("DecryptHybrid() should fail with the wrong private key")
	}
}

func TestDecryptHybrid_Malformed(t *testing.T) {
	pub, priv, _ := GenerateKeyPair()
	encContent, encKey, err := EncryptHybrid("secret", pub)
	if err != nil {
		t.Fatalf("EncryptHybrid() error = %v", err)
	}

	tests := []struct {
		name       string
		encContent string
		encKey     string
	}{
		{"not base64 content", "!!!not-base64!!!", encKey},
		{"not base64 key", encContent, "!!!not-base64!!!"},
		{"truncated content", "AAAA", encKey},
		{"truncated key", encContent, "AAAA"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecryptHybrid(tt.encContent, tt.encKey, priv); err == nil {
				t.Error("DecryptHybrid() should reject malformed input")
			}
		})
	}
}

func TestEncryptHybrid_InvalidPublicKey(t *testing.T) {
	if _, _, err := EncryptHybrid("secret", []byte("short")); err == nil {
		t.Error("EncryptHybrid() should reject a public key of the wrong size")
	}
}
