package security

import (
	"bytes"
	"testing"
)

func TestNewKeyWrapper(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32), wantErr: false},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kw, err := NewKeyWrapper(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewKeyWrapper() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && kw == nil {
				t.Error("NewKeyWrapper() returned nil without error")
			}
		})
	}
}

func TestNewKeyWrapperFromPassphrase(t *testing.T) {
	tests := []struct {
		name       string
		passphrase string
		wantErr    bool
	}{
		{name: "valid passphrase", passphrase: "correct-horse-battery-staple", wantErr: false},
		{name: "empty passphrase", passphrase: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kw, err := NewKeyWrapperFromPassphrase(tt.passphrase)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewKeyWrapperFromPassphrase() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && kw == nil {
				t.Error("NewKeyWrapperFromPassphrase() returned nil without error")
			}
		})
	}
}

func TestWrapUnwrapRoundtrip(t *testing.T) {
	key := make([]byte, 32)
	copy(key, []byte("test-encryption-key-32-bytes-!!"))

	kw, err := NewKeyWrapper(key)
	if err != nil {
		t.Fatalf("Failed to create KeyWrapper: %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{name: "short key material", plaintext: []byte("hmac-signing-key-material-bytes")},
		{name: "binary data", plaintext: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD}},
		{name: "large data", plaintext: bytes.Repeat([]byte("test"), 1000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := kw.Wrap(tt.plaintext)
			if err != nil {
				t.Fatalf("Wrap() error = %v", err)
			}

			if bytes.Equal(ciphertext, tt.plaintext) {
				t.Error("ciphertext should not equal plaintext")
			}

			decrypted, err := kw.Unwrap(ciphertext)
			if err != nil {
				t.Fatalf("Unwrap() error = %v", err)
			}

			if !bytes.Equal(decrypted, tt.plaintext) {
				t.Errorf("Unwrap() = %v, want %v", decrypted, tt.plaintext)
			}
		})
	}
}

func TestWrap_Errors(t *testing.T) {
	key := make([]byte, 32)
	kw, _ := NewKeyWrapper(key)

	tests := []struct {
		name      string
		plaintext []byte
		wantErr   bool
	}{
		{name: "empty data", plaintext: []byte{}, wantErr: true},
		{name: "nil data", plaintext: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := kw.Wrap(tt.plaintext)
			if (err != nil) != tt.wantErr {
				t.Errorf("Wrap() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnwrap_Errors(t *testing.T) {
	key := make([]byte, 32)
	kw, _ := NewKeyWrapper(key)

	tests := []struct {
		name       string
		ciphertext []byte
		wantErr    bool
	}{
		{name: "empty data", ciphertext: []byte{}, wantErr: true},
		{name: "nil data", ciphertext: nil, wantErr: true},
		{name: "too short data", ciphertext: []byte{0x01, 0x02}, wantErr: true},
		{name: "corrupted data", ciphertext: bytes.Repeat([]byte("x"), 100), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := kw.Unwrap(tt.ciphertext)
			if (err != nil) != tt.wantErr {
				t.Errorf("Unwrap() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestUnwrapWithWrongKey(t *testing.T) {
	key1 := make([]byte, 32)
	copy(key1, []byte("key-one-32-bytes-long-!!!!!!!!!!"))

	key2 := make([]byte, 32)
	copy(key2, []byte("key-two-32-bytes-long-!!!!!!!!!!"))

	kw1, _ := NewKeyWrapper(key1)
	kw2, _ := NewKeyWrapper(key2)

	plaintext := []byte("signing-key-material")

	ciphertext, err := kw1.Wrap(plaintext)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}

	if _, err := kw2.Unwrap(ciphertext); err == nil {
		t.Error("Unwrap() should fail with wrong key")
	}
}
