package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewSecretsManager(t *testing.T) {
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
			sm, err := NewSecretsManager(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSecretsManager() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && sm == nil {
				t.Error("NewSecretsManager() returned nil without error")
			}
		})
	}
}

func TestNewSecretsManagerFromPassword(t *testing.T) {
	sm, err := NewSecretsManagerFromPassword("site-wide-passphrase")
	if err != nil {
		t.Fatalf("NewSecretsManagerFromPassword() error = %v", err)
	}
	if sm == nil {
		t.Fatal("NewSecretsManagerFromPassword() returned nil")
	}

	if _, err := NewSecretsManagerFromPassword(""); err == nil {
		t.Error("NewSecretsManagerFromPassword(\"\") should error")
	}
}

func TestSealUnsealValueRoundTrip(t *testing.T) {
	sm, err := NewSecretsManager(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewSecretsManager() error = %v", err)
	}

	sealed, err := sm.SealValue("s3cr3t-access-key")
	if err != nil {
		t.Fatalf("SealValue() error = %v", err)
	}

	if !containsDollar(sealed) {
		t.Errorf("SealValue() = %q, want nonce$ciphertext envelope", sealed)
	}

	plaintext, err := sm.UnsealValue(sealed)
	if err != nil {
		t.Fatalf("UnsealValue() error = %v", err)
	}
	if plaintext != "s3cr3t-access-key" {
		t.Errorf("UnsealValue() = %q, want %q", plaintext, "s3cr3t-access-key")
	}
}

func TestUnsealValueWrongKeyFails(t *testing.T) {
	sm1, _ := NewSecretsManager(make([]byte, 32))
	key2 := make([]byte, 32)
	key2[0] = 1
	sm2, _ := NewSecretsManager(key2)

	sealed, err := sm1.SealValue("password")
	if err != nil {
		t.Fatalf("SealValue() error = %v", err)
	}

	if _, err := sm2.UnsealValue(sealed); err == nil {
		t.Error("UnsealValue() with wrong key should fail")
	}
}

func TestUnsealValueMalformed(t *testing.T) {
	sm, _ := NewSecretsManager(make([]byte, 32))

	if _, err := sm.UnsealValue("not-a-valid-envelope"); err == nil {
		t.Error("UnsealValue() on malformed envelope should fail")
	}
}

func TestParseCredentialFileAndUnseal(t *testing.T) {
	sm, _ := NewSecretsManager(make([]byte, 32))
	sealedUser, _ := sm.SealValue("ftpuser")
	sealedPass, _ := sm.SealValue("ftppass")

	dir := t.TempDir()
	path := filepath.Join(dir, "credentials")
	contents := "# ftp backend\nusername=" + sealedUser + "\npassword=" + sealedPass + "\n"
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	set, err := ParseCredentialFile(path)
	if err != nil {
		t.Fatalf("ParseCredentialFile() error = %v", err)
	}

	user, err := set.Unseal(sm, "username")
	if err != nil {
		t.Fatalf("Unseal(username) error = %v", err)
	}
	if user != "ftpuser" {
		t.Errorf("Unseal(username) = %q, want %q", user, "ftpuser")
	}

	if err := set.RequireKeys([]string{"username", "password"}); err != nil {
		t.Errorf("RequireKeys() error = %v", err)
	}
	if err := set.RequireKeys([]string{"access_key"}); err == nil {
		t.Error("RequireKeys() with missing key should error")
	}
}

func containsDollar(s string) bool {
	for _, c := range s {
		if c == '$' {
			return true
		}
	}
	return false
}
