package crypto

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestOperatorKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "operator.keystore")

	if err := SaveOperatorKey(path, key, "seafoam"); err != nil {
		t.Fatalf("save operator key: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat keystore: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("keystore permissions = %v, want 0600", perm)
	}

	loaded, err := LoadOperatorKey(path, "seafoam")
	if err != nil {
		t.Fatalf("load operator key: %v", err)
	}
	if loaded.PrivateKey.D.Cmp(key.PrivateKey.D) != 0 {
		t.Fatalf("loaded key does not match saved key")
	}
	if loaded.PubKey().Address().String() != key.PubKey().Address().String() {
		t.Fatalf("loaded address %s does not match %s", loaded.PubKey().Address(), key.PubKey().Address())
	}
}

func TestSaveOperatorKeyOverwritesExistingFile(t *testing.T) {
	first, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	second, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "operator.keystore")

	if err := SaveOperatorKey(path, first, "pw"); err != nil {
		t.Fatalf("save first key: %v", err)
	}
	if err := SaveOperatorKey(path, second, "pw"); err != nil {
		t.Fatalf("save second key: %v", err)
	}

	loaded, err := LoadOperatorKey(path, "pw")
	if err != nil {
		t.Fatalf("load operator key: %v", err)
	}
	if loaded.PrivateKey.D.Cmp(second.PrivateKey.D) != 0 {
		t.Fatalf("keystore still holds the first key after overwrite")
	}
}

func TestLoadOperatorKeyRejectsWrongPassphrase(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "operator.keystore")

	if err := SaveOperatorKey(path, key, "right"); err != nil {
		t.Fatalf("save operator key: %v", err)
	}
	if _, err := LoadOperatorKey(path, "wrong"); err == nil {
		t.Fatalf("expected decryption failure with wrong passphrase")
	}
}

func TestOperatorKeystoreArgumentValidation(t *testing.T) {
	key, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	if err := SaveOperatorKey("", key, "pw"); !errors.Is(err, errEmptyKeystorePath) {
		t.Fatalf("save with empty path: got %v, want %v", err, errEmptyKeystorePath)
	}
	if err := SaveOperatorKey(filepath.Join(t.TempDir(), "k"), nil, "pw"); !errors.Is(err, errNilOperatorKey) {
		t.Fatalf("save with nil key: got %v, want %v", err, errNilOperatorKey)
	}
	if _, err := LoadOperatorKey("", "pw"); !errors.Is(err, errEmptyKeystorePath) {
		t.Fatalf("load with empty path: got %v, want %v", err, errEmptyKeystorePath)
	}
}
