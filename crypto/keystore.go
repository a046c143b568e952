package crypto

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

var (
	errNilOperatorKey    = errors.New("crypto: nil operator key")
	errEmptyKeystorePath = errors.New("crypto: empty keystore path")
)

// SaveOperatorKey encrypts the ledger operator's signing key into a v3
// keystore file at the given path. The key is imported into a scratch
// directory first so a half-written file never replaces an existing keystore;
// the final file is chmodded to 0600.
func SaveOperatorKey(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errNilOperatorKey
	}
	if path == "" {
		return errEmptyKeystorePath
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	scratch, err := os.MkdirTemp(dir, "operator-keystore-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	ks := keystore.NewKeyStore(scratch, keystore.StandardScryptN, keystore.StandardScryptP)
	if _, err := ks.ImportECDSA(key.PrivateKey, passphrase); err != nil {
		return err
	}

	entries, err := os.ReadDir(scratch)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return errors.New("crypto: keystore import produced no file")
	}

	encrypted := filepath.Join(scratch, entries[0].Name())
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(encrypted, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadOperatorKey decrypts the operator keystore file with the supplied
// passphrase.
func LoadOperatorKey(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errEmptyKeystorePath
	}

	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}

	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
