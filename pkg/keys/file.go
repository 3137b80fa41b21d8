package keys

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultPath returns the default secret key file: ~/.curvecp/secret.key
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".curvecp", "secret.key")
	}
	return filepath.Join(home, ".curvecp", "secret.key")
}

// Save writes the secret half of kp to path as hex. The file is created
// with mode 0600 and an existing file is only replaced when overwrite is
// set.
func Save(path string, kp KeyPair, overwrite bool) error {
	if err := kp.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("keys: create directory: %w", err)
	}
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	file, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return fmt.Errorf("keys: open %s: %w", path, err)
	}
	defer file.Close()
	if _, err := file.WriteString(kp.Secret.String() + "\n"); err != nil {
		return fmt.Errorf("keys: write %s: %w", path, err)
	}
	return file.Close()
}

// Load reads a secret key file written by Save and derives its public key.
func Load(path string) (KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keys: read %s: %w", path, err)
	}
	secret, err := ParseKey(string(data))
	if err != nil {
		return KeyPair{}, fmt.Errorf("keys: %s: %w", path, err)
	}
	return FromSecret(secret)
}
