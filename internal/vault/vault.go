// Package vault owns the store's key material and the authenticated
// encryption of face vectors.
//
// The key and the store nonce (IV) live in two files that must exist
// together. Provision creates both on first use and refuses to repair a
// half-present pair, because a fresh key would orphan every vector already
// encrypted under the old one.
package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

const (
	KeyLen = 32 // 256-bit
	IVLen  = 24
)

var (
	ErrCorruptKeyState = errors.New("corrupt key state")
	ErrKeyAbsent       = errors.New("key material not provisioned")
	ErrDecryption      = errors.New("decryption failed")
	ErrVectorLength    = errors.New("invalid vector length")
)

// Material is the symmetric key plus the store-level nonce.
type Material struct {
	Key []byte
	IV  []byte
}

// Paths locates the two key-material files.
type Paths struct {
	Key string
	IV  string
}

// Provision loads the key material, generating and persisting it when
// neither file exists yet. Exactly one file present is ErrCorruptKeyState.
func Provision(p Paths) (*Material, error) {
	return provision(p, rand.Reader)
}

func provision(p Paths, r io.Reader) (*Material, error) {
	m, err := Load(p)
	if err == nil || !errors.Is(err, ErrKeyAbsent) {
		return m, err
	}

	m = &Material{Key: make([]byte, KeyLen), IV: make([]byte, IVLen)}
	if _, err := io.ReadFull(r, m.Key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if _, err := io.ReadFull(r, m.IV); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	for _, f := range []struct {
		path string
		data []byte
	}{{p.IV, m.IV}, {p.Key, m.Key}} {
		if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
			return nil, fmt.Errorf("create key dir: %w", err)
		}
		if err := renameio.WriteFile(f.path, f.data, 0o600); err != nil {
			return nil, fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	return m, nil
}

// Load reads existing key material without creating anything.
func Load(p Paths) (*Material, error) {
	key, keyErr := readOptional(p.Key)
	iv, ivErr := readOptional(p.IV)
	if keyErr != nil {
		return nil, keyErr
	}
	if ivErr != nil {
		return nil, ivErr
	}

	switch {
	case key == nil && iv == nil:
		return nil, ErrKeyAbsent
	case key == nil:
		return nil, fmt.Errorf("%w: iv file %s present without key file", ErrCorruptKeyState, p.IV)
	case iv == nil:
		return nil, fmt.Errorf("%w: key file %s present without iv file", ErrCorruptKeyState, p.Key)
	}

	if len(key) != KeyLen {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrCorruptKeyState, len(key), KeyLen)
	}
	if len(iv) != IVLen {
		return nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrCorruptKeyState, len(iv), IVLen)
	}
	return &Material{Key: key, IV: iv}, nil
}

// Remove deletes both files. Missing files are not an error.
func Remove(p Paths) error {
	for _, path := range []string{p.Key, p.IV} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	}
	return nil
}

// readOptional returns nil data (and nil error) when the file does not exist.
func readOptional(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
