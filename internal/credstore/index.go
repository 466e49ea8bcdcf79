package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

const indexVersion = 1

// Kind tags what an enrollment record holds.
type Kind string

const (
	KindVector Kind = "vector" // image plus encrypted face vector
	KindImage  Kind = "image"  // image only, no face was found
)

type record struct {
	Kind     Kind   `json:"kind"`
	Image    string `json:"image"`
	Encoding string `json:"encoding,omitempty"`
}

func (r record) valid() bool {
	switch r.Kind {
	case KindVector:
		return r.Image != "" && r.Encoding != ""
	case KindImage:
		return r.Image != "" && r.Encoding == ""
	default:
		return false
	}
}

type index struct {
	Version int               `json:"version"`
	Users   map[string]record `json:"users"`
}

func newIndex() *index {
	return &index{Version: indexVersion, Users: map[string]record{}}
}

// readIndex returns an empty index when the file does not exist yet.
func readIndex(path string) (*index, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return newIndex(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read index: %v", ErrStorageIO, err)
	}

	idx := &index{}
	if err := json.Unmarshal(data, idx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptIndex, err)
	}
	if idx.Version != indexVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptIndex, idx.Version)
	}
	if idx.Users == nil {
		idx.Users = map[string]record{}
	}
	for name, rec := range idx.Users {
		if !rec.valid() {
			return nil, fmt.Errorf("%w: record %q has kind %q with image=%q encoding=%q",
				ErrCorruptIndex, name, rec.Kind, rec.Image, rec.Encoding)
		}
	}
	return idx, nil
}

// writeIndexFile is swapped out in tests.
var writeIndexFile = writeIndex

// writeIndex replaces the index file atomically.
func writeIndex(path string, idx *index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	if err := renameio.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("%w: write index: %v", ErrStorageIO, err)
	}
	return nil
}
