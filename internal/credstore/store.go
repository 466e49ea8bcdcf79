// Package credstore persists enrollment records: one image per user plus, when
// a face was found, the user's face vector encrypted under the store key.
package credstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/renameio"

	"github.com/andresmejia3/facegate/internal/logging"
	"github.com/andresmejia3/facegate/internal/matcher"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/vault"
	"github.com/andresmejia3/facegate/internal/worker"
)

var (
	ErrNotFound        = errors.New("user not found")
	ErrNoVector        = errors.New("user has no face vector")
	ErrCorruptIndex    = errors.New("corrupt user index")
	ErrStorageIO       = errors.New("storage i/o failure")
	ErrInvalidUsername = errors.New("invalid username")
	ErrNoDetector      = errors.New("no face detector configured")
)

const (
	imageFile    = "img.jpg"
	encodingFile = "encoding.bin"
)

// Outcome distinguishes a full enrollment from one where no face was found.
type Outcome int

const (
	Full    Outcome = iota // image and vector stored
	Partial                // image stored, no face detected
)

func (o Outcome) String() string {
	if o == Partial {
		return "partial"
	}
	return "full"
}

// EnrolledUser is one row of List. Encoding is empty when the user has no
// vector.
type EnrolledUser struct {
	Username string `json:"username"`
	Image    string `json:"image"`
	Encoding string `json:"encoding,omitempty"`
}

// Known is the decrypted gallery handed to the matcher. Names[i] owns
// Vectors[i].
type Known struct {
	Names   []string
	Vectors [][]float64
}

func (k *Known) Gallery() matcher.Gallery {
	return matcher.Gallery{Names: k.Names, Vectors: k.Vectors}
}

type Options struct {
	Root      string
	IndexPath string
	Keys      vault.Paths
	Detector  worker.Detector // required by Enroll only
	Logger    logging.Logger
}

// Store is safe for concurrent use; mutations of the index are serialized.
type Store struct {
	mu        sync.Mutex
	root      string
	indexPath string
	keys      vault.Paths
	detector  worker.Detector
	log       logging.Logger
	cipher    *vault.Cipher
}

func New(opts Options) *Store {
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Store{
		root:      opts.Root,
		indexPath: opts.IndexPath,
		keys:      opts.Keys,
		detector:  opts.Detector,
		log:       log,
	}
}

// UserDir is the canonical directory holding a user's files.
func (s *Store) UserDir(username string) string {
	return filepath.Join(s.root, username)
}

// cipherLocked provisions key material on first use. Callers hold s.mu.
func (s *Store) cipherLocked() (*vault.Cipher, error) {
	if s.cipher != nil {
		return s.cipher, nil
	}
	m, err := vault.Provision(s.keys)
	if err != nil {
		return nil, err
	}
	c, err := vault.NewCipher(m)
	if err != nil {
		return nil, err
	}
	s.cipher = c
	return c, nil
}

// Enroll stores image for username, replacing any previous enrollment. The
// first face the detector reports becomes the user's vector; with no face
// the image is kept on its own and Partial is returned.
func (s *Store) Enroll(ctx context.Context, username string, image []byte) (Outcome, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		return Full, err
	}
	if s.detector == nil {
		return Full, ErrNoDetector
	}
	if len(image) == 0 {
		return Full, errors.New("empty image")
	}

	faces, err := s.detector.DetectAndEncode(ctx, image)
	if err != nil {
		return Full, fmt.Errorf("detect faces for %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.cipherLocked()
	if err != nil {
		return Full, err
	}
	idx, err := readIndex(s.indexPath)
	if err != nil {
		return Full, err
	}

	var sealed []byte
	if len(faces) > 0 {
		if len(faces[0].Vec) != types.VectorLen {
			return Full, fmt.Errorf("%w: detector returned %d values", vault.ErrVectorLength, len(faces[0].Vec))
		}
		if sealed, err = c.Seal(faces[0].Vec, []byte(name)); err != nil {
			return Full, err
		}
	}

	dir := s.UserDir(name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Full, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	imgPath := filepath.Join(dir, imageFile)
	encPath := filepath.Join(dir, encodingFile)

	// Keep what is on disk now so a failed write leaves the old record intact.
	prevImg, err := snapshotFile(imgPath)
	if err != nil {
		return Full, err
	}
	prevEnc, err := snapshotFile(encPath)
	if err != nil {
		return Full, err
	}

	outcome, err := s.writeRecord(idx, name, imgPath, encPath, image, sealed)
	if err != nil {
		for _, prev := range []fileSnapshot{prevImg, prevEnc} {
			if rerr := prev.restore(); rerr != nil {
				s.log.Error(ctx, "restoring previous enrollment", "username", name, "path", prev.path, "error", rerr)
			}
		}
		return Full, err
	}

	s.log.Info(ctx, "user enrolled", "username", name, "outcome", outcome.String(), "faces", len(faces))
	return outcome, nil
}

// writeRecord puts the image and sealed vector in place and commits the
// index. A nil sealed removes any earlier vector.
func (s *Store) writeRecord(idx *index, name, imgPath, encPath string, image, sealed []byte) (Outcome, error) {
	if err := renameio.WriteFile(imgPath, image, 0o600); err != nil {
		return Full, fmt.Errorf("%w: write image: %v", ErrStorageIO, err)
	}

	rec := record{Kind: KindImage, Image: imgPath}
	outcome := Partial
	if sealed != nil {
		if err := renameio.WriteFile(encPath, sealed, 0o600); err != nil {
			return Full, fmt.Errorf("%w: write encoding: %v", ErrStorageIO, err)
		}
		rec = record{Kind: KindVector, Image: imgPath, Encoding: encPath}
		outcome = Full
	} else if err := os.Remove(encPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Full, fmt.Errorf("%w: remove stale encoding: %v", ErrStorageIO, err)
	}

	idx.Users[name] = rec
	if err := writeIndexFile(s.indexPath, idx); err != nil {
		return Full, err
	}
	return outcome, nil
}

// fileSnapshot is a file's content before an enrollment touched it.
type fileSnapshot struct {
	path    string
	data    []byte
	existed bool
}

func snapshotFile(path string) (fileSnapshot, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		return fileSnapshot{path: path, data: data, existed: true}, nil
	case errors.Is(err, fs.ErrNotExist):
		return fileSnapshot{path: path}, nil
	}
	return fileSnapshot{}, fmt.Errorf("%w: read %s: %v", ErrStorageIO, filepath.Base(path), err)
}

func (f fileSnapshot) restore() error {
	if f.existed {
		return renameio.WriteFile(f.path, f.data, 0o600)
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// LoadKnown decrypts every usable vector, ordered by username. Users whose
// files are missing or fail to decrypt are skipped with a warning; a corrupt
// index or key state fails the whole load.
func (s *Store) LoadKnown(ctx context.Context) (*Known, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.cipherLocked()
	if err != nil {
		return nil, err
	}
	idx, err := readIndex(s.indexPath)
	if err != nil {
		return nil, err
	}

	known := &Known{}
	for _, name := range sortedNames(idx) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := idx.Users[name]
		if rec.Kind != KindVector {
			s.log.Debug(ctx, "user has no vector", "username", name)
			continue
		}
		if _, err := os.Stat(rec.Image); err != nil {
			s.log.Warn(ctx, "skipping user", "username", name, "reason", "image unavailable", "error", err)
			continue
		}
		vec, err := s.openVector(c, name, rec)
		if err != nil {
			s.log.Warn(ctx, "skipping user", "username", name, "reason", "vector unavailable", "error", err)
			continue
		}
		known.Names = append(known.Names, name)
		known.Vectors = append(known.Vectors, vec)
	}

	s.log.Info(ctx, "known users loaded", "loaded", len(known.Names), "indexed", len(idx.Users))
	return known, nil
}

func (s *Store) openVector(c *vault.Cipher, name string, rec record) ([]float64, error) {
	blob, err := os.ReadFile(rec.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: read encoding: %v", ErrStorageIO, err)
	}
	return c.Open(blob, []byte(name))
}

// GetVector decrypts one user's vector.
func (s *Store) GetVector(username string) ([]float64, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.cipherLocked()
	if err != nil {
		return nil, err
	}
	idx, err := readIndex(s.indexPath)
	if err != nil {
		return nil, err
	}
	rec, ok := idx.Users[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if rec.Kind != KindVector {
		return nil, fmt.Errorf("%w: %s", ErrNoVector, name)
	}
	return s.openVector(c, name, rec)
}

// List returns every indexed user ordered by username. It never creates key
// material.
func (s *Store) List() ([]EnrolledUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := readIndex(s.indexPath)
	if err != nil {
		return nil, err
	}
	users := make([]EnrolledUser, 0, len(idx.Users))
	for _, name := range sortedNames(idx) {
		rec := idx.Users[name]
		users = append(users, EnrolledUser{Username: name, Image: rec.Image, Encoding: rec.Encoding})
	}
	return users, nil
}

// ImagePath returns the stored image of one user.
func (s *Store) ImagePath(username string) (string, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := readIndex(s.indexPath)
	if err != nil {
		return "", err
	}
	rec, ok := idx.Users[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return rec.Image, nil
}

// Reset deletes the storage root, the index and the key material, returning
// the store to its state before first use.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if err := os.RemoveAll(s.root); err != nil {
		errs = append(errs, fmt.Errorf("remove %s: %w", s.root, err))
	}
	if err := os.Remove(s.indexPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove %s: %w", s.indexPath, err))
	}
	if err := vault.Remove(s.keys); err != nil {
		errs = append(errs, err)
	}
	s.cipher = nil
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	return nil
}

func sortedNames(idx *index) []string {
	names := make([]string, 0, len(idx.Users))
	for name := range idx.Users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
