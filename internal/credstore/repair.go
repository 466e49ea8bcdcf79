package credstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// RepairReport lists what Repair changed, by username.
type RepairReport struct {
	Moved      []string // records rewritten to the canonical layout
	Downgraded []string // vector records whose encoding was lost, kept as image-only
	Dropped    []string // records whose image no longer exists
}

func (r RepairReport) Changed() bool {
	return len(r.Moved)+len(r.Downgraded)+len(r.Dropped) > 0
}

// Repair rewrites every record to the canonical <root>/<username>/ layout,
// moving files that live elsewhere, and removes records that no longer
// resolve. Used after the storage root has been relocated.
func (s *Store) Repair(ctx context.Context) (RepairReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report RepairReport
	idx, err := readIndex(s.indexPath)
	if err != nil {
		return report, err
	}

	for _, name := range sortedNames(idx) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec := idx.Users[name]
		dir := s.UserDir(name)
		wantImg := filepath.Join(dir, imageFile)
		wantEnc := filepath.Join(dir, encodingFile)

		imgOK, moved, err := relocate(rec.Image, wantImg)
		if err != nil {
			return report, err
		}
		if !imgOK {
			delete(idx.Users, name)
			report.Dropped = append(report.Dropped, name)
			s.log.Warn(ctx, "dropping user", "username", name, "reason", "image missing")
			continue
		}
		next := record{Kind: KindImage, Image: wantImg}

		if rec.Kind == KindVector {
			encOK, encMoved, err := relocate(rec.Encoding, wantEnc)
			if err != nil {
				return report, err
			}
			moved = moved || encMoved
			if encOK {
				next = record{Kind: KindVector, Image: wantImg, Encoding: wantEnc}
			} else {
				report.Downgraded = append(report.Downgraded, name)
				s.log.Warn(ctx, "user lost vector", "username", name, "reason", "encoding missing")
			}
		}
		if moved {
			report.Moved = append(report.Moved, name)
		}
		idx.Users[name] = next
	}

	if err := writeIndexFile(s.indexPath, idx); err != nil {
		return report, err
	}
	return report, nil
}

// relocate makes sure the file lives at want, moving it from have when
// needed. ok is false when neither location holds the file.
func relocate(have, want string) (ok, moved bool, err error) {
	if exists(want) {
		return true, filepath.Clean(have) != filepath.Clean(want), nil
	}
	if have == "" || !exists(have) {
		return false, false, nil
	}
	if err := os.MkdirAll(filepath.Dir(want), 0o700); err != nil {
		return false, false, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}
	if err := os.Rename(have, want); err != nil {
		return false, false, fmt.Errorf("%w: move %s: %v", ErrStorageIO, have, err)
	}
	return true, true, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}
