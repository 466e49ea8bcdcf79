package credstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepair_RelocatesMovedRoot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"alice", "bob"} {
		_, err := f.store.Enroll(ctx, name, []byte(name+".jpg"))
		require.NoError(t, err)
	}

	// Move the whole storage root and point a new store at it; the index
	// still references the old location.
	newRoot := filepath.Join(f.dir, "relocated")
	require.NoError(t, os.Rename(f.opts.Root, newRoot))
	opts := f.opts
	opts.Root = newRoot
	moved := New(opts)

	known, err := moved.LoadKnown(ctx)
	require.NoError(t, err)
	assert.Empty(t, known.Names, "stale paths do not resolve before repair")

	report, err := moved.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, report.Moved)
	assert.Empty(t, report.Dropped)
	assert.True(t, report.Changed())

	known, err = moved.LoadKnown(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, known.Names)

	users, err := moved.List()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(newRoot, "bob", imageFile), users[1].Image)
}

func TestRepair_MovesStrayFilesIntoLayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.Enroll(ctx, "alice", []byte("alice.jpg"))
	require.NoError(t, err)

	stray := filepath.Join(f.dir, "legacy.jpg")
	canonical := filepath.Join(f.opts.Root, "alice", imageFile)
	require.NoError(t, os.Rename(canonical, stray))
	rewriteImage(t, f.opts.IndexPath, "alice", stray)

	report, err := f.store.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, report.Moved)
	assert.FileExists(t, canonical)
	assert.NoFileExists(t, stray)
}

func TestRepair_DropsAndDowngrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"alice", "carol"} {
		_, err := f.store.Enroll(ctx, name, []byte(name+".jpg"))
		require.NoError(t, err)
	}
	require.NoError(t, os.Remove(filepath.Join(f.opts.Root, "alice", imageFile)))
	require.NoError(t, os.Remove(filepath.Join(f.opts.Root, "carol", encodingFile)))

	report, err := f.store.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, report.Dropped)
	assert.Equal(t, []string{"carol"}, report.Downgraded)

	users, err := f.store.List()
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "carol", users[0].Username)
	assert.Empty(t, users[0].Encoding)
}

func TestRepair_NoopOnHealthyStore(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Enroll(context.Background(), "alice", []byte("alice.jpg"))
	require.NoError(t, err)

	report, err := f.store.Repair(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Changed())
}

func rewriteImage(t *testing.T, indexPath, name, image string) {
	t.Helper()
	data, err := os.ReadFile(indexPath)
	require.NoError(t, err)
	var idx index
	require.NoError(t, json.Unmarshal(data, &idx))
	rec := idx.Users[name]
	rec.Image = image
	idx.Users[name] = rec
	data, err = json.Marshal(idx)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(indexPath, data, 0o600))
}
