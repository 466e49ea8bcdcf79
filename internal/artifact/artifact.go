// Package artifact writes denied-access snapshots.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"golang.org/x/image/draw"

	"github.com/andresmejia3/facegate/internal/types"
)

// Writer persists one denial snapshot and returns where it went.
type Writer interface {
	Save(ctx context.Context, frame image.Image, box types.Box) (string, error)
}

var denyColor = color.RGBA{R: 255, A: 255}

const boxStroke = 2

// DirWriter writes PNG snapshots named YYYYMMDD_HHMMSS_<id>.png into Dir.
type DirWriter struct {
	Dir   string
	Now   func() time.Time
	NewID func() string
}

func NewDirWriter(dir string) *DirWriter {
	return &DirWriter{
		Dir:   dir,
		Now:   time.Now,
		NewID: func() string { return uuid.NewString()[:8] },
	}
}

func (w *DirWriter) Save(ctx context.Context, frame image.Image, box types.Box) (string, error) {
	snap, err := w.write(ctx, frame, box)
	return snap.path, err
}

// snapshot is one written file: its path, the encoded PNG so mirrors can
// reuse it, and the time stamped into its name.
type snapshot struct {
	path string
	data []byte
	at   time.Time
}

func (w *DirWriter) write(ctx context.Context, frame image.Image, box types.Box) (snapshot, error) {
	if err := ctx.Err(); err != nil {
		return snapshot{}, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, Annotate(frame, box)); err != nil {
		return snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}

	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return snapshot{}, fmt.Errorf("create denied dir: %w", err)
	}
	at := w.Now()
	name := fmt.Sprintf("%s_%s.png", at.Format("20060102_150405"), w.NewID())
	path := filepath.Join(w.Dir, name)
	if err := renameio.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return snapshot{}, fmt.Errorf("write snapshot: %w", err)
	}
	return snapshot{path: path, data: buf.Bytes(), at: at}, nil
}

// Annotate returns a copy of frame with a red rectangle around box, clipped
// to the frame bounds.
func Annotate(frame image.Image, box types.Box) *image.RGBA {
	b := frame.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, frame, b.Min, draw.Src)

	r := image.Rect(box.Left, box.Top, box.Right, box.Bottom).Add(b.Min).Intersect(b)
	if r.Empty() {
		return out
	}
	fill := image.NewUniform(denyColor)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+boxStroke),
		image.Rect(r.Min.X, r.Max.Y-boxStroke, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+boxStroke, r.Max.Y),
		image.Rect(r.Max.X-boxStroke, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(out, e.Intersect(r), fill, image.Point{}, draw.Src)
	}
	return out
}
