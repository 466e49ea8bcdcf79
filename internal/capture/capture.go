// Package capture yields JPEG frames from a camera or video input.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/facegate/internal/utils"
)

var (
	ErrCaptureUnavailable = errors.New("capture source unavailable")
	ErrFrameRead          = errors.New("frame read failed")
)

// maxFrameBytes bounds a single JPEG in the MJPEG stream.
const maxFrameBytes = 16 << 20

// Source yields encoded frames. Read returns io.EOF once the source is
// exhausted; errors wrapping ErrFrameRead are transient, errors wrapping
// ErrCaptureUnavailable are final.
type Source interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// StreamSource splits an MJPEG byte stream into frames.
type StreamSource struct {
	r       io.Reader
	scanner *bufio.Scanner
	failed  error

	// exited reports how the producing process ended. It is consulted when
	// the stream reaches EOF.
	exited func() error

	closer    func() error
	closeOnce sync.Once
	closeErr  error
}

// NewStreamSource reads frames from r. closer, when non-nil, runs once on
// Close.
func NewStreamSource(r io.Reader, closer func() error) *StreamSource {
	s := &StreamSource{r: r, closer: closer}
	s.resync()
	return s
}

// resync starts a fresh scanner on the underlying reader. bufio.Scanner
// stops for good after its first error, so every transient failure needs one.
func (s *StreamSource) resync() {
	s.scanner = bufio.NewScanner(s.r)
	s.scanner.Buffer(make([]byte, 0, 1<<20), maxFrameBytes)
	s.scanner.Split(utils.SplitJpeg)
}

func (s *StreamSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.failed != nil {
		return nil, s.failed
	}
	if !s.scanner.Scan() {
		if err := s.scanner.Err(); err != nil {
			if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				s.failed = fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
				return nil, s.failed
			}
			// Drop the partial frame and pick up at the next SOI marker.
			s.resync()
			return nil, fmt.Errorf("%w: %v", ErrFrameRead, err)
		}
		if s.exited != nil && ctx.Err() == nil {
			if err := s.exited(); err != nil {
				s.failed = fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
				return nil, s.failed
			}
		}
		return nil, io.EOF
	}
	// The scanner reuses its buffer; hand out a private copy.
	frame := make([]byte, len(s.scanner.Bytes()))
	copy(frame, s.scanner.Bytes())
	return frame, nil
}

// Close is idempotent.
func (s *StreamSource) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}

// OpenFFmpeg starts ffmpeg decoding input (a device such as /dev/video0, or a
// file) with the given input format and returns its frames.
func OpenFFmpeg(ctx context.Context, input, format string) (*StreamSource, *utils.SafeCommand, error) {
	ff := utils.NewSafeCommand(ctx, "ffmpeg", utils.FFmpegArgs(input, format)...)
	stdout, err := ff.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	if err := ff.Start(); err != nil {
		return nil, ff, fmt.Errorf("%w: start ffmpeg: %v", ErrCaptureUnavailable, err)
	}

	var (
		waitOnce sync.Once
		waitErr  error
	)
	wait := func() error {
		// Wait closes stdout and flushes the captured stderr.
		waitOnce.Do(func() { waitErr = ff.Wait() })
		return waitErr
	}
	closer := func() error {
		if ff.Process != nil {
			_ = ff.Process.Kill()
		}
		// A killed process always reports an exit error.
		_ = wait()
		return nil
	}

	src := NewStreamSource(stdout, closer)
	src.exited = func() error {
		if err := wait(); err != nil {
			return fmt.Errorf("ffmpeg exited: %w", err)
		}
		return nil
	}
	return src, ff, nil
}
