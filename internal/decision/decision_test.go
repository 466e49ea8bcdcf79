package decision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andresmejia3/facegate/internal/audit"
	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/clock"
	"github.com/andresmejia3/facegate/internal/matcher"
	"github.com/andresmejia3/facegate/internal/sampler"
	"github.com/andresmejia3/facegate/internal/throttle"
	"github.com/andresmejia3/facegate/internal/types"
)

func testFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// step is one Read result: a frame, or an error.
type step struct {
	frame []byte
	err   error
}

type fakeSource struct {
	mu     sync.Mutex
	steps  []step
	repeat []byte // served forever once steps run out, when non-nil
	onRead func()
	reads  int
	closed int
}

func (f *fakeSource) Read(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.onRead != nil {
		f.onRead()
	}
	if len(f.steps) == 0 {
		if f.repeat != nil {
			return f.repeat, nil
		}
		return nil, io.EOF
	}
	s := f.steps[0]
	f.steps = f.steps[1:]
	return s.frame, s.err
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// fakeDetector returns results[i] on the i-th call, then no faces.
type fakeDetector struct {
	results [][]types.Face
	errs    []error
	calls   int
}

func (f *fakeDetector) DetectAndEncode(context.Context, []byte) ([]types.Face, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], nil
	}
	return nil, nil
}

type fakeWriter struct {
	boxes []types.Box
}

func (f *fakeWriter) Save(_ context.Context, _ image.Image, box types.Box) (string, error) {
	f.boxes = append(f.boxes, box)
	return "/denied/snap.png", nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (f *fakeSink) RecordEvent(_ context.Context, e audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func vec(v float64) []float64 {
	out := make([]float64, types.VectorLen)
	out[0] = v
	return out
}

var (
	aliceFace    = types.Face{Box: types.Box{Top: 5, Right: 20, Bottom: 20, Left: 5}, Vec: vec(0.1)}
	strangerFace = types.Face{Box: types.Box{Top: 1, Right: 10, Bottom: 10, Left: 1}, Vec: vec(5)}
	gallery      = matcher.Gallery{Names: []string{"alice"}, Vectors: [][]float64{vec(0)}}
)

type harness struct {
	src    *fakeSource
	det    *fakeDetector
	writer *fakeWriter
	sink   *fakeSink
	clk    *clock.Manual
	opts   Options
}

func newHarness(t *testing.T, skip int, scale float64) *harness {
	t.Helper()
	h := &harness{
		src:    &fakeSource{},
		det:    &fakeDetector{},
		writer: &fakeWriter{},
		sink:   &fakeSink{},
		clk:    clock.NewManual(0),
	}
	h.opts = Options{
		Source:    h.src,
		Detector:  h.det,
		Gallery:   gallery,
		Sampler:   sampler.New(skip, scale),
		Throttle:  throttle.New(h.clk, 15*time.Second, 300*time.Second),
		Artifacts: h.writer,
		Audit:     h.sink,
		Threshold: 0.6,
	}
	return h
}

func (h *harness) frames(t *testing.T, n int) {
	frame := testFrame(t)
	for i := 0; i < n; i++ {
		h.src.steps = append(h.src.steps, step{frame: frame})
	}
}

func runAll(t *testing.T, l *Loop) []types.Verdict {
	t.Helper()
	ch := make(chan types.Verdict, 64)
	require.NoError(t, l.Run(context.Background(), ch))
	close(ch)
	var out []types.Verdict
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func TestRun_GrantsAndDeniesInDetectionOrder(t *testing.T) {
	h := newHarness(t, 1, 0.5)
	h.frames(t, 1)
	h.det.results = [][]types.Face{{aliceFace, strangerFace}}

	l, err := New(h.opts)
	require.NoError(t, err)
	got := runAll(t, l)

	require.Len(t, got, 2)
	assert.True(t, got[0].Granted)
	assert.Equal(t, "alice", got[0].Name)
	assert.InDelta(t, 0.1, got[0].Distance, 1e-12)
	assert.Equal(t, types.Box{Top: 10, Right: 40, Bottom: 40, Left: 10}, got[0].Box, "boxes are reported at full resolution")

	assert.False(t, got[1].Granted)
	assert.False(t, got[1].Known)
	assert.Equal(t, "Unknown", got[1].Label())

	st := l.Stats()
	assert.Equal(t, int64(1), st.Granted)
	assert.Equal(t, int64(1), st.Denied)
	assert.Equal(t, int64(1), st.Artifacts)
	assert.Equal(t, []types.Box{{Top: 2, Right: 20, Bottom: 20, Left: 2}}, h.writer.boxes)

	require.Len(t, h.sink.events, 2)
	assert.Equal(t, "alice", h.sink.events[0].Name)
	assert.Empty(t, h.sink.events[0].ArtifactPath)
	assert.Equal(t, "/denied/snap.png", h.sink.events[1].ArtifactPath)
}

func TestRun_DenialSnapshotsAreThrottled(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.frames(t, 4)
	h.det.results = [][]types.Face{{strangerFace}, {strangerFace}, {strangerFace}, {strangerFace}}

	// Reads happen at t = 0, 5, 10, 16 seconds.
	offsets := []time.Duration{0, 5 * time.Second, 10 * time.Second, 16 * time.Second}
	h.src.onRead = func() {
		if i := h.src.reads - 1; i < len(offsets) {
			h.clk.Set(offsets[i])
		}
	}

	l, err := New(h.opts)
	require.NoError(t, err)
	got := runAll(t, l)

	require.Len(t, got, 4)
	for _, v := range got {
		assert.False(t, v.Granted, "every denial is still reported")
	}
	assert.Len(t, h.writer.boxes, 2)
	assert.Equal(t, int64(4), l.Stats().Denied)
	assert.Equal(t, int64(2), l.Stats().Artifacts)
}

func TestRun_SamplesEverySkipFrame(t *testing.T) {
	h := newHarness(t, 3, 1)
	h.frames(t, 9)

	l, err := New(h.opts)
	require.NoError(t, err)
	runAll(t, l)

	assert.Equal(t, 3, h.det.calls)
	st := l.Stats()
	assert.Equal(t, int64(9), st.FramesRead)
	assert.Equal(t, int64(3), st.FramesProcessed)
}

func TestRun_EmptyGalleryDeniesEverything(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.frames(t, 1)
	h.det.results = [][]types.Face{{aliceFace}}
	h.opts.Gallery = matcher.Gallery{}

	l, err := New(h.opts)
	require.NoError(t, err)
	got := runAll(t, l)

	require.Len(t, got, 1)
	assert.False(t, got[0].Granted)
	assert.True(t, math.IsInf(got[0].Distance, 1))
}

func TestRun_SkipsReadAndDetectFailures(t *testing.T) {
	h := newHarness(t, 1, 1)
	frame := testFrame(t)
	h.src.steps = []step{
		{err: capture.ErrFrameRead},
		{frame: frame},
		{err: capture.ErrFrameRead},
		{frame: []byte("not a jpeg")},
		{frame: frame},
	}
	h.det.errs = []error{errors.New("worker hiccup")}
	h.det.results = [][]types.Face{nil, {aliceFace}}

	l, err := New(h.opts)
	require.NoError(t, err)
	got := runAll(t, l)

	require.Len(t, got, 1)
	assert.True(t, got[0].Granted)
	st := l.Stats()
	assert.Equal(t, int64(2), st.ReadFailures)
	assert.Equal(t, int64(2), st.DetectFailures)
	assert.Equal(t, 1, h.src.closed)
}

func TestRun_GivesUpAfterConsecutiveReadFailures(t *testing.T) {
	h := newHarness(t, 1, 1)
	for i := 0; i < 5; i++ {
		h.src.steps = append(h.src.steps, step{err: capture.ErrFrameRead})
	}
	h.opts.MaxReadFailures = 3

	l, err := New(h.opts)
	require.NoError(t, err)
	err = l.Run(context.Background(), nil)

	assert.ErrorIs(t, err, capture.ErrFrameRead)
	assert.Equal(t, 3, h.src.reads)
	assert.Equal(t, 1, h.src.closed)
	assert.Equal(t, Stopped, l.State())
}

func TestRun_CaptureUnavailableIsFatal(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.frames(t, 1)
	h.src.steps = append([]step{{err: fmt.Errorf("%w: ffmpeg exited: exit status 1", capture.ErrCaptureUnavailable)}}, h.src.steps...)
	h.opts.MaxReadFailures = 0

	l, err := New(h.opts)
	require.NoError(t, err)
	err = l.Run(context.Background(), nil)

	require.ErrorIs(t, err, capture.ErrCaptureUnavailable)
	assert.Equal(t, 1, h.src.reads)
	assert.Equal(t, 1, h.src.closed)
	assert.Equal(t, Stopped, l.State())
}

func TestRun_BacksOffBetweenReadFailures(t *testing.T) {
	h := newHarness(t, 1, 1)
	for i := 0; i < 3; i++ {
		h.src.steps = append(h.src.steps, step{err: capture.ErrFrameRead})
	}
	h.opts.ReadBackoff = 20 * time.Millisecond

	l, err := New(h.opts)
	require.NoError(t, err)
	start := time.Now()
	require.NoError(t, l.Run(context.Background(), nil))

	// 20ms + 40ms + 80ms before the source reports EOF.
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
	assert.Equal(t, int64(3), l.Stats().ReadFailures)
}

func TestRun_CancelDuringBackoff(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.src.steps = []step{{err: capture.ErrFrameRead}}
	h.opts.ReadBackoff = time.Hour

	l, err := New(h.opts)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, nil) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop stayed in backoff after cancel")
	}
	assert.Equal(t, 1, h.src.closed)
}

func TestRun_StopsOnCancelBetweenFrames(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.src.repeat = testFrame(t)
	h.det.results = [][]types.Face{{aliceFace, strangerFace}}

	l, err := New(h.opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan types.Verdict)
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, ch) }()

	first := <-ch
	assert.Equal(t, "alice", first.Name)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop after cancel")
	}

	assert.Equal(t, Stopped, l.State())
	assert.Equal(t, 1, h.src.closed)
	// The frame in progress was completed: both faces were audited.
	assert.Len(t, h.sink.events, 2)
}

func TestRun_StateTransitions(t *testing.T) {
	h := newHarness(t, 1, 1)
	h.frames(t, 2)
	h.det.results = [][]types.Face{{strangerFace}, nil}

	var seen []State
	h.opts.OnTransition = func(s State) { seen = append(seen, s) }

	l, err := New(h.opts)
	require.NoError(t, err)
	require.NoError(t, l.Run(context.Background(), nil))

	want := []State{
		Idle, Sampling, Detecting, Matching, Deciding, Denying,
		Idle, Sampling, Detecting, // no faces: straight back to Idle
		Idle, Stopped,
	}
	assert.Equal(t, want, seen)
}

func TestNew_Validates(t *testing.T) {
	h := newHarness(t, 1, 1)
	for name, mutate := range map[string]func(*Options){
		"no source":     func(o *Options) { o.Source = nil },
		"no detector":   func(o *Options) { o.Detector = nil },
		"no sampler":    func(o *Options) { o.Sampler = nil },
		"no throttle":   func(o *Options) { o.Throttle = nil },
		"no threshold":  func(o *Options) { o.Threshold = 0 },
		"NaN threshold": func(o *Options) { o.Threshold = math.NaN() },
	} {
		o := h.opts
		mutate(&o)
		_, err := New(o)
		assert.Error(t, err, name)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "denying", Denying.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "state(42)", State(42).String())
}
