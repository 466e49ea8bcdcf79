// Package decision runs the access-control loop: frames in, verdicts out.
package decision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facegate/internal/artifact"
	"github.com/andresmejia3/facegate/internal/audit"
	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/logging"
	"github.com/andresmejia3/facegate/internal/matcher"
	"github.com/andresmejia3/facegate/internal/sampler"
	"github.com/andresmejia3/facegate/internal/throttle"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/worker"
)

type State int32

const (
	Idle State = iota
	Sampling
	Detecting
	Matching
	Deciding
	Granting
	Denying
	Stopped
)

var stateNames = [...]string{"idle", "sampling", "detecting", "matching", "deciding", "granting", "denying", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int32(s))
	}
	return stateNames[s]
}

// Stats counts what one Run has done so far.
type Stats struct {
	FramesRead      int64
	FramesProcessed int64
	ReadFailures    int64
	DetectFailures  int64
	Faces           int64
	Granted         int64
	Denied          int64
	Artifacts       int64
}

type Options struct {
	Source    capture.Source
	Detector  worker.Detector
	Gallery   matcher.Gallery
	Sampler   *sampler.Sampler
	Throttle  *throttle.Throttle
	Artifacts artifact.Writer // nil disables denial snapshots
	Audit     audit.Sink      // nil disables the access log
	Logger    logging.Logger
	Threshold float64

	// MaxReadFailures stops the loop after that many consecutive failed
	// reads. Zero retries forever.
	MaxReadFailures int
	// ReadBackoff is the pause after a failed read, doubled for each
	// consecutive failure up to maxReadBackoff. Zero means 50ms; negative
	// disables the pause.
	ReadBackoff time.Duration

	Now          func() time.Time
	OnTransition func(State)
}

// Loop owns its capture source; Run closes it on every exit path.
type Loop struct {
	opts      Options
	log       logging.Logger
	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error

	mu    sync.Mutex
	stats Stats
}

func New(o Options) (*Loop, error) {
	switch {
	case o.Source == nil:
		return nil, errors.New("decision: nil capture source")
	case o.Detector == nil:
		return nil, errors.New("decision: nil detector")
	case o.Sampler == nil:
		return nil, errors.New("decision: nil sampler")
	case o.Throttle == nil:
		return nil, errors.New("decision: nil throttle")
	case math.IsNaN(o.Threshold) || o.Threshold <= 0:
		return nil, fmt.Errorf("decision: threshold must be > 0, got %g", o.Threshold)
	}
	if o.Audit == nil {
		o.Audit = audit.NopSink{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.ReadBackoff == 0 {
		o.ReadBackoff = 50 * time.Millisecond
	}
	log := o.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Loop{opts: o, log: log}, nil
}

// State reports where the loop currently is.
func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Loop) count(f func(*Stats)) {
	l.mu.Lock()
	f(&l.stats)
	l.mu.Unlock()
}

func (l *Loop) enter(s State) {
	l.state.Store(int32(s))
	if l.opts.OnTransition != nil {
		l.opts.OnTransition(s)
	}
}

func (l *Loop) release() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.opts.Source.Close()
	})
	return l.closeErr
}

// Run processes frames until ctx is canceled or the source is exhausted.
// Cancellation is honoured between frames; a frame that has started is
// finished. Verdicts are sent on verdicts when it is non-nil.
func (l *Loop) Run(ctx context.Context, verdicts chan<- types.Verdict) error {
	defer func() {
		if cerr := l.release(); cerr != nil {
			l.log.Warn(ctx, "closing capture source", "error", cerr)
		}
		l.enter(Stopped)
	}()

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		l.enter(Idle)

		frame, err := l.opts.Source.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, capture.ErrCaptureUnavailable) {
				return err
			}
			failures++
			l.count(func(s *Stats) { s.ReadFailures++ })
			l.log.Debug(ctx, "frame read failed", "error", err, "consecutive", failures)
			if l.opts.MaxReadFailures > 0 && failures >= l.opts.MaxReadFailures {
				return fmt.Errorf("%w: %d consecutive failures, last: %v", capture.ErrFrameRead, failures, err)
			}
			if !l.pause(ctx, failures) {
				return nil
			}
			continue
		}
		failures = 0
		l.count(func(s *Stats) { s.FramesRead++ })

		l.enter(Sampling)
		if !l.opts.Sampler.ShouldProcess() {
			continue
		}
		l.processFrame(ctx, frame, verdicts)
	}
}

const maxReadBackoff = time.Second

// pause waits out the backoff after the n-th consecutive read failure. It
// reports false when ctx ends first.
func (l *Loop) pause(ctx context.Context, n int) bool {
	d := l.opts.ReadBackoff
	if d <= 0 {
		return true
	}
	for i := 1; i < n && d < maxReadBackoff; i++ {
		d *= 2
	}
	d = min(d, maxReadBackoff)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Loop) processFrame(ctx context.Context, frame []byte, verdicts chan<- types.Verdict) {
	// Storage side effects of a started frame complete even if a stop arrives.
	work := context.WithoutCancel(ctx)

	l.enter(Detecting)
	l.count(func(s *Stats) { s.FramesProcessed++ })

	full, scaled, err := l.opts.Sampler.Prepare(frame)
	if err != nil {
		l.count(func(s *Stats) { s.DetectFailures++ })
		l.log.Warn(ctx, "skipping undecodable frame", "error", err)
		return
	}
	faces, err := l.opts.Detector.DetectAndEncode(work, scaled)
	if err != nil {
		l.count(func(s *Stats) { s.DetectFailures++ })
		l.log.Warn(ctx, "detection failed", "error", err)
		return
	}
	if len(faces) == 0 {
		return
	}
	l.count(func(s *Stats) { s.Faces += int64(len(faces)) })

	for _, f := range faces {
		l.enter(Matching)
		v := l.match(f)

		l.enter(Deciding)
		artifactPath := l.decide(work, full, v)

		if err := l.opts.Audit.RecordEvent(work, audit.EventFromVerdict(v, l.opts.Now(), artifactPath)); err != nil {
			l.log.Warn(ctx, "audit record failed", "error", err)
		}
		if verdicts != nil {
			select {
			case verdicts <- v:
			case <-ctx.Done():
			}
		}
	}
}

func (l *Loop) match(f types.Face) types.Verdict {
	name, distance, ok := l.opts.Gallery.Identify(f.Vec, l.opts.Threshold)
	return types.Verdict{
		Name:     name,
		Known:    ok,
		Distance: distance,
		Granted:  ok,
		Box:      l.opts.Sampler.ScaleBox(f.Box),
	}
}

// decide logs the verdict and, for throttled denials, saves a snapshot. It
// returns the snapshot path, if any.
func (l *Loop) decide(ctx context.Context, full image.Image, v types.Verdict) string {
	if v.Granted {
		l.enter(Granting)
		l.count(func(s *Stats) { s.Granted++ })
		l.log.Info(ctx, "access granted", "username", v.Name, "distance", v.Distance, "box", v.Box)
		return ""
	}

	l.enter(Denying)
	l.count(func(s *Stats) { s.Denied++ })
	l.log.Warn(ctx, "access denied", "label", v.Label(), "distance", v.Distance, "box", v.Box)

	if l.opts.Artifacts == nil || !l.opts.Throttle.Allow() {
		return ""
	}
	path, err := l.opts.Artifacts.Save(ctx, full, v.Box)
	if err != nil {
		l.log.Error(ctx, "saving denial snapshot", "error", err)
		return ""
	}
	l.count(func(s *Stats) { s.Artifacts++ })
	l.log.Info(ctx, "denial snapshot saved", "path", path)
	return path
}
