package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/capture"
	"github.com/andresmejia3/facegate/internal/clock"
	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/decision"
	"github.com/andresmejia3/facegate/internal/sampler"
	"github.com/andresmejia3/facegate/internal/throttle"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

// RunOptions holds the flags of the run command.
type RunOptions struct {
	Device          string
	Format          string
	Threshold       float64
	FrameSkip       int
	Scale           float64
	DenialInterval  time.Duration
	ResetInterval   time.Duration
	DeniedDir       string
	MaxReadFailures int
	NoSnapshots     bool
}

var runOpts RunOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the camera and grant or deny access to each face",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		applyRunFlags(cmd, cfg, runOpts)
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runSession(cmd.Context(), cfg, runOpts)
	},
}

func init() {
	d := config.Default()
	runCmd.Flags().StringVarP(&runOpts.Device, "input", "i", d.Capture.Device, "Camera device or video file")
	runCmd.Flags().StringVarP(&runOpts.Format, "format", "f", d.Capture.Format, "FFmpeg input format (v4l2, avfoundation, dshow); empty to probe")
	runCmd.Flags().Float64VarP(&runOpts.Threshold, "threshold", "t", d.Recognition.Threshold, "Face matching threshold (lower is stricter)")
	runCmd.Flags().IntVarP(&runOpts.FrameSkip, "nth-frame", "n", d.Recognition.FrameSkip, "Process every Nth frame")
	runCmd.Flags().Float64Var(&runOpts.Scale, "scale", d.Recognition.Scale, "Downscale factor applied before detection, in (0, 1]")
	runCmd.Flags().DurationVar(&runOpts.DenialInterval, "denial-interval", d.Throttle.DenialInterval, "At most one denial snapshot per interval")
	runCmd.Flags().DurationVar(&runOpts.ResetInterval, "reset-interval", d.Throttle.ResetInterval, "How often the denial history is cleared")
	runCmd.Flags().StringVar(&runOpts.DeniedDir, "denied-dir", d.Artifacts.DeniedDir, "Directory for denial snapshots")
	runCmd.Flags().IntVar(&runOpts.MaxReadFailures, "max-read-failures", 100, "Stop after this many consecutive failed frame reads (0 = never)")
	runCmd.Flags().BoolVar(&runOpts.NoSnapshots, "no-snapshots", false, "Do not save denial snapshots")
	rootCmd.AddCommand(runCmd)
}

// applyRunFlags copies explicitly set flags over the loaded configuration.
func applyRunFlags(cmd *cobra.Command, c *config.Config, o RunOptions) {
	f := cmd.Flags()
	if f.Changed("input") {
		c.Capture.Device = o.Device
	}
	if f.Changed("format") {
		c.Capture.Format = o.Format
	}
	if f.Changed("threshold") {
		c.Recognition.Threshold = o.Threshold
	}
	if f.Changed("nth-frame") {
		c.Recognition.FrameSkip = o.FrameSkip
	}
	if f.Changed("scale") {
		c.Recognition.Scale = o.Scale
	}
	if f.Changed("denial-interval") {
		c.Throttle.DenialInterval = o.DenialInterval
	}
	if f.Changed("reset-interval") {
		c.Throttle.ResetInterval = o.ResetInterval
	}
	if f.Changed("denied-dir") {
		c.Artifacts.DeniedDir = o.DeniedDir
	}
}

// runSession loads the known faces, opens the camera and runs the decision
// loop until Ctrl+C or the input ends.
func runSession(ctx context.Context, c *config.Config, o RunOptions) error {
	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	det, err := startDetector(ctx, c)
	if err != nil {
		return utils.ShowError("Failed to start AI worker", err, nil)
	}
	defer det.Close()

	// Known vectors must be fully loaded before the first match.
	store := openStore(c, det)
	known, err := store.LoadKnown(ctx)
	if err != nil {
		return utils.ShowError("Failed to load known users", err, nil)
	}
	fmt.Fprintf(os.Stderr, "👥 Loaded %d known face(s)\n", len(known.Names))

	sink, closeAudit, err := openAudit(ctx, c)
	if err != nil {
		return utils.ShowError("Failed to open access log", err, nil)
	}
	defer closeAudit()

	opts := decision.Options{
		Detector:        det,
		Gallery:         known.Gallery(),
		Sampler:         sampler.New(c.Recognition.FrameSkip, c.Recognition.Scale),
		Throttle:        throttle.New(clock.NewMonotonic(), c.Throttle.DenialInterval, c.Throttle.ResetInterval),
		Audit:           sink,
		Logger:          logger.With("component", "decision"),
		Threshold:       c.Recognition.Threshold,
		MaxReadFailures: o.MaxReadFailures,
	}
	if !o.NoSnapshots {
		if opts.Artifacts, err = newArtifactWriter(ctx, c); err != nil {
			return utils.ShowError("Failed to set up denial snapshots", err, nil)
		}
	}

	src, ff, err := capture.OpenFFmpeg(ctx, c.Capture.Device, c.Capture.Format)
	if err != nil {
		return utils.ShowError("Camera unavailable", err, ff)
	}
	opts.Source = src

	loop, err := decision.New(opts)
	if err != nil {
		src.Close()
		return err
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🎥 Watching "+c.Capture.Device),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
	)

	verdicts := make(chan types.Verdict, 16)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printVerdicts(os.Stdout, bar, verdicts)
	}()

	runErr := loop.Run(ctx, verdicts)
	close(verdicts)
	<-printed
	bar.Finish()

	printSummary(os.Stderr, loop.Stats())
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		if errors.Is(runErr, capture.ErrCaptureUnavailable) {
			return utils.ShowError("Camera unavailable", runErr, ff)
		}
		return utils.ShowError("Decision loop stopped", runErr, ff)
	}
	return nil
}

func printVerdicts(w io.Writer, bar *progressbar.ProgressBar, verdicts <-chan types.Verdict) {
	for v := range verdicts {
		if bar != nil {
			bar.Clear()
		}
		fmt.Fprintln(w, formatVerdict(v))
		if bar != nil {
			bar.Add(1)
		}
	}
}

// formatVerdict renders the visible allow/deny line for one face.
func formatVerdict(v types.Verdict) string {
	dist := "n/a"
	if !math.IsInf(v.Distance, 0) {
		dist = fmt.Sprintf("%.3f", v.Distance)
	}
	box := fmt.Sprintf("[%d,%d,%d,%d]", v.Box.Top, v.Box.Right, v.Box.Bottom, v.Box.Left)
	if v.Granted {
		return fmt.Sprintf("✅ ACCESS GRANTED  %-20s distance=%s box=%s", v.Label(), dist, box)
	}
	return fmt.Sprintf("⛔ ACCESS DENIED   %-20s distance=%s box=%s", v.Label(), dist, box)
}

func printSummary(w io.Writer, s decision.Stats) {
	fmt.Fprintf(w, "\n🏁 Session ended. Processed %d of %d frames (%d read failures, %d detection failures).\n",
		s.FramesProcessed, s.FramesRead, s.ReadFailures, s.DetectFailures)
	fmt.Fprintf(w, "   Faces: %d  Granted: %d  Denied: %d  Snapshots: %d\n",
		s.Faces, s.Granted, s.Denied, s.Artifacts)
}
