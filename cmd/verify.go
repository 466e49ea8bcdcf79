package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/matcher"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

var (
	verifyThreshold float64
	verifyUser      string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <image_path>",
	Short: "Check whether the face in an image would be granted access",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if cmd.Flags().Changed("threshold") {
			cfg.Recognition.Threshold = verifyThreshold
		}
		return runVerify(cmd.Context(), args[0], verifyUser)
	},
}

func init() {
	verifyCmd.Flags().Float64VarP(&verifyThreshold, "threshold", "t", 0.6, "Face matching threshold")
	verifyCmd.Flags().StringVarP(&verifyUser, "user", "u", "", "Compare only against this enrolled user")
	rootCmd.AddCommand(verifyCmd)
}

// largestFace picks the dominant face when an image holds several.
func largestFace(faces []types.Face) types.Face {
	best := faces[0]
	for _, f := range faces[1:] {
		if f.Box.Area() > best.Box.Area() {
			best = f
		}
	}
	return best
}

func runVerify(ctx context.Context, imagePath, username string) error {
	imgData, err := os.ReadFile(imagePath)
	if err != nil {
		return utils.ShowError("Failed to read image file", err, nil)
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	det, err := startDetector(ctx, cfg)
	if err != nil {
		return utils.ShowError("Failed to start AI worker", err, nil)
	}
	defer det.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	faces, err := det.DetectAndEncode(ctx, imgData)
	if err != nil {
		return utils.ShowError("AI processing failed", err, det.Cmd)
	}
	if len(faces) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}
	if len(faces) > 1 {
		fmt.Printf("⚠️  Multiple faces detected (%d). Using the largest face.\n", len(faces))
	}
	face := largestFace(faces)

	store := openStore(cfg, nil)
	var gallery matcher.Gallery
	if username != "" {
		vec, err := store.GetVector(username)
		if err != nil {
			return utils.ShowError("Failed to load user "+username, err, nil)
		}
		gallery = matcher.Gallery{Names: []string{username}, Vectors: [][]float64{vec}}
	} else {
		known, err := store.LoadKnown(ctx)
		if err != nil {
			return utils.ShowError("Failed to load known users", err, nil)
		}
		gallery = known.Gallery()
	}

	name, dist, ok := gallery.Identify(face.Vec, cfg.Recognition.Threshold)
	v := types.Verdict{Name: name, Known: ok, Distance: dist, Granted: ok, Box: face.Box}
	fmt.Println(formatVerdict(v))

	// Show the closest candidates to help tune the threshold.
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "\nUSERNAME\tDISTANCE")
	for i, n := range gallery.Names {
		fmt.Fprintf(w, "%s\t%.4f\n", n, matcher.Euclidean(face.Vec, gallery.Vectors[i]))
	}
	return w.Flush()
}
