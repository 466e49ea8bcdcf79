package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facegate/internal/credstore"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/vault"
)

var enrollDir string

var enrollCmd = &cobra.Command{
	Use:   "enroll [<username> <image_path>]",
	Short: "Enroll a user from a face image (or a directory of images with --dir)",
	Long: `Stores the image and the encrypted face vector of a user.

With --dir every .jpg/.jpeg/.png file in the directory is enrolled, using the
file name without extension as the username.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if enrollDir != "" {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(2)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if enrollDir != "" {
			return runEnrollDir(cmd.Context(), enrollDir)
		}
		return runEnroll(cmd.Context(), args[0], args[1])
	},
}

func init() {
	enrollCmd.Flags().StringVarP(&enrollDir, "dir", "d", "", "Enroll every image in this directory")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context, username, imagePath string) error {
	img, err := os.ReadFile(imagePath)
	if err != nil {
		return utils.ShowError("Failed to read image file", err, nil)
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	det, err := startDetector(ctx, cfg)
	if err != nil {
		return utils.ShowError("Failed to start AI worker", err, nil)
	}
	defer det.Close()

	outcome, err := openStore(cfg, det).Enroll(ctx, username, img)
	if err != nil {
		return utils.ShowError("Enrollment failed", err, det.Cmd)
	}
	if outcome == credstore.Partial {
		fmt.Printf("⚠️  %s enrolled without a face vector: no face detected in %s\n", username, imagePath)
		return nil
	}
	fmt.Printf("✅ %s enrolled\n", username)
	return nil
}

// enrollFiles lists the images of a directory keyed by username, sorted.
func enrollFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func usernameFromFile(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func runEnrollDir(ctx context.Context, dir string) error {
	files, err := enrollFiles(dir)
	if err != nil {
		return utils.ShowError("Failed to read directory", err, nil)
	}
	if len(files) == 0 {
		fmt.Println("No images found.")
		return nil
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	det, err := startDetector(ctx, cfg)
	if err != nil {
		return utils.ShowError("Failed to start AI worker", err, nil)
	}
	defer det.Close()
	store := openStore(cfg, det)

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("📥 Enrolling"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	var full, partial []string
	failed := map[string]error{}
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		name := usernameFromFile(path)
		img, err := os.ReadFile(path)
		if err == nil {
			var outcome credstore.Outcome
			outcome, err = store.Enroll(ctx, name, img)
			if err == nil && outcome == credstore.Partial {
				partial = append(partial, name)
			} else if err == nil {
				full = append(full, name)
			}
		}
		if err != nil {
			failed[name] = err
			// A corrupt store will fail every remaining file the same way.
			if isStoreWide(err) {
				bar.Finish()
				return utils.ShowError("Store is corrupt; run 'facegate reset' to start over", err, nil)
			}
		}
		bar.Add(1)
	}
	bar.Finish()

	fmt.Printf("\n✅ Enrolled: %d  ⚠️  No face: %d  ❌ Failed: %d\n", len(full), len(partial), len(failed))
	for _, name := range partial {
		fmt.Printf("   no face detected: %s\n", name)
	}
	for name, err := range failed {
		fmt.Printf("   failed %s: %v\n", name, err)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d enrollment(s) failed", len(failed))
	}
	return ctx.Err()
}

func isStoreWide(err error) bool {
	return errors.Is(err, credstore.ErrCorruptIndex) || errors.Is(err, vault.ErrCorruptKeyState)
}
