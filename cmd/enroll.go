package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/andresmejia3/rollcall/internal/enrollment"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	enrollIdentity string
	enrollConsent  bool
	enrollDir      string
)

var enrollCmd = &cobra.Command{
	Use:   "enroll [image...]",
	Short: "Build a face template from 5 to 10 sample photos",
	Long:  "Encodes every sample, averages the embeddings, and stores the template as pending until an operator approves it.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		paths, err := samplePaths(args, enrollDir)
		if err != nil {
			return err
		}
		return runEnroll(cmd, paths)
	},
}

func init() {
	enrollCmd.Flags().StringVar(&enrollIdentity, "identity", "", "Identity ID to enroll")
	enrollCmd.Flags().BoolVar(&enrollConsent, "consent", false, "Confirm the student consented to face enrollment")
	enrollCmd.Flags().StringVarP(&enrollDir, "dir", "d", "", "Directory of .jpg/.png samples (instead of listing files)")

	enrollCmd.MarkFlagRequired("identity")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(cmd *cobra.Command, paths []string) error {
	identityID, err := parseID("identity", enrollIdentity)
	if err != nil {
		return err
	}

	samples := make([][]byte, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read sample %s: %w", p, err)
		}
		samples = append(samples, data)
	}

	enc, closer, model, err := newEncoder(Cfg.Worker, Log)
	if err != nil {
		return fmt.Errorf("failed to start face encoder: %w", err)
	}
	defer closer.Close()

	bar := progressbar.NewOptions(len(samples),
		progressbar.OptionSetDescription("🧬 Encoding samples"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	svc := enrollment.NewService(DB, enc, model, Log)
	svc.OnSample = func(done, total int) {
		_ = bar.Set(done)
	}

	tmpl, err := svc.Enroll(cmd.Context(), identityID, samples, enrollConsent)
	_ = bar.Finish()
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr)
	fmt.Printf("✅ Template for %s stored from %d samples (status: %s)\n", tmpl.IdentityID, tmpl.SampleCount, tmpl.Status)
	fmt.Println("   Approve it with: rollcall review", tmpl.IdentityID, "--action approve --reviewer <id>")
	return nil
}

// samplePaths returns the explicit file list, or the images found in dir.
func samplePaths(args []string, dir string) ([]string, error) {
	if dir == "" {
		if len(args) == 0 {
			return nil, fmt.Errorf("no samples given: pass image files or --dir")
		}
		return args, nil
	}
	if len(args) > 0 {
		return nil, fmt.Errorf("use either image arguments or --dir, not both")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sample directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".jpg", ".jpeg", ".png", ".JPG", ".JPEG", ".PNG":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
