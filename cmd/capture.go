package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var captureOpts Options

var captureCmd = &cobra.Command{
	Use:   "capture <image>",
	Short: "Take attendance for a session from a single classroom photo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runCapture(cmd, args[0], captureOpts)
	},
}

func init() {
	captureCmd.Flags().StringVarP(&captureOpts.SessionID, "session", "s", "", "Attendance session ID")
	captureCmd.Flags().StringVarP(&captureOpts.OperatorID, "operator", "o", "", "ID of the session owner taking attendance")
	captureCmd.Flags().Float64VarP(&captureOpts.Threshold, "threshold", "t", 0, "Minimum similarity for a match (default from config)")
	captureCmd.Flags().IntVarP(&captureOpts.LateMins, "late", "l", 0, "Minutes after session start before detections count as late (default from config)")
	captureCmd.Flags().StringVar(&captureOpts.CapturedAt, "at", "", "Capture time in RFC3339 (default: now)")

	captureCmd.MarkFlagRequired("session")
	captureCmd.MarkFlagRequired("operator")
	rootCmd.AddCommand(captureCmd)
}

func runCapture(cmd *cobra.Command, path string, opts Options) error {
	req, err := buildCaptureRequest(opts, Cfg.Capture.ConfidenceThreshold, Cfg.Capture.LateMinutes)
	if err != nil {
		return err
	}

	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	enc, closer, _, err := newEncoder(Cfg.Worker, Log)
	if err != nil {
		return fmt.Errorf("failed to start face encoder: %w", err)
	}
	defer closer.Close()

	fmt.Fprintf(os.Stderr, "📸 Capturing attendance for session %s...\n", req.SessionID)
	svc := capture.NewService(DB, enc, Log)
	summary, err := svc.CaptureOnce(cmd.Context(), req, image)
	if err != nil {
		return err
	}

	printSummary(summary)
	return nil
}

// buildCaptureRequest turns raw flag values into a capture request,
// falling back to the configured threshold and lateness when unset.
func buildCaptureRequest(opts Options, threshold float64, late int) (capture.Request, error) {
	sessionID, err := parseID("session", opts.SessionID)
	if err != nil {
		return capture.Request{}, err
	}
	operatorID, err := parseID("operator", opts.OperatorID)
	if err != nil {
		return capture.Request{}, err
	}
	at, err := parseCaptureTime(opts.CapturedAt)
	if err != nil {
		return capture.Request{}, err
	}

	req := capture.Request{
		SessionID:           sessionID,
		OperatorID:          operatorID,
		ConfidenceThreshold: threshold,
		LateMinutes:         late,
		CapturedAt:          at,
	}
	if opts.Threshold != 0 {
		req.ConfidenceThreshold = opts.Threshold
	}
	if opts.LateMins != 0 {
		req.LateMinutes = opts.LateMins
	}
	return req, req.Validate()
}

func parseID(flag, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(value))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --%s %q: %w", flag, value, err)
	}
	return id, nil
}

func parseCaptureTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: %w", value, err)
	}
	return t, nil
}

func printSummary(s *types.SessionSummary) {
	fmt.Printf("✅ Capture complete: %d faces detected, %d students matched\n", s.FacesDetected, s.IdentitiesMatched)
	fmt.Printf("   Present: %d  Absent: %d  Accuracy: %.1f%%  Mean confidence: %.3f\n",
		s.PresentCount, s.AbsentCount, s.AccuracyPercent, s.MeanConfidence)
	if s.Late {
		fmt.Printf("   ⏰ Late capture (%d detections)\n", s.LateDetections)
	}
	if s.ProxyEvents > 0 {
		fmt.Printf("   ⚠️  %d proxy detection alerts\n", s.ProxyEvents)
	}
	if len(s.MatchedLabels) > 0 {
		fmt.Printf("   Matched: %s\n", strings.Join(s.MatchedLabels, ", "))
	}
}
