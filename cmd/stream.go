package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/rollcall/internal/capture"
	"github.com/andresmejia3/rollcall/internal/frames"
	"github.com/andresmejia3/rollcall/internal/stream"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var streamOpts Options

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Watch a live camera until one attendance capture succeeds",
	Long:  "Pulls frames from an RTSP/HTTP/file source and retries capture until a face is matched, the frame timeout expires, or you press Ctrl+C.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runStream(cmd.Context(), streamOpts)
	},
}

func init() {
	streamCmd.Flags().StringVarP(&streamOpts.SourceURL, "input", "i", "", "Stream locator (rtsp://, http://, or file path)")
	streamCmd.Flags().StringVarP(&streamOpts.SessionID, "session", "s", "", "Attendance session ID")
	streamCmd.Flags().StringVarP(&streamOpts.OperatorID, "operator", "o", "", "ID of the session owner taking attendance")
	streamCmd.Flags().Float64VarP(&streamOpts.Threshold, "threshold", "t", 0, "Minimum similarity for a match (default from config)")
	streamCmd.Flags().IntVarP(&streamOpts.LateMins, "late", "l", 0, "Late cutoff in minutes (default from config)")

	streamCmd.MarkFlagRequired("input")
	streamCmd.MarkFlagRequired("session")
	streamCmd.MarkFlagRequired("operator")
	rootCmd.AddCommand(streamCmd)
}

func runStream(ctx context.Context, opts Options) error {
	cfg, err := buildStreamConfig(opts, Cfg.Capture.ConfidenceThreshold, Cfg.Capture.LateMinutes)
	if err != nil {
		return err
	}

	enc, closer, _, err := newEncoder(Cfg.Worker, Log)
	if err != nil {
		return fmt.Errorf("failed to start face encoder: %w", err)
	}
	defer closer.Close()

	manager := newStreamManager(capture.NewService(DB, enc, Log))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), Cfg.Stream.StopGrace+5*time.Second)
		defer cancel()
		manager.Shutdown(shutdownCtx)
	}()

	snap, err := manager.Start(ctx, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "🎥 Stream %s started for session %s\n", snap.StreamID, snap.SessionID)

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("👀 Waiting for faces"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	final, err := watchStream(ctx, manager, snap, bar)
	_ = bar.Finish()
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(final, "", "  ")
	fmt.Println(string(out))
	switch final.Status {
	case stream.StateCompleted:
		fmt.Fprintln(os.Stderr, "✅ Attendance captured.")
	case stream.StateFailed:
		return fmt.Errorf("stream failed: %s", deref(final.LastError))
	default:
		fmt.Fprintln(os.Stderr, "🛑 Stream stopped.")
	}
	return nil
}

// watchStream polls the runtime until it reaches a terminal state, stopping it
// when ctx is cancelled.
func watchStream(ctx context.Context, m *stream.Manager, snap stream.Snapshot, bar *progressbar.ProgressBar) (stream.Snapshot, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	seen := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\n🛑 Interrupt received, stopping stream...")
			stopCtx, cancel := context.WithTimeout(context.Background(), Cfg.Stream.StopGrace+5*time.Second)
			defer cancel()
			return m.Stop(stopCtx, snap.StreamID)
		case <-ticker.C:
		}

		cur, err := m.Status(snap.StreamID)
		if err != nil {
			return stream.Snapshot{}, err
		}
		if cur.FramesProcessed > seen {
			_ = bar.Add(cur.FramesProcessed - seen)
			seen = cur.FramesProcessed
		}
		if cur.LastError != nil {
			bar.Describe(fmt.Sprintf("👀 Retrying (%s)", *cur.LastError))
		}
		if cur.Status.Terminal() {
			return cur, nil
		}
	}
}

func newStreamManager(pipeline stream.Pipeline) *stream.Manager {
	return stream.NewManager(frames.NewFFmpegSource(Cfg.Stream.FPS), pipeline, stream.Options{
		FrameTimeout:  Cfg.Stream.FrameTimeout,
		RetryInterval: Cfg.Stream.RetryInterval,
		StopGrace:     Cfg.Stream.StopGrace,
		Retention:     Cfg.Stream.Retention,
	}, Log)
}

func buildStreamConfig(opts Options, threshold float64, late int) (stream.Config, error) {
	req, err := buildCaptureRequest(opts, threshold, late)
	if err != nil {
		return stream.Config{}, err
	}
	cfg := stream.Config{
		SessionID:           req.SessionID,
		OperatorID:          req.OperatorID,
		SourceURL:           opts.SourceURL,
		ConfidenceThreshold: req.ConfidenceThreshold,
		LateMinutes:         req.LateMinutes,
	}
	return cfg, cfg.Validate()
}

func deref(s *string) string {
	if s == nil {
		return "unknown error"
	}
	return *s
}
