package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	sessionOwner string
	sessionStart string
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Open and inspect attendance sessions",
}

var sessionOpenCmd = &cobra.Command{
	Use:   "open <section_id>",
	Short: "Open a new attendance session for a section",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		section, err := parseID("section", args[0])
		if err != nil {
			return err
		}
		owner, err := parseID("owner", sessionOwner)
		if err != nil {
			return err
		}
		start, err := parseCaptureTime(sessionStart)
		if err != nil {
			return err
		}
		if start.IsZero() {
			start = time.Now()
		}

		s, err := DB.CreateSession(cmd.Context(), section, owner, start)
		if err != nil {
			return fmt.Errorf("failed to open session: %w", err)
		}
		fmt.Printf("✅ Session %s opened at %s\n", s.ID, s.StartTime.Local().Format("2006-01-02 15:04"))
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session_id>",
	Short: "Show a session and its attendance records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := parseID("session", args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		s, err := DB.GetSession(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		records, err := DB.Records(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load records: %w", err)
		}

		state := "open"
		if s.Closed {
			state = "closed"
		}
		fmt.Printf("📋 Session %s (%s, type %q)\n", s.ID, state, s.SessionType)
		fmt.Printf("   Present: %d  Absent: %d  Total: %d\n", s.PresentCount, s.AbsentCount, s.TotalCount)
		if len(records) == 0 {
			return nil
		}

		ids := make([]uuid.UUID, 0, len(records))
		for _, r := range records {
			ids = append(ids, r.IdentityID)
		}
		labels, err := DB.Labels(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to load registration numbers: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "REG NO\tSTATUS\tCONFIDENCE\tCAPTURED")
		fmt.Fprintln(w, "------\t------\t----------\t--------")
		for _, r := range records {
			conf := "-"
			if r.Confidence != nil {
				conf = fmt.Sprintf("%.3f", *r.Confidence)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", labels[r.IdentityID], r.Status, conf, r.CapturedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	sessionOpenCmd.Flags().StringVar(&sessionOwner, "owner", "", "ID of the operator who owns the session")
	sessionOpenCmd.Flags().StringVar(&sessionStart, "start", "", "Session start in RFC3339 (default: now)")
	sessionOpenCmd.MarkFlagRequired("owner")

	sessionCmd.AddCommand(sessionOpenCmd, sessionShowCmd)
	rootCmd.AddCommand(sessionCmd)
}
