package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/insights"
	"github.com/spf13/cobra"
)

var (
	insightsOwner     string
	insightsThreshold float64
)

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Summarize AI attendance accuracy, trend and at-risk students for an owner",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		owner, err := parseID("owner", insightsOwner)
		if err != nil {
			return err
		}
		report, err := insights.NewService(DB, Log).Insights(cmd.Context(), owner, insightsThreshold)
		if err != nil {
			return fmt.Errorf("failed to build insights: %w", err)
		}
		return printReport(os.Stdout, report, insightsThreshold)
	},
}

func printReport(out io.Writer, r *insights.Report, threshold float64) error {
	fmt.Fprintf(out, "🤖 AI sessions: %d   accuracy: %.2f%%   proxy alerts: %d\n\n", r.AISessions, r.AccuracyPercent, r.ProxyAlerts)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "DATE\tPRESENT %\tSTUDENTS")
	fmt.Fprintln(w, "----\t---------\t--------")
	for _, p := range r.Trend {
		fmt.Fprintf(w, "%s\t%.2f\t%d\n", p.Date.Local().Format("2006-01-02"), p.PresentRate, p.TotalStudents)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(r.AtRisk) == 0 {
		fmt.Fprintf(out, "\nNo students below %.0f%% attendance.\n", threshold)
		return nil
	}
	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "REG NO\tNAME\tATTENDANCE %\tDROPOUT RISK %")
	fmt.Fprintln(w, "------\t----\t------------\t--------------")
	for _, s := range r.AtRisk {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\n", s.Label, s.Name, s.AttendancePercent, s.DropoutRiskPercent)
	}
	return w.Flush()
}

func init() {
	insightsCmd.Flags().StringVarP(&insightsOwner, "owner", "o", "", "ID of the operator owning the sections")
	insightsCmd.Flags().Float64VarP(&insightsThreshold, "threshold", "t", insights.DefaultRiskThreshold, "Attendance percent below which a student is at risk")
	insightsCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(insightsCmd)
}
