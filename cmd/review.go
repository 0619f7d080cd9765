package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/enrollment"
	"github.com/spf13/cobra"
)

var (
	reviewAction   string
	reviewReviewer string
)

var reviewCmd = &cobra.Command{
	Use:   "review <identity_id>",
	Short: "Approve or reject a pending face template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		identityID, err := parseID("identity", args[0])
		if err != nil {
			return err
		}
		reviewer, err := parseID("reviewer", reviewReviewer)
		if err != nil {
			return err
		}

		// Review never touches the encoder.
		svc := enrollment.NewService(DB, nil, "", Log)
		tmpl, err := svc.Review(cmd.Context(), identityID, reviewAction, reviewer)
		if err != nil {
			return err
		}
		fmt.Printf("✅ Template for %s is now %s\n", tmpl.IdentityID, tmpl.Status)
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List face templates awaiting review",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		svc := enrollment.NewService(DB, nil, "", Log)
		pending, err := svc.Pending(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list pending enrollments: %w", err)
		}

		if len(pending) == 0 {
			fmt.Println("No enrollments awaiting review.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "IDENTITY\tREG NO\tNAME\tSAMPLES\tMODEL\tSUBMITTED")
		fmt.Fprintln(w, "--------\t------\t----\t-------\t-----\t---------")
		for _, p := range pending {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", p.IdentityID, p.Label, p.Name, p.SampleCount, p.ModelName, p.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

func init() {
	reviewCmd.Flags().StringVarP(&reviewAction, "action", "a", "", "approve or reject")
	reviewCmd.Flags().StringVarP(&reviewReviewer, "reviewer", "r", "", "ID of the reviewing operator")
	reviewCmd.MarkFlagRequired("action")
	reviewCmd.MarkFlagRequired("reviewer")

	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(pendingCmd)
}
