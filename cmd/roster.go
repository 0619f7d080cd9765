package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var identityCmd = &cobra.Command{
	Use:   "identity <registration_number> <name>",
	Short: "Register a student (or rename an existing registration number)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		id, err := DB.CreateIdentity(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to save identity: %w", err)
		}
		fmt.Printf("✅ %s (%s) registered as %s\n", id.Name, id.Label, id.ID)
		return nil
	},
}

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "Manage section rosters",
}

var rosterAddCmd = &cobra.Command{
	Use:   "add <section_id> <identity_id>...",
	Short: "Add identities to a section roster",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		section, err := parseID("section", args[0])
		if err != nil {
			return err
		}
		for _, raw := range args[1:] {
			id, err := parseID("identity", raw)
			if err != nil {
				return err
			}
			if err := DB.AddRosterMember(cmd.Context(), section, id); err != nil {
				return fmt.Errorf("failed to add %s: %w", id, err)
			}
		}
		fmt.Printf("✅ Added %d identities to section %s\n", len(args)-1, section)
		return nil
	},
}

var rosterRemoveCmd = &cobra.Command{
	Use:   "remove <section_id> <identity_id>",
	Short: "Deactivate an identity on a section roster",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		section, err := parseID("section", args[0])
		if err != nil {
			return err
		}
		id, err := parseID("identity", args[1])
		if err != nil {
			return err
		}
		if err := DB.RemoveRosterMember(cmd.Context(), section, id); err != nil {
			return fmt.Errorf("failed to remove %s: %w", id, err)
		}
		fmt.Printf("✅ %s removed from section %s\n", id, section)
		return nil
	},
}

var rosterListCmd = &cobra.Command{
	Use:   "list <section_id>",
	Short: "List the active roster of a section",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		section, err := parseID("section", args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		members, err := DB.RosterMembers(ctx, section)
		if err != nil {
			return fmt.Errorf("failed to load roster: %w", err)
		}
		if len(members) == 0 {
			fmt.Println("No active students on this roster.")
			return nil
		}
		labels, err := DB.Labels(ctx, members)
		if err != nil {
			return fmt.Errorf("failed to load registration numbers: %w", err)
		}
		templates, err := DB.ApprovedTemplates(ctx, members)
		if err != nil {
			return fmt.Errorf("failed to load templates: %w", err)
		}

		sort.Slice(members, func(i, j int) bool { return labels[members[i]] < labels[members[j]] })

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "IDENTITY\tREG NO\tAPPROVED TEMPLATE")
		fmt.Fprintln(w, "--------\t------\t-----------------")
		for _, id := range members {
			_, ok := templates[id]
			fmt.Fprintf(w, "%s\t%s\t%t\n", id, labels[id], ok)
		}
		return w.Flush()
	},
}

func init() {
	rosterCmd.AddCommand(rosterAddCmd, rosterRemoveCmd, rosterListCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(rosterCmd)
}
