package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect admission policies",
	}
	cmd.AddCommand(newPolicyListCommand())
	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the built-in and configured admission policies",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			policies := a.policy.ListPolicies()
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), policies)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSOURCE")
			for _, p := range policies {
				source := p.Source
				if source == "" {
					source = "builtin"
				}
				fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", p.Name, p.Severity, p.Enabled, source)
			}
			return w.Flush()
		},
	}
}
