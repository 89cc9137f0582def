package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/openunify/openunify/pkg/schema"
	"github.com/spf13/cobra"
)

func newExpandCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "expand <model-id>",
		Short: "Show a common model with its references resolved",
		Long: `Loads a common model and replaces every Expandable reference with the
referenced model. References that would cycle are left unexpanded; missing
ones are marked notFound.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			model, err := a.orch.ExpandModel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), model)
			}
			printModel(cmd.OutOrStdout(), model, 0)
			return nil
		},
	}
}

func printModel(w io.Writer, model *schema.CommonModel, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(w, "%s%s (%s)\n", indent, model.Name, model.ID)
	for _, f := range model.Fields {
		printField(w, f.Name, f.Required, f.DataType, depth+1)
	}
}

func printField(w io.Writer, name string, required bool, dt schema.DataType, depth int) {
	indent := strings.Repeat("  ", depth)
	marker := ""
	if required {
		marker = " *"
	}

	switch dt.Kind {
	case schema.KindEnum:
		fmt.Fprintf(w, "%s%s: Enum[%s]%s\n", indent, name, strings.Join(dt.Options, "|"), marker)
	case schema.KindArray:
		fmt.Fprintf(w, "%s%s: Array%s\n", indent, name, marker)
		if dt.Element != nil {
			printField(w, "[]", false, *dt.Element, depth+1)
		}
	case schema.KindExpandable:
		state := string(dt.State)
		if state == "" {
			state = "unexpanded"
		}
		fmt.Fprintf(w, "%s%s: Expandable<%s> %s%s\n", indent, name, dt.Reference, state, marker)
		if dt.Model != nil {
			printModel(w, dt.Model, depth+1)
		}
	default:
		fmt.Fprintf(w, "%s%s: %s%s\n", indent, name, dt.Kind, marker)
	}
}
