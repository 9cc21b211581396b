package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/lucid-vigil/fleet/pkg/adapters"
	"github.com/spf13/cobra"
)

var adaptersCmd = &cobra.Command{
	Use:   "adapters [type]",
	Short: "List adapter types and their client settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		schemas := adapters.Default.Schemas()
		types := adapters.Default.Types()
		if len(args) == 1 {
			if _, ok := schemas[args[0]]; !ok {
				return fmt.Errorf("unknown adapter type %q", args[0])
			}
			types = args
		}

		out := cmd.OutOrStdout()
		for i, t := range types {
			if i > 0 {
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "%s\n", t)

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "  SETTING\tTYPE\tREQUIRED\tDEFAULT\tDESCRIPTION")
			for _, f := range schemas[t].Fields {
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", f.Name, f.Type, yesNo(f.Required), defaultOf(f), describe(f))
			}
			if err := w.Flush(); err != nil {
				return err
			}
		}
		return nil
	},
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func defaultOf(f adapters.SchemaField) string {
	if f.Default == nil {
		return "-"
	}
	return fmt.Sprint(f.Default)
}

func describe(f adapters.SchemaField) string {
	d := f.Description
	if d == "" {
		d = f.Title
	}
	if len(f.Enum) > 0 {
		d += " (" + strings.Join(f.Enum, ", ") + ")"
	}
	if f.Secret {
		d += " [secret]"
	}
	return strings.TrimSpace(d)
}
