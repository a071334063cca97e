package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Show which backend each inference stage uses",
	RunE: func(cmd *cobra.Command, args []string) error {
		status := stages.Status()
		if jsonOutput {
			return printJSON(status)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "STAGE\tBACKEND\tMODEL\tNOTE")
		for _, s := range status {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Stage, s.Backend, s.Path, s.Error)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
