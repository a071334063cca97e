package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/your-org/aurum-score/internal/batch"
)

var batchCmd = &cobra.Command{
	Use:   "batch <image>...",
	Short: "Score several images concurrently",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := batch.Request{Items: make([]batch.Item, 0, len(args))}
		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			req.Items = append(req.Items, batch.Item{Name: filepath.Base(path), Data: data})
		}

		bar := progressbar.NewOptions(len(req.Items),
			progressbar.OptionSetDescription("scoring"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		orch := batch.New(mgr,
			batch.WithMaxItems(cfg.Batch.MaxItems),
			batch.WithMaxErrors(cfg.Batch.MaxErrors),
			batch.WithMaxImageBytes(cfg.Server.MaxImageBytes),
			batch.WithProgress(func(batch.ItemResult) { _ = bar.Add(1) }),
		)

		resp, err := orch.Run(cmd.Context(), req)
		_ = bar.Finish()
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(resp)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "#\tFILE\tSCORE\tPERCENTILE\tVIBE\tERROR")
		for _, r := range resp.Results {
			if !r.Success {
				fmt.Fprintf(w, "%d\t%s\t-\t-\t-\t%s\n", r.Index, r.Name, r.Error)
				continue
			}
			vibe := "-"
			if len(r.Result.Tags) > 0 {
				vibe = r.Result.Tags[0]
			}
			fmt.Fprintf(w, "%d\t%s\t%.1f\t%.1f\t%s\t\n", r.Index, r.Name, r.Result.Score, r.Result.Percentile, vibe)
		}
		w.Flush()

		s := resp.Summary
		fmt.Printf("\n%d/%d scored, avg %.0fms, total %dms\n",
			s.SuccessfulImages, s.TotalImages, s.AverageProcessingMS, s.TotalProcessingMS)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(batchCmd)
}
