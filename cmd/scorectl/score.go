package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/your-org/aurum-score/internal/apperr"
	"github.com/your-org/aurum-score/internal/models"
)

var scoreCmd = &cobra.Command{
	Use:   "score <image>",
	Short: "Score a single image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		res, err := mgr.Execute(cmd.Context(), data)
		if err != nil {
			return fmt.Errorf("%s: %s", apperr.KindOf(err), apperr.PublicMessage(err))
		}
		if jsonOutput {
			return printJSON(res)
		}
		printResult(args[0], res)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scoreCmd)
}

func printResult(name string, r *models.ScoringResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "file\t%s\n", name)
	fmt.Fprintf(w, "face detected\t%t (%d)\n", r.FaceDetected, r.FaceCount)
	fmt.Fprintf(w, "score\t%.1f\n", r.Score)
	fmt.Fprintf(w, "percentile\t%.1f\n", r.Percentile)
	fmt.Fprintf(w, "confidence\t%.2f\n", r.Confidence)
	fmt.Fprintf(w, "tags\t%s\n", strings.Join(r.Tags, ", "))
	fmt.Fprintf(w, "quality\tface %.2f  frontal %.2f  symmetry %.2f  resolution %.2f\n",
		r.Quality.FaceQuality, r.Quality.Frontality, r.Quality.Symmetry, r.Quality.Resolution)
	fmt.Fprintf(w, "time\t%dms\n", r.ProcessingTimeMS)
	if len(r.SimulatedStages) > 0 {
		fmt.Fprintf(w, "simulated\t%s\n", strings.Join(r.SimulatedStages, ", "))
	}
	w.Flush()
}
