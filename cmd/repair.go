package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/repair"
)

var repairCmd = &cobra.Command{
	Use:   "repair <title-id>",
	Short: "Scan an install for damage and restore broken files",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tc, err := openTitle(args[0])
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		defer tc.close()

		engine := &repair.Engine{
			Title:     tc.title,
			Client:    tc.client,
			Cache:     tc.cache,
			Publisher: tc.pub,
			Limiter:   tc.governor.LimiterFor(tc.title.SpeedCapBytes()),
		}
		ctx, cancel := interruptContext()
		defer cancel()

		done := watchProgress(tc.pub)
		report, err := engine.Run(ctx)
		<-done
		if err != nil {
			output.PrintError("Repair failed: " + err.Error())
			os.Exit(1)
		}
		if report.BrokenFiles == 0 {
			output.PrintSuccess(fmt.Sprintf("All %d files are intact", report.TotalFiles))
			return
		}
		output.PrintInfo(fmt.Sprintf("Repaired %d of %d broken files", len(report.Repaired), report.BrokenFiles))
		for _, path := range report.Unrepairable {
			output.PrintWarning("Could not repair " + path)
		}
		if len(report.Unrepairable) > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(repairCmd)
}
