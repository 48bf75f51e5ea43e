package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/stovon/lodestone/internal/output"
)

var preloadApply bool

var preloadCmd = &cobra.Command{
	Use:   "preload <title-id>",
	Short: "Download a pending release ahead of time without touching the install",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tc, err := openTitle(args[0])
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		defer tc.close()

		orch := newOrchestrator(tc)
		ctx, cancel := interruptContext()
		defer cancel()

		done := watchProgress(tc.pub)
		if preloadApply {
			err = orch.Apply(ctx)
		} else {
			err = orch.Preload(ctx)
		}
		<-done
		if err != nil {
			output.PrintError("Preload failed: " + err.Error())
			os.Exit(1)
		}
		if preloadApply {
			output.PrintSuccess("Preloaded update applied to " + tc.title.Name)
		} else {
			output.PrintSuccess("Preload complete, run again with --apply once the release is live")
		}
	},
}

func init() {
	preloadCmd.Flags().BoolVar(&preloadApply, "apply", false, "Apply a previously preloaded release")
	rootCmd.AddCommand(preloadCmd)
}
