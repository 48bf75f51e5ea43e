package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/update"
)

var updateCheckOnly bool

var updateCmd = &cobra.Command{
	Use:   "update <title-id>",
	Short: "Update an installed title to the latest version",
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

		if updateCheckOnly {
			decision, err := orch.Check(ctx)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			printDecision(tc.title.Name, decision)
			return
		}

		done := watchProgress(tc.pub)
		err = orch.Run(ctx)
		<-done
		if err != nil {
			output.PrintError("Update failed: " + err.Error())
			os.Exit(1)
		}
		output.PrintSuccess("Updated " + tc.title.Name)
	},
}

func newOrchestrator(tc *titleContext) *update.Orchestrator {
	return &update.Orchestrator{
		Title:     tc.title,
		Client:    tc.client,
		Cache:     tc.cache,
		Publisher: tc.pub,
		Limiter:   tc.governor.LimiterFor(tc.title.SpeedCapBytes()),
		CacheDir:  tc.cfg.TitleCacheDir(tc.title.ID),
	}
}

func printDecision(title string, d *update.Decision) {
	output.PrintHeader(title)
	installed := d.Installed
	if installed == "" {
		installed = "(not installed)"
	}
	output.PrintInfo(fmt.Sprintf("Installed: %s", installed))
	output.PrintInfo(fmt.Sprintf("Latest:    %s", d.Target.Version))
	switch d.Action {
	case update.ActionUpToDate:
		output.PrintSuccess("Already up to date")
	case update.ActionPatch:
		output.PrintPending(fmt.Sprintf("Update available via patch from %s", d.Patch.FromVersion))
	case update.ActionFull:
		output.PrintPending("Update available via full package")
	}
	if d.PreloadAvailable {
		output.PrintDetail("A preload for the next release is available")
	}
}

func init() {
	updateCmd.Flags().BoolVar(&updateCheckOnly, "check", false, "Only report whether an update is available")
	rootCmd.AddCommand(updateCmd)
}
