package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/stovon/lodestone/internal/install"
	"github.com/stovon/lodestone/internal/output"
)

var installVoicePacks []string

var installCmd = &cobra.Command{
	Use:   "install <title-id>",
	Short: "Install a title from scratch into its configured install root",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tc, err := openTitle(args[0])
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		defer tc.close()

		installer := &install.Installer{
			Title:     tc.title,
			Client:    tc.client,
			Cache:     tc.cache,
			Publisher: tc.pub,
			Governor:  tc.governor,
			CacheDir:  tc.cfg.TitleCacheDir(tc.title.ID),
			Locales:   installVoicePacks,
		}
		reg := install.NewRegistry()
		if err := reg.Register(tc.title.ID, installer); err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		defer reg.Unregister(tc.title.ID)

		ctx, cancel := interruptContext()
		defer cancel()
		go func() {
			<-ctx.Done()
			// Keep partial data so a rerun picks up where this one stopped.
			reg.Cancel(tc.title.ID, true)
		}()

		done := watchProgress(tc.pub)
		err = installer.Run(ctx)
		<-done
		if err != nil {
			output.PrintError("Install failed: " + err.Error())
			os.Exit(1)
		}
		output.PrintSuccess("Installed " + tc.title.Name)
	},
}

func init() {
	installCmd.Flags().StringArrayVar(&installVoicePacks, "voice", nil, "Voice pack locale to install (can be repeated, eg. --voice ja-jp)")
	rootCmd.AddCommand(installCmd)
}
