package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stovon/lodestone/internal/manifest"
	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <title-id>",
	Short: "Check every installed file against the publisher manifest",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		tc, err := openTitle(args[0])
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		defer tc.close()

		ctx, cancel := interruptContext()
		defer cancel()
		man, err := manifest.FetchManifest(ctx, tc.client, tc.title.ManifestURL(), tc.title.Branch, tc.title.ManifestFormat)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}

		output.PrintPending(fmt.Sprintf("Scanning %d files", len(man.Files)))
		v := &verify.Verifier{}
		results, err := v.VerifyTree(ctx, tc.title.InstallRoot, man, nil)
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		broken := verify.Broken(results)
		if len(broken) == 0 {
			output.PrintSuccess(fmt.Sprintf("All %d files verified", len(man.Files)))
			return
		}
		for _, r := range broken {
			output.PrintWarning(fmt.Sprintf("%s: %s", r.Path, r.Issue))
		}
		output.PrintError(fmt.Sprintf("%d of %d files failed verification", len(broken), len(man.Files)))
		os.Exit(1)
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
