package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/utils"
)

var (
	cleanOutput string
	cleanChunks bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean [title-id]",
	Short: "Remove staging areas, part files, or cached chunks",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if cleanOutput != "" {
			if err := utils.CleanTemp(cleanOutput); err != nil {
				output.PrintError("Error cleaning up temporary files")
				os.Exit(1)
			}
			output.PrintSuccess("Temporary files cleaned up")
			return
		}
		if len(args) == 0 {
			output.PrintError("Provide a title id or --output path")
			os.Exit(1)
		}
		cfg, err := loadConfig()
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		if _, err := cfg.FindTitle(args[0]); err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		cacheDir := cfg.TitleCacheDir(args[0])
		if cleanChunks {
			if err := os.RemoveAll(cacheDir); err != nil {
				output.PrintError("Error removing chunk cache")
				os.Exit(1)
			}
			output.PrintSuccess("Chunk cache removed")
			return
		}
		for _, sub := range []string{"staging", "install"} {
			if err := os.RemoveAll(filepath.Join(cacheDir, sub)); err != nil {
				output.PrintError("Error removing staging area")
				os.Exit(1)
			}
		}
		output.PrintSuccess("Staging areas removed")
	},
}

func init() {
	cleanCmd.Flags().StringVarP(&cleanOutput, "output", "o", "", "Clean part files for this download output path")
	cleanCmd.Flags().BoolVar(&cleanChunks, "chunks", false, "Also remove the title's cached chunks and manifest index")
	rootCmd.AddCommand(cleanCmd)
}
