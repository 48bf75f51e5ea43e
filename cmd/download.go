package cmd

import (
	"context"
	"errors"
	u "net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/stovon/lodestone/internal/config"
	"github.com/stovon/lodestone/internal/output"
	"github.com/stovon/lodestone/internal/progress"
	"github.com/stovon/lodestone/internal/transfer"
	"github.com/stovon/lodestone/internal/utils"
)

var (
	dlOutput      string
	dlConnections int
	dlMD5         string
	dlSpeedCap    string
	dlHeaders     []string
)

var downloadCmd = &cobra.Command{
	Use:   "download <url>",
	Short: "Download a single file with segmented, resumable connections",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		rawURL := args[0]
		parsed, err := u.Parse(rawURL)
		if err != nil || parsed.Host == "" {
			output.PrintError("Invalid URL format")
			os.Exit(1)
		}
		dest := dlOutput
		if dest == "" {
			dest = filepath.Base(parsed.Path)
			if dest == "" || dest == "." || dest == "/" {
				output.PrintError("Cannot infer a file name, use --output")
				os.Exit(1)
			}
		}
		if _, err := os.Stat(dest); err == nil {
			renewed := utils.RenewOutputPath(dest)
			output.PrintWarning(dest + " already exists, saving to " + renewed)
			dest = renewed
		}
		var capBytes int64
		if dlSpeedCap != "" {
			capBytes, err = config.ParseSize(dlSpeedCap)
			if err != nil {
				output.PrintError("Invalid speed cap: " + err.Error())
				os.Exit(1)
			}
		}

		client := newClient()
		for _, h := range dlHeaders {
			key, value, found := strings.Cut(h, ":")
			if !found {
				output.PrintError("Invalid header format (want 'Key: Value'): " + h)
				os.Exit(1)
			}
			client.SetHeader(strings.TrimSpace(key), strings.TrimSpace(value))
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		pub := progress.NewPublisher()
		session, err := transfer.Start(ctx, transfer.Request{
			URL:         rawURL,
			Destination: dest,
			Segments:    dlConnections,
			SpeedCap:    capBytes,
			ExpectedMD5: dlMD5,
			Client:      client,
			Publisher:   pub,
		})
		if err != nil {
			output.PrintError(err.Error())
			os.Exit(1)
		}
		go func() {
			ictx, icancel := interruptContext()
			defer icancel()
			<-ictx.Done()
			// Keep part files so a rerun resumes where this one stopped.
			session.Cancel(true)
		}()
		done := watchProgress(pub)
		err = session.Wait()
		<-done
		pub.Close()
		switch {
		case err == nil:
			output.PrintSuccess("Downloaded " + dest)
		case errors.Is(err, transfer.ErrCancelled):
			output.PrintWarning("Download stopped, partial data kept for resume")
			os.Exit(1)
		default:
			output.PrintError("Download failed: " + err.Error())
			os.Exit(1)
		}
	},
}

func init() {
	downloadCmd.Flags().StringVarP(&dlOutput, "output", "o", "", "Output file path (inferred from the URL if not provided)")
	downloadCmd.Flags().IntVarP(&dlConnections, "connections", "c", 8, "Number of connections for the download")
	downloadCmd.Flags().StringVar(&dlMD5, "md5", "", "Expected MD5 of the completed file")
	downloadCmd.Flags().StringVar(&dlSpeedCap, "limit", "", "Per-download speed cap (eg. 10MB, 500KB)")
	downloadCmd.Flags().StringSliceVarP(&dlHeaders, "header", "H", nil, "Custom header in 'Key: Value' format (repeatable)")
	rootCmd.AddCommand(downloadCmd)
}
