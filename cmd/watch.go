package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [dir]",
	Short: "Watch a directory and ingest files as they appear",
	Long: `Watches the uploads directory (or the given directory) and adds
every PDF or TXT file dropped into it to the knowledge base. Runs until
interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel, a, cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	dir := cfg.UploadsDir
	if len(args) == 1 {
		dir = args[0]
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	fmt.Printf("watching %s (ctrl-c to stop)\n", dir)
	if err := a.WatchUploads(ctx, dir); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
