package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sage-tutor/sage/internal/document"
)

var ingestType string

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>",
	Short: "Ingest a file or directory into the knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestType, "type", "",
		"only ingest files of this type (pdf or txt) when walking a directory")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, cancel, a, _, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	var types []document.Type
	if ingestType != "" {
		typ, err := document.ParseType(ingestType)
		if err != nil {
			return err
		}
		types = append(types, typ)
	}

	path := args[0]
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		report, err := a.IngestDocument(ctx, path)
		if err != nil {
			return err
		}
		fmt.Printf("indexed %s: %d chunks\n", report.Path, report.Chunks)
		return nil
	}

	run := a.BulkIngest(ctx, path, types...)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-run.Done():
			progress, err := run.Wait()
			fmt.Printf("done: %d processed, %d skipped, %d errors\n",
				progress.Processed, progress.Skipped, progress.Errors)
			return err
		case <-ticker.C:
			progress := run.Progress()
			fmt.Printf("... %d processed, %d skipped, %d errors\n",
				progress.Processed, progress.Skipped, progress.Errors)
		}
	}
}
