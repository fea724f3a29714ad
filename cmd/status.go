package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show knowledge base and memory statistics",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel, a, cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	st, err := a.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("backend:         %s\n", cfg.Backend)
	fmt.Printf("knowledge base:  %d chunks\n", st.KnowledgeChunks)
	for typ, n := range st.ByType {
		fmt.Printf("  %-6s %d\n", typ+":", n)
	}
	fmt.Printf("memory:          %d turns\n", st.MemoryTurns)
	if st.MemoryWrites.Failed > 0 {
		fmt.Printf("memory writes:   %d failed (%s)\n",
			st.MemoryWrites.Failed, st.MemoryWrites.LastError)
	}
	return nil
}
