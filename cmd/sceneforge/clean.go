package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"sceneforge/internal/sandbox"
)

var cleanKeep int

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove old sandbox attempt directories",
	RunE:  runClean,
}

func init() {
	cleanCmd.Flags().IntVar(&cleanKeep, "keep", 0, "number of recent attempt directories to keep")
}

func runClean(cmd *cobra.Command, args []string) error {
	base := filepath.Join(os.TempDir(), "sceneforge")
	if err := sandbox.CleanupWorkdirs(base, cleanKeep); err != nil {
		return err
	}
	fmt.Printf("cleaned %s (kept %d)\n", base, cleanKeep)
	return nil
}
