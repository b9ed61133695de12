package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"sceneforge/internal/corrector"
	"sceneforge/internal/knowledge"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show knowledge base statistics",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	store, err := knowledge.New(
		filepath.Join(workspace, cfg.Knowledge.DatabasePath),
		knowledge.Options{MaxRules: cfg.Knowledge.MaxRules, EMAAlpha: cfg.Knowledge.EMAAlpha},
	)
	if err != nil {
		return err
	}
	defer store.Close()

	st, err := store.GetStats(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("prevention rules:   %d\n", st.RuleCount)
	fmt.Printf("sessions recorded:  %d\n", st.SessionCount)
	fmt.Printf("recent success:     %.0f%%\n", st.RecentSuccess*100)
	if len(st.CountsByKind) > 0 {
		fmt.Println("occurrences by kind:")
		for kind, n := range st.CountsByKind {
			fmt.Printf("  %-22s %d\n", kind, n)
		}
	}
	fmt.Printf("static rewrites:    %d\n", len(corrector.RuleIDs()))
	return nil
}
