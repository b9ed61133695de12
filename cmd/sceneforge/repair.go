package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"sceneforge/internal/knowledge"
	"sceneforge/internal/llm"
)

var (
	repairEntryPoint string
	repairDomain     string
)

var repairCmd = &cobra.Command{
	Use:   "repair <scene-file>",
	Short: "Run the repair loop on existing scene code",
	Long: `Reads scene code from a file and runs it through the render-classify-fix
loop. Useful for hand-written scenes and for re-running sessions that
previously exhausted their budget.`,
	Args: cobra.ExactArgs(1),
	RunE: runRepair,
}

func init() {
	repairCmd.Flags().StringVar(&repairEntryPoint, "entry-point", "", "scene class to render (default: first declared)")
	repairCmd.Flags().StringVar(&repairDomain, "domain", "", "knowledge context domain (e.g. math, physics)")
}

func runRepair(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read scene file: %w", err)
	}
	program := string(data)

	entryPoint := repairEntryPoint
	if entryPoint == "" {
		entryPoint = llm.ExtractEntryPoint(program)
	}
	if entryPoint == "" {
		return fmt.Errorf("no scene class found in %s; pass --entry-point", args[0])
	}

	p, err := buildPipeline(ctx, cfg, knowledge.Context{Domain: repairDomain})
	if err != nil {
		return err
	}
	defer p.store.Close()

	sum, err := p.orch.Run(ctx, program, entryPoint)
	printSummary(sum)
	return err
}
