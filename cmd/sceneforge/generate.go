package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sceneforge/internal/config"
	"sceneforge/internal/corrector"
	"sceneforge/internal/knowledge"
	"sceneforge/internal/llm"
	"sceneforge/internal/repair"
	"sceneforge/internal/sandbox"
)

var (
	genDomain      string
	genConcurrency int
)

var generateCmd = &cobra.Command{
	Use:   "generate [prompt]...",
	Short: "Generate scene code from prompts and render it, repairing failures",
	Long: `Generates candidate scene code for each prompt, renders it, and runs the
self-correction loop until an artifact is produced or the session budget runs
out. Multiple prompts render concurrently; the knowledge base is the only
shared resource between sessions.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

func init() {
	generateCmd.Flags().StringVar(&genDomain, "domain", "", "knowledge context domain (e.g. math, physics)")
	generateCmd.Flags().IntVar(&genConcurrency, "concurrency", 2, "max concurrent sessions")
}

// layoutSpec applies the configured pass bound to the default layout geometry.
func layoutSpec(cfg *config.Config) corrector.LayoutSpec {
	spec := corrector.DefaultLayoutSpec()
	if cfg.Repair.MaxStaticPasses > 0 {
		spec.MaxPasses = cfg.Repair.MaxStaticPasses
	}
	return spec
}

// pipeline bundles the collaborators one session needs.
type pipeline struct {
	store    *knowledge.Store
	executor *sandbox.Executor
	client   *llm.Client
	orch     *repair.Orchestrator
}

func buildPipeline(ctx context.Context, cfg *config.Config, qc knowledge.Context) (*pipeline, error) {
	store, err := knowledge.New(
		filepath.Join(workspace, cfg.Knowledge.DatabasePath),
		knowledge.Options{MaxRules: cfg.Knowledge.MaxRules, EMAAlpha: cfg.Knowledge.EMAAlpha},
	)
	if err != nil {
		return nil, err
	}

	attemptTimeout, err := cfg.AttemptTimeout()
	if err != nil {
		store.Close()
		return nil, err
	}
	budget, err := cfg.SessionBudget()
	if err != nil {
		store.Close()
		return nil, err
	}

	executor, err := sandbox.New(sandbox.Config{
		Binary:         cfg.Renderer.Binary,
		OutputDirName:  cfg.Renderer.OutputDir,
		ArtifactExt:    cfg.Renderer.ArtifactExt,
		MaxOutputBytes: cfg.Renderer.MaxOutputBytes,
		KeepWorkdirs:   cfg.Renderer.KeepWorkdirs,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	client, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		store.Close()
		return nil, err
	}

	orch := repair.New(executor, store, corrector.NewWithLayout(layoutSpec(cfg)), client, repair.Options{
		SessionBudget:    budget,
		AttemptTimeout:   attemptTimeout,
		MaxAttempts:      cfg.Repair.MaxAttempts,
		StagnationLimit:  cfg.Repair.StagnationLimit,
		LowRetryAttempts: cfg.Repair.LowRetryAttempts,
		ModelRetries:     cfg.LLM.MaxRetries,
		Context:          qc,
	})

	return &pipeline{store: store, executor: executor, client: client, orch: orch}, nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	qc := knowledge.Context{Domain: genDomain}

	p, err := buildPipeline(ctx, cfg, qc)
	if err != nil {
		return err
	}
	defer p.store.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(genConcurrency)

	for _, prompt := range args {
		g.Go(func() error {
			return generateOne(gctx, p, prompt)
		})
	}
	return g.Wait()
}

func generateOne(ctx context.Context, p *pipeline, prompt string) error {
	logger.Info("generating scene", zap.String("prompt", prompt))

	program, err := p.client.Generate(ctx, prompt)
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	entryPoint := llm.ExtractEntryPoint(program)
	if entryPoint == "" {
		return fmt.Errorf("generated code declares no scene class")
	}

	sum, err := p.orch.Run(ctx, program, entryPoint)
	printSummary(sum)
	return err
}

func printSummary(sum *repair.Summary) {
	fields := []zap.Field{
		zap.String("session", sum.SessionID),
		zap.String("outcome", string(sum.Outcome)),
		zap.Int("attempts", sum.TotalAttempts),
		zap.Int64("elapsed_ms", sum.ElapsedMs),
		zap.Int("rules_applied", sum.RulesApplied),
	}
	if sum.FinalArtifactPath != "" {
		fields = append(fields, zap.String("artifact", sum.FinalArtifactPath))
	}
	if sum.LastError != nil {
		fields = append(fields, zap.String("last_error", string(sum.LastError.Kind)))
	}
	logger.Info("session finished", fields...)

	if sum.Outcome == repair.OutcomeSuccess {
		fmt.Fprintf(os.Stdout, "%s\n", sum.FinalArtifactPath)
	}
}
