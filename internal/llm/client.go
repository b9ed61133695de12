// Package llm wraps the Gemini API for scene generation and repair. The
// client is deliberately thin and stateless: retry, backoff and budget
// enforcement belong to the repair loop, not here.
package llm

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"sceneforge/internal/config"
	"sceneforge/internal/logging"
)

const generateSystemPrompt = `You write scene code for the render toolchain.
Return only code, no commentary. The code must define exactly one scene class
whose name is the entry point.`

const repairSystemPrompt = `You fix broken scene code. You are given the
failing code, the classified error, and prevention rules learned from past
failures. Return the complete corrected code only, no commentary. Change as
little as possible.`

// Client talks to the generative model.
type Client struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
	timeout     time.Duration
}

// New creates a client from the LLM config section.
func New(ctx context.Context, cfg config.LLMConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm API key is required (set SCENEFORGE_API_KEY)")
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	timeout := 120 * time.Second
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil {
			timeout = d
		}
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	return &Client{
		client:      gc,
		model:       model,
		temperature: float32(cfg.Temperature),
		maxTokens:   int32(cfg.MaxTokens),
		timeout:     timeout,
	}, nil
}

// Generate produces a first candidate program for the prompt. The returned
// text is cleaned and safety-scanned.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, generateSystemPrompt, prompt)
}

// Repair produces a corrected program. The caller assembles the prompt from
// the failing code, the error record and prevention rules.
func (c *Client) Repair(ctx context.Context, prompt string) (string, error) {
	return c.complete(ctx, repairSystemPrompt, prompt)
}

func (c *Client) complete(ctx context.Context, system, prompt string) (string, error) {
	timer := logging.StartTimer(logging.CategoryAPI, "model completion")
	defer timer.StopWithThreshold(30 * time.Second)

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr(c.temperature),
	}
	if c.maxTokens > 0 {
		cfg.MaxOutputTokens = c.maxTokens
	}

	logging.APIDebug("request to %s (%d prompt bytes)", c.model, len(prompt))

	resp, err := c.client.Models.GenerateContent(reqCtx, c.model,
		genai.Text(prompt), cfg)
	if err != nil {
		logging.APIError("completion failed: %v", err)
		return "", fmt.Errorf("model request failed: %w", err)
	}

	raw := resp.Text()
	if raw == "" {
		return "", fmt.Errorf("model returned empty response")
	}

	code := ExtractCode(raw)
	if err := ScanSafety(code); err != nil {
		return "", fmt.Errorf("generated code rejected: %w", err)
	}

	logging.API("completion ok (%d code bytes)", len(code))
	return code, nil
}
