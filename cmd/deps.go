// -- cmd/deps.go --
package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/engine"
	"github.com/xkilldash9x/webpilot/internal/humanoid"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
	"github.com/xkilldash9x/webpilot/internal/memory"
	"github.com/xkilldash9x/webpilot/internal/planner"
	"github.com/xkilldash9x/webpilot/internal/privacy"
	"github.com/xkilldash9x/webpilot/internal/resolver"
	"github.com/xkilldash9x/webpilot/internal/vision"
)

// buildManager wires the production dependency graph: LLM-backed
// planning, vision and OCR capabilities, sqlite memory, and a chromedp
// driver factory wrapped in the behavior modulator.
func buildManager(cfg *config.Config, logger *zap.Logger) (*engine.Manager, *memory.SQLiteStore, error) {
	client, err := llmclient.NewGeminiClient(cfg.LLM, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("LLM client setup failed: %w", err)
	}

	store, err := memory.Open(cfg.Memory.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("memory store setup failed: %w", err)
	}

	ocr := vision.NewLLMOCR(client, cfg.LLM, logger)
	deps := engine.ManagerDeps{
		Planner:  planner.New(client, logger),
		Memory:   store,
		Redactor: privacy.NewRedactor(cfg.Privacy, ocr, logger),
		Verifier: vision.NewVerifier(vision.NewLLMVision(client, cfg.LLM, logger), ocr, logger),
		Resolver: resolver.New(cfg.Resolver, ocr, logger),
		NewDriver: func(ctx context.Context) (schemas.Driver, error) {
			session, err := browser.NewSession(ctx, cfg.Browser, logger)
			if err != nil {
				return nil, err
			}
			return humanoid.New(session, cfg.Humanoid, logger), nil
		},
	}

	return engine.NewManager(cfg, deps, logger), store, nil
}
