// Package providers assembles concrete generation backends from
// configuration. It hides backend selection from the wiring in main.
package providers

import (
	"fmt"
	"log/slog"

	"gameforge/internal/adapters/imagegen"
	"gameforge/internal/adapters/llm"
	"gameforge/internal/config"
	"gameforge/internal/core/ports"
)

// Build creates the fast structured provider, the optional agentic fallback
// runner, and the optional image provider. A nil AgentRunner disables the
// fallback path; a nil ImageProvider disables asset generation.
func Build(logger *slog.Logger, cfg *config.Config) (ports.Generator, ports.AgentRunner, ports.ImageProvider, error) {
	fast := llm.NewOpenAIProvider(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)

	var agent ports.AgentRunner
	if cfg.AgentCommand != "" {
		agent = llm.NewAgentRunner(logger, cfg.AgentCommand, cfg.AgentArgs, cfg.WorkspaceDir)
	} else {
		logger.Warn("no agent command configured, fallback provider disabled")
	}

	images, err := buildImageProvider(cfg)
	if err != nil {
		return nil, nil, nil, err
	}
	return fast, agent, images, nil
}

func buildImageProvider(cfg *config.Config) (ports.ImageProvider, error) {
	if !cfg.ImageEnabled() {
		return nil, nil
	}
	switch cfg.ImageProvider {
	case "openai":
		return imagegen.NewOpenAIImageProvider(cfg.ImageBaseURL, cfg.ImageAPIKey, cfg.ImageModel), nil
	case "comfyui":
		return imagegen.NewComfyUIProvider(cfg.ImageBaseURL, cfg.ImageModel), nil
	default:
		return nil, fmt.Errorf("unknown image provider %q", cfg.ImageProvider)
	}
}
