// Package gemini implements the content-generation collaborator over
// Google's Gemini API. It turns a chosen strategy and an opportunity
// context into a short action payload, bounded by a timeout.
package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/bandit"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/config"
	"github.com/1evgeniyonegin1-gif/plamya-traffic/internal/engine"
)

// toneInstructions maps strategy ids to the tone the model should take.
// Unknown strategies fall back to a neutral instruction.
var toneInstructions = map[bandit.StrategyID]string{
	"casual":     "Write in a relaxed, friendly voice with everyday language.",
	"expert":     "Write as a knowledgeable insider sharing a specific, useful detail.",
	"question":   "React with a short, genuine question that invites a reply.",
	"supportive": "Be warm and encouraging, affirm the author's point.",
}

const baseInstruction = "You write one short, natural-sounding social media comment. " +
	"Respond with the comment text only, no quotes, no preamble, at most two sentences."

// Generator is the genai-backed implementation of engine.Generator.
type Generator struct {
	client  *genai.Client
	model   string
	baseCfg *genai.GenerateContentConfig
	timeout config.GeminiConfig
	log     *slog.Logger
}

// NewGenerator creates a Gemini content generator from the given
// configuration.
func NewGenerator(ctx context.Context, cfg config.GeminiConfig, log *slog.Logger) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if log == nil {
		log = slog.Default()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	temperature := cfg.Temperature
	baseCfg := &genai.GenerateContentConfig{
		Temperature: &temperature,
		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
		},
	}

	return &Generator{
		client:  client,
		model:   cfg.Model,
		baseCfg: baseCfg,
		timeout: cfg,
		log:     log.With("component", "generator"),
	}, nil
}

// Generate produces a text payload for the strategy and opportunity.
// Blank model output maps to engine.ErrEmptyPayload so the orchestrator
// records a failed attempt instead of posting nothing.
func (g *Generator) Generate(ctx context.Context, strategy bandit.StrategyID, opp engine.Opportunity) (engine.Payload, error) {
	genCtx, cancel := context.WithTimeout(ctx, g.timeout.Timeout)
	defer cancel()

	tone, ok := toneInstructions[strategy]
	if !ok {
		tone = "Keep a neutral, conversational tone."
	}

	cfg := *g.baseCfg
	cfg.SystemInstruction = &genai.Content{
		Parts: []*genai.Part{{Text: baseInstruction + " " + tone}},
	}

	prompt := fmt.Sprintf(
		"Action kind: %s. Audience segment: %s. Channel context: %s. Target: %s.",
		opp.Kind, opp.Segment, opp.Context, opp.Target,
	)
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}

	resp, err := g.client.Models.GenerateContent(genCtx, g.model, contents, &cfg)
	if err != nil {
		g.log.ErrorContext(ctx, "Gemini generation failed",
			"strategy", strategy, "kind", opp.Kind, "error", err)
		return engine.Payload{}, fmt.Errorf("gemini API call failed: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return engine.Payload{}, engine.ErrEmptyPayload
	}

	return engine.NewTextPayload(text)
}
