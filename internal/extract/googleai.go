package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"

	"deliverline/internal/deliverable"
	"deliverline/internal/prompt"
)

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-2.0-flash"

// GoogleAIConfig configures a Gemini-backed generator.
type GoogleAIConfig struct {
	Model       string
	APIKey      string
	Temperature float64
}

// GoogleAI generates JSON with a langchaingo model in JSON mode. The
// underlying client is pooled and safe for concurrent calls.
type GoogleAI struct {
	model       llms.Model
	temperature float64
}

// NewGoogleAI creates a Gemini generator. An empty APIKey falls back to
// GOOGLE_API_KEY.
func NewGoogleAI(ctx context.Context, cfg GoogleAIConfig) (*GoogleAI, error) {
	name := strings.TrimSpace(cfg.Model)
	if name == "" {
		name = DefaultModel
	}
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("GOOGLE_API_KEY")
	}
	if key == "" {
		return nil, errors.New("googleai: api key is required")
	}
	model, err := googleai.New(ctx,
		googleai.WithDefaultModel(name),
		googleai.WithAPIKey(key),
	)
	if err != nil {
		return nil, fmt.Errorf("googleai: %w", err)
	}
	return &GoogleAI{model: model, temperature: cfg.Temperature}, nil
}

// NewModelGenerator wraps an existing langchaingo model.
func NewModelGenerator(model llms.Model, temperature float64) *GoogleAI {
	return &GoogleAI{model: model, temperature: temperature}
}

func (g *GoogleAI) Generate(ctx context.Context, instruction string, shape *deliverable.Shape) ([]byte, error) {
	out, err := llms.GenerateFromSinglePrompt(ctx, g.model, prompt.Attach(instruction, shape),
		llms.WithJSONMode(),
		llms.WithTemperature(g.temperature),
	)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}
