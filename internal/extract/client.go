// Package extract asks a schema-constrained generative service for the raw
// deliverables in a piece of text.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/charmbracelet/log"

	"deliverline/internal/deliverable"
	"deliverline/internal/logging"
	"deliverline/internal/prompt"
)

// Generator is the capability to turn an instruction into JSON that should
// match shape. Implementations must be safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, instruction string, shape *deliverable.Shape) ([]byte, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, instruction string, shape *deliverable.Shape) ([]byte, error)

func (f GeneratorFunc) Generate(ctx context.Context, instruction string, shape *deliverable.Shape) ([]byte, error) {
	return f(ctx, instruction, shape)
}

// Client performs one generation per call and returns the decoded objects.
// It holds no per-call state.
type Client struct {
	Generator Generator
	Shape     *deliverable.Shape
	Logger    *log.Logger
}

// New returns a Client for gen validating against shape.
func New(gen Generator, shape *deliverable.Shape) *Client {
	return &Client{Generator: gen, Shape: shape}
}

// Extract builds the instruction for text and returns the raw objects.
func (c *Client) Extract(ctx context.Context, text string) ([]deliverable.Raw, error) {
	return c.Generate(ctx, prompt.Build(text))
}

// Generate sends instruction and decodes the reply. It either returns every
// object or fails; there are no partial results.
func (c *Client) Generate(ctx context.Context, instruction string) ([]deliverable.Raw, error) {
	logger := logging.Or(c.Logger, "extract")
	out, err := c.Generator.Generate(ctx, instruction, c.Shape)
	if err != nil {
		var de *deliverable.Error
		if errors.As(err, &de) {
			return nil, err
		}
		logger.Debug("generation failed", "err", err)
		return nil, deliverable.Unavailable(err, "generate")
	}
	raws, err := c.decode(out)
	if err != nil {
		logger.Debug("model output rejected", "err", err, "bytes", len(out))
		return nil, err
	}
	logger.Debug("extracted", "count", len(raws))
	return raws, nil
}

func (c *Client) decode(out []byte) ([]deliverable.Raw, error) {
	body := stripFence(out)
	if len(body) == 0 {
		return nil, deliverable.Violation(nil, "empty response")
	}
	var generic any
	if err := json.Unmarshal(body, &generic); err != nil {
		return nil, deliverable.Violation(err, "response is not JSON")
	}
	if _, ok := generic.([]any); !ok {
		return nil, deliverable.Violation(nil, "response is not a JSON array")
	}
	if c.Shape != nil {
		if err := c.Shape.Validate(generic); err != nil {
			return nil, deliverable.Violation(err, "response does not match deliverable schema")
		}
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	raws := []deliverable.Raw{}
	if err := dec.Decode(&raws); err != nil {
		return nil, deliverable.Violation(err, "decode deliverables")
	}
	return raws, nil
}

// stripFence removes surrounding whitespace and one markdown code fence.
func stripFence(b []byte) []byte {
	b = bytes.TrimSpace(b)
	if !bytes.HasPrefix(b, []byte("```")) {
		return b
	}
	b = b[3:]
	if nl := bytes.IndexByte(b, '\n'); nl >= 0 {
		b = b[nl+1:]
	} else {
		b = bytes.TrimPrefix(b, []byte("json"))
	}
	b = bytes.TrimSpace(b)
	b = bytes.TrimSuffix(b, []byte("```"))
	return bytes.TrimSpace(b)
}
