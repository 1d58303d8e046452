// Package pipeline composes extraction and normalization into the single
// operation every caller uses.
package pipeline

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"

	"deliverline/internal/deliverable"
	"deliverline/internal/extract"
	"deliverline/internal/logging"
	"deliverline/internal/normalize"
)

// Extractor turns free text into canonical deliverable records.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]deliverable.Record, error)
}

// Pipeline is the default Extractor. It keeps no state between calls, so a
// single value may serve concurrent requests.
type Pipeline struct {
	Client     *extract.Client
	Normalizer normalize.Normalizer
	Logger     *log.Logger
}

// New returns a Pipeline over client and normalizer.
func New(client *extract.Client, normalizer normalize.Normalizer) *Pipeline {
	return &Pipeline{Client: client, Normalizer: normalizer}
}

// Extract runs extraction then normalization. Errors from either stage are
// returned as-is; see deliverable.KindOf for their tags.
func (p *Pipeline) Extract(ctx context.Context, text string) ([]deliverable.Record, error) {
	logger := logging.Or(p.Logger, "pipeline")
	if strings.TrimSpace(text) == "" {
		logger.Debug("empty input, skipping model call")
		return []deliverable.Record{}, nil
	}
	raws, err := p.Client.Extract(ctx, text)
	if err != nil {
		return nil, err
	}
	records, err := p.Normalizer.Normalize(raws)
	if err != nil {
		return nil, err
	}
	logger.Debug("pipeline finished", "raw", len(raws), "records", len(records))
	return records, nil
}

// Func adapts a function to Extractor.
type Func func(ctx context.Context, text string) ([]deliverable.Record, error)

func (f Func) Extract(ctx context.Context, text string) ([]deliverable.Record, error) {
	return f(ctx, text)
}
