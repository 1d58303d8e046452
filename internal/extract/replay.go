package extract

import (
	"context"
	"fmt"
	"os"

	"deliverline/internal/deliverable"
)

// Replay answers every instruction with the same recorded payload. It is
// used for offline runs and fixtures.
type Replay struct {
	Payload []byte
}

// LoadReplay reads a recorded model response from path.
func LoadReplay(path string) (*Replay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay fixture: %w", err)
	}
	return &Replay{Payload: data}, nil
}

func (r *Replay) Generate(ctx context.Context, _ string, _ *deliverable.Shape) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]byte, len(r.Payload))
	copy(out, r.Payload)
	return out, nil
}
