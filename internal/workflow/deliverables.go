package workflow

import (
	"context"
	"strings"

	"deliverline/internal/deliverable"
	"deliverline/internal/extract"
	"deliverline/internal/normalize"
)

// Node names of the deliverables graph.
const (
	NodeExtract   = "extract"
	NodeNormalize = "normalize"
)

// ExtractNode fills State.Raw from State.Text. Blank text yields an empty
// slot without calling the model.
func ExtractNode(c *extract.Client) Node {
	return func(ctx context.Context, s State) (State, error) {
		if strings.TrimSpace(s.Text) == "" {
			s.Raw = []deliverable.Raw{}
			return s, nil
		}
		raws, err := c.Extract(ctx, s.Text)
		if err != nil {
			return s, err
		}
		s.Raw = raws
		return s, nil
	}
}

// NormalizeNode fills State.Records from State.Raw.
func NormalizeNode(n normalize.Normalizer) Node {
	return func(_ context.Context, s State) (State, error) {
		recs, err := n.Normalize(s.Raw)
		if err != nil {
			return s, err
		}
		s.Records = recs
		return s, nil
	}
}

// Deliverables builds extract -> normalize -> End.
func Deliverables(c *extract.Client, n normalize.Normalizer) (*Runnable, error) {
	return NewGraph().
		AddNode(NodeExtract, ExtractNode(c)).
		AddNode(NodeNormalize, NormalizeNode(n)).
		SetEntry(NodeExtract).
		AddEdge(NodeExtract, NodeNormalize).
		AddEdge(NodeNormalize, End).
		Compile()
}

// Run invokes r on text. The returned Raw and Records are never nil.
func Run(ctx context.Context, r *Runnable, text string) (State, error) {
	s, err := r.Invoke(ctx, State{Text: text})
	if err != nil {
		return s, err
	}
	if s.Raw == nil {
		s.Raw = []deliverable.Raw{}
	}
	if s.Records == nil {
		s.Records = []deliverable.Record{}
	}
	return s, nil
}
