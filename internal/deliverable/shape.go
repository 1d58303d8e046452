package deliverable

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	invopop "github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonschema"
)

// Shape is the target structure a generative service is asked to emit: a
// JSON array of Raw objects. It is immutable and safe for concurrent use.
type Shape struct {
	doc      []byte
	compiled *jsonschema.Schema
}

// NewShape reflects Raw into a JSON Schema for a list of deliverables and
// compiles it for validation.
func NewShape() (*Shape, error) {
	r := &invopop.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: true,
	}
	item := r.Reflect(&Raw{})
	item.Version = ""
	item.ID = ""
	doc, err := json.Marshal(map[string]any{
		"title":       "Deliverables",
		"description": "Every deliverable found in the source text, in order of appearance.",
		"type":        "array",
		"items":       item,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal deliverable schema: %w", err)
	}
	compiled, err := jsonschema.NewCompiler().Compile(doc)
	if err != nil {
		return nil, fmt.Errorf("compile deliverable schema: %w", err)
	}
	return &Shape{doc: doc, compiled: compiled}, nil
}

// MustShape is NewShape for package-level initialisation.
func MustShape() *Shape {
	s, err := NewShape()
	if err != nil {
		panic(err)
	}
	return s
}

// JSON returns the schema document.
func (s *Shape) JSON() []byte {
	out := make([]byte, len(s.doc))
	copy(out, s.doc)
	return out
}

// Validate checks a decoded JSON value against the shape. The returned error
// lists the failing schema locations in a stable order.
func (s *Shape) Validate(v any) error {
	res := s.compiled.Validate(v)
	if res.Valid {
		return nil
	}
	var msgs []string
	for loc, e := range res.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", loc, e.Error()))
	}
	for _, d := range res.Details {
		if d.Valid {
			continue
		}
		for loc, e := range d.Errors {
			msgs = append(msgs, fmt.Sprintf("%s %s: %s", d.InstanceLocation, loc, e.Error()))
		}
	}
	sort.Strings(msgs)
	if len(msgs) == 0 {
		msgs = []string{"value does not match deliverable schema"}
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
