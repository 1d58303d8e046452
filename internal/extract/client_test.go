package extract

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tmc/langchaingo/llms"

	"deliverline/internal/deliverable"
	"deliverline/internal/prompt"
)

var testShape = deliverable.MustShape()

func strPtr(s string) *string { return &s }

func staticClient(payload string) *Client {
	return New(&Replay{Payload: []byte(payload)}, testShape)
}

func TestExtractDecodesObjects(t *testing.T) {
	c := staticClient(`[
		{"name":"Branded Booth","description":"9sqm booth","assigned_team":"EVENTS","due_date":"2025-12-01"},
		{"name":"Social posts","description":"Three posts on X and LinkedIn","assigned_team":"MARKETING","due_date":null},
		{"name":"Website placement","description":"Logo on website","assigned_team":"NONE"}
	]`)
	got, err := c.Extract(context.Background(), "contract")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := []deliverable.Raw{
		{Name: "Branded Booth", Description: "9sqm booth", AssignedTeam: "EVENTS", DueDate: strPtr("2025-12-01")},
		{Name: "Social posts", Description: "Three posts on X and LinkedIn", AssignedTeam: "MARKETING"},
		{Name: "Website placement", Description: "Logo on website", AssignedTeam: "NONE"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("raw mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractEmptyArray(t *testing.T) {
	got, err := staticClient("[]").Extract(context.Background(), "")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestExtractStripsCodeFence(t *testing.T) {
	c := staticClient("```json\n[{\"name\":\"a\",\"description\":\"b\",\"assigned_team\":\"NONE\"}]\n```")
	got, err := c.Extract(context.Background(), "x")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(got) != 1 || got[0].Name != "a" {
		t.Fatalf("unexpected result: %#v", got)
	}
}

func TestExtractSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"not json":      `deliverables: booth`,
		"empty":         ``,
		"object":        `{"deliverables":[]}`,
		"bad enum":      `[{"name":"a","description":"b","assigned_team":"SALES"}]`,
		"wrong type":    `[{"name":5,"description":"b","assigned_team":"EVENTS"}]`,
		"missing field": `[{"name":"a","assigned_team":"EVENTS"}]`,
		"null item":     `[null]`,
		"numeric date":  `[{"name":"a","description":"b","assigned_team":"EVENTS","due_date":20251201}]`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := staticClient(payload).Extract(context.Background(), "x")
			if !errors.Is(err, deliverable.ErrSchemaViolation) {
				t.Fatalf("expected schema violation, got %v", err)
			}
			if errors.Is(err, deliverable.ErrServiceUnavailable) {
				t.Fatalf("schema violation must not be reported as unavailable")
			}
			if deliverable.Retryable(err) {
				t.Fatalf("schema violation must not be retryable")
			}
		})
	}
}

func TestExtractTransportFailure(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")
	c := New(GeneratorFunc(func(ctx context.Context, _ string, _ *deliverable.Shape) ([]byte, error) {
		return nil, boom
	}), testShape)
	_, err := c.Extract(context.Background(), "x")
	if !errors.Is(err, deliverable.ErrServiceUnavailable) {
		t.Fatalf("expected service unavailable, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected cause to be kept, got %v", err)
	}
	if !deliverable.Retryable(err) {
		t.Fatalf("expected retryable")
	}
}

func TestExtractCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := staticClient("[]").Extract(ctx, "x")
	if !errors.Is(err, deliverable.ErrServiceUnavailable) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected unavailable wrapping context.Canceled, got %v", err)
	}
}

func TestExtractKeepsClassifiedGeneratorErrors(t *testing.T) {
	c := New(GeneratorFunc(func(ctx context.Context, _ string, _ *deliverable.Shape) ([]byte, error) {
		return nil, deliverable.Violation(nil, "blocked by safety filter")
	}), testShape)
	_, err := c.Extract(context.Background(), "x")
	if deliverable.KindOf(err) != "schema_violation" {
		t.Fatalf("expected schema_violation, got %s (%v)", deliverable.KindOf(err), err)
	}
}

func TestExtractPassesInstructionAndShape(t *testing.T) {
	var gotInstruction string
	var gotShape *deliverable.Shape
	c := New(GeneratorFunc(func(ctx context.Context, instruction string, shape *deliverable.Shape) ([]byte, error) {
		gotInstruction, gotShape = instruction, shape
		return []byte("[]"), nil
	}), testShape)
	if _, err := c.Extract(context.Background(), "the text"); err != nil {
		t.Fatalf("extract: %v", err)
	}
	if gotInstruction != prompt.Build("the text") {
		t.Fatalf("unexpected instruction: %q", gotInstruction)
	}
	if gotShape != testShape {
		t.Fatalf("expected shape to be forwarded")
	}
}

func TestExtractConcurrentCalls(t *testing.T) {
	c := staticClient(`[{"name":"a","description":"b","assigned_team":"EVENTS"}]`)
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Extract(context.Background(), "x")
			if err == nil && len(got) != 1 {
				err = errors.New("unexpected length")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent extract: %v", err)
		}
	}
}

type fakeModel struct {
	reply   string
	err     error
	prompt  string
	options llms.CallOptions
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, opt := range options {
		opt(&f.options)
	}
	if len(messages) > 0 && len(messages[0].Parts) > 0 {
		if tc, ok := messages[0].Parts[0].(llms.TextContent); ok {
			f.prompt = tc.Text
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.reply}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, p string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, p, options...)
}

func TestModelGeneratorUsesJSONModeAndSchema(t *testing.T) {
	m := &fakeModel{reply: "[]"}
	g := NewModelGenerator(m, 0.2)
	out, err := g.Generate(context.Background(), "instruction", testShape)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if string(out) != "[]" {
		t.Fatalf("unexpected output %q", out)
	}
	if !m.options.JSONMode {
		t.Fatalf("expected JSON mode")
	}
	if m.options.Temperature != 0.2 {
		t.Fatalf("expected temperature 0.2, got %v", m.options.Temperature)
	}
	if !strings.HasPrefix(m.prompt, "instruction") || !strings.Contains(m.prompt, `"assigned_team"`) {
		t.Fatalf("expected schema attached to instruction: %q", m.prompt)
	}
}

func TestModelGeneratorErrorIsUnavailable(t *testing.T) {
	c := New(NewModelGenerator(&fakeModel{err: errors.New("googleapi: Error 503")}, 0), testShape)
	_, err := c.Extract(context.Background(), "x")
	if deliverable.KindOf(err) != "service_unavailable" {
		t.Fatalf("expected service_unavailable, got %v", err)
	}
}

func TestNewGoogleAIRequiresKey(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "")
	if _, err := NewGoogleAI(context.Background(), GoogleAIConfig{}); err == nil {
		t.Fatalf("expected missing key error")
	}
}
