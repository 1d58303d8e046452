// Package prompt builds the extraction instruction sent to the model.
package prompt

import (
	"strings"

	"deliverline/internal/deliverable"
)

const header = `Analyze the following contract text and extract all specified tasks or deliverables.
For each deliverable, provide its name, a detailed description, the responsible team, and the due date if mentioned.
The responsible team must be EVENTS, MARKETING, or NONE when unclear. Leave the due date null when the text gives none.
Return an empty JSON array when the text contains no deliverables.

Contract Text:
---
`

const footer = `
---
`

// Build returns the instruction for text. The text is embedded verbatim; the
// result depends only on its input.
func Build(text string) string {
	var b strings.Builder
	b.Grow(len(header) + len(text) + len(footer))
	b.WriteString(header)
	b.WriteString(text)
	b.WriteString(footer)
	return b.String()
}

// Attach appends the target schema to an instruction for providers that
// cannot take a response schema natively. A nil shape leaves it unchanged.
func Attach(instruction string, shape *deliverable.Shape) string {
	if shape == nil {
		return instruction
	}
	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\nRespond with JSON only, matching this JSON Schema:\n")
	b.Write(shape.JSON())
	b.WriteString("\n")
	return b.String()
}
