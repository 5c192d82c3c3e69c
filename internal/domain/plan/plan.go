// Package plan defines the analysis and plan artifacts produced before
// execution, and the parsers that extract them from model output.
package plan

import (
	"fmt"
	"strings"

	"github.com/Strob0t/forgeflow/internal/domain/budget"
)

// Analysis is the structured result of the Analyze phase.
type Analysis struct {
	Summary      string       `json:"summary"`
	Requirements []string     `json:"requirements,omitempty"`
	Complexity   budget.Level `json:"complexity"`
	// ComplexityParsed is false when the level came from the fallback.
	ComplexityParsed bool   `json:"complexity_parsed"`
	Raw              string `json:"-"`
}

// Plan is the implementation plan presented for approval.
type Plan struct {
	Summary string   `json:"summary"`
	Steps   []string `json:"steps"`
	Files   []string `json:"files,omitempty"`
	Risks   []string `json:"risks,omitempty"`
}

// Render formats the plan as the text fed to the write phases.
func (p *Plan) Render() string {
	var b strings.Builder
	if p.Summary != "" {
		b.WriteString(p.Summary)
		b.WriteString("\n\n")
	}
	if len(p.Steps) > 0 {
		b.WriteString("Steps:\n")
		for i, s := range p.Steps {
			fmt.Fprintf(&b, "%d. %s\n", i+1, s)
		}
	}
	if len(p.Files) > 0 {
		b.WriteString("Files: ")
		b.WriteString(strings.Join(p.Files, ", "))
		b.WriteString("\n")
	}
	if len(p.Risks) > 0 {
		b.WriteString("Risks:\n")
		for _, r := range p.Risks {
			b.WriteString("- ")
			b.WriteString(r)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}
