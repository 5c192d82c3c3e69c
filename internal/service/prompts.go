package service

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"unicode"

	"github.com/Strob0t/forgeflow/internal/domain/plan"
	"github.com/Strob0t/forgeflow/internal/port/llm"
)

//go:embed templates/phase_*.tmpl
var promptFS embed.FS

var phaseTemplates = template.Must(template.ParseFS(promptFS, "templates/phase_*.tmpl"))

// systemPrompts are the fixed role instructions per phase.
var systemPrompts = map[llm.Phase]string{
	llm.PhaseAnalyze:    "You are a senior engineer sizing software tasks. Answer with JSON only.",
	llm.PhasePlan:       "You are a senior engineer writing concise implementation plans. Answer with JSON only.",
	llm.PhaseWriteCode:  "You are a senior engineer writing production code. Return only code in fenced blocks.",
	llm.PhaseWriteTests: "You are a senior engineer writing thorough automated tests. Return only code in fenced blocks.",
	llm.PhaseReview:     "You are a strict code reviewer. Be specific and terse.",
}

// reprompt is appended to a prompt whose answer could not be parsed.
const reprompt = "\n\nYour previous answer could not be parsed. Respond again with exactly the requested format and nothing else."

type analyzeData struct {
	Description string
}

type planData struct {
	Description string
	Analysis    *plan.Analysis
}

type writeCodeData struct {
	Description      string
	Plan             string
	ApprovalFeedback string
	PreviousCode     string
	PreviousRound    int
	ReviewFeedback   string
	History          string
}

type writeTestsData struct {
	Description string
	Code        string
}

type reviewData struct {
	Description string
	Plan        string
	Code        string
	Tests       string
}

// renderPrompt executes the template of phase with data.
func renderPrompt(phase llm.Phase, data any) (string, error) {
	var buf bytes.Buffer
	if err := phaseTemplates.ExecuteTemplate(&buf, "phase_"+string(phase)+".tmpl", data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", phase, err)
	}
	return buf.String(), nil
}

// maxPromptInput caps user-supplied text interpolated into a prompt.
const maxPromptInput = 10000

// roleMarkers are line prefixes that could make user text read as a
// conversation turn.
var roleMarkers = []string{
	"system:", "assistant:", "user:", "[system]", "[assistant]",
	"<|system|>", "<|assistant|>", "<|im_start|>",
	"### system", "### assistant", "### instruction",
}

// sanitizePromptInput strips control characters from user text, defuses
// role markers at line starts and truncates overlong input.
func sanitizePromptInput(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(strings.ToLower(line))
		for _, prefix := range roleMarkers {
			if strings.HasPrefix(trimmed, prefix) {
				lines[i] = "[sanitized] " + line
				break
			}
		}
	}
	s = strings.Join(lines, "\n")

	if len(s) > maxPromptInput {
		s = s[:maxPromptInput] + "\n[truncated]"
	}
	return s
}
