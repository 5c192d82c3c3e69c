package plan

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/Strob0t/forgeflow/internal/domain/budget"
	"github.com/Strob0t/forgeflow/internal/domain/fault"
)

var (
	fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	fencedCode = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\n(.*?)```")
)

// ParseAnalysis extracts an Analysis from Analyze phase output. The output
// may be JSON or prose; the complexity label is always located by pattern
// match so prose answers still yield a level.
func ParseAnalysis(raw string) (*Analysis, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, malformed("analyze", raw, errors.New("empty output"))
	}

	a := &Analysis{Raw: raw}
	if obj, ok := extractJSON(raw); ok {
		var doc struct {
			Summary      string   `json:"summary"`
			Requirements []string `json:"requirements"`
		}
		if err := decodeLenient(obj, &doc); err == nil {
			a.Summary = doc.Summary
			a.Requirements = doc.Requirements
		}
	}
	if a.Summary == "" {
		a.Summary = firstLine(raw)
	}

	level, ok := budget.ParseLevel(raw)
	if !ok {
		level = budget.FallbackLevel
	}
	a.Complexity = level
	a.ComplexityParsed = ok
	return a, nil
}

// ParsePlan extracts a Plan from Plan phase output. The plan must be a JSON
// object with at least a summary or one step; malformed JSON is repaired
// before giving up.
func ParsePlan(raw string) (*Plan, error) {
	obj, ok := extractJSON(raw)
	if !ok {
		return nil, malformed("plan", raw, errors.New("no JSON object found"))
	}
	var p Plan
	if err := decodeLenient(obj, &p); err != nil {
		return nil, malformed("plan", raw, err)
	}
	if p.Summary == "" && len(p.Steps) == 0 {
		return nil, malformed("plan", raw, errors.New("plan has neither summary nor steps"))
	}
	return &p, nil
}

// ExtractCode returns the fenced code blocks of a write phase answer joined
// together, or the trimmed answer when it carries no fences.
func ExtractCode(op, raw string) (string, error) {
	blocks := fencedCode.FindAllStringSubmatch(raw, -1)
	if len(blocks) > 0 {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if s := strings.TrimSpace(b[1]); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n\n"), nil
		}
	}
	if s := strings.TrimSpace(raw); s != "" {
		return s, nil
	}
	return "", malformed(op, raw, errors.New("empty output"))
}

func extractJSON(raw string) (string, bool) {
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		return m[1], true
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 {
		return "", false
	}
	if end < start {
		// Unterminated object; let the repair pass close it.
		return raw[start:], true
	}
	return raw[start : end+1], true
}

func decodeLenient(obj string, v any) error {
	if err := json.Unmarshal([]byte(obj), v); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(repaired), v)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func malformed(op, raw string, err error) error {
	return &fault.Error{Kind: fault.KindMalformedModelOutput, Op: op, Raw: raw, Err: err}
}
