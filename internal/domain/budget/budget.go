// Package budget maps a coarse complexity label to the investment and
// revision-round budget of a run.
package budget

import (
	"regexp"
	"strings"
)

// Level is a coarse complexity bucket derived from the analysis output.
type Level string

const (
	LevelXS Level = "XS"
	LevelS  Level = "S"
	LevelM  Level = "M"
	LevelL  Level = "L"
	LevelXL Level = "XL"
)

// FallbackLevel is used when the analysis output carries no recognizable level.
// An unrecognized task is assumed to be at least moderately complex, so the
// fallback sits in the highest-budget tier rather than the cheapest one.
const FallbackLevel = LevelL

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	switch l {
	case LevelXS, LevelS, LevelM, LevelL, LevelXL:
		return true
	}
	return false
}

// Allocation is the budget for one run. It is computed once at run start and
// never changes afterwards.
type Allocation struct {
	Level       Level   `json:"level"`
	Investment  float64 `json:"investment"`
	RoundBudget int     `json:"round_budget"`
}

type tier struct {
	investment float64
	rounds     int
}

var (
	tierSmall  = tier{investment: 1.5, rounds: 2}
	tierMedium = tier{investment: 3.0, rounds: 3}
	tierLarge  = tier{investment: 5.0, rounds: 4}
)

var table = map[Level]tier{
	LevelXS: tierSmall,
	LevelS:  tierSmall,
	LevelM:  tierMedium,
	LevelL:  tierLarge,
	LevelXL: tierLarge,
}

// TableInvestment returns the base investment for a level before the
// multiplier is applied. Unknown levels resolve to the highest tier.
func TableInvestment(l Level) float64 {
	return lookup(l).investment
}

func lookup(l Level) tier {
	if t, ok := table[l]; ok {
		return t
	}
	return tierLarge
}

// Plan computes the allocation for a level and a budget multiplier.
func Plan(l Level, multiplier float64) Allocation {
	t := lookup(l)
	if !l.Valid() {
		l = FallbackLevel
	}
	return Allocation{
		Level:       l,
		Investment:  t.investment * multiplier,
		RoundBudget: t.rounds,
	}
}

// CapRounds returns the effective round budget given the task's max rounds.
func (a Allocation) CapRounds(maxRounds int) int {
	if maxRounds > 0 && maxRounds < a.RoundBudget {
		return maxRounds
	}
	return a.RoundBudget
}

// levelPattern matches "complexity: S", "\"complexity\": \"XL\"",
// "Complexity level - M" and similar forms.
var levelPattern = regexp.MustCompile(`(?i)complexity[\s"']*(?:level)?[\s"']*[:=\-]\s*["']?\s*(XS|XL|S|M|L)\b`)

// ParseLevel extracts the complexity level from free-form analysis output.
func ParseLevel(text string) (Level, bool) {
	m := levelPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return Level(strings.ToUpper(m[1])), true
}

// ResolveLevel is ParseLevel with the conservative fallback applied.
func ResolveLevel(text string) Level {
	if l, ok := ParseLevel(text); ok {
		return l
	}
	return FallbackLevel
}
