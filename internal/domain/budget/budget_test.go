package budget

import (
	"math"
	"testing"
)

func TestPlanInvestmentScalesWithMultiplier(t *testing.T) {
	levels := []Level{LevelXS, LevelS, LevelM, LevelL, LevelXL, Level("??"), Level("")}
	multipliers := []float64{0.1, 0.5, 1.0, 2.5, 5.0}

	for _, l := range levels {
		for _, m := range multipliers {
			got := Plan(l, m)
			want := TableInvestment(l) * m
			if math.Abs(got.Investment-want) > 1e-9 {
				t.Errorf("Plan(%q, %v).Investment = %v, want %v", l, m, got.Investment, want)
			}
		}
	}
}

func TestPlanTable(t *testing.T) {
	tests := []struct {
		level      Level
		investment float64
		rounds     int
	}{
		{LevelXS, 1.5, 2},
		{LevelS, 1.5, 2},
		{LevelM, 3.0, 3},
		{LevelL, 5.0, 4},
		{LevelXL, 5.0, 4},
	}
	for _, tt := range tests {
		a := Plan(tt.level, 1.0)
		if a.Investment != tt.investment || a.RoundBudget != tt.rounds {
			t.Errorf("Plan(%s) = %+v, want investment=%v rounds=%d", tt.level, a, tt.investment, tt.rounds)
		}
	}
}

func TestPlanUnknownResolvesToHighestTier(t *testing.T) {
	unknown := Plan(Level("huge"), 2.0)
	highest := Plan(LevelXL, 2.0)

	if unknown.Investment != highest.Investment || unknown.RoundBudget != highest.RoundBudget {
		t.Fatalf("unknown level = %+v, want same allocation as XL %+v", unknown, highest)
	}
	if unknown.Level != FallbackLevel {
		t.Fatalf("unknown level recorded as %q, want %q", unknown.Level, FallbackLevel)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
		ok   bool
	}{
		{"Complexity: S\nSummary: add endpoint", LevelS, true},
		{`{"summary":"x","complexity": "XL"}`, LevelXL, true},
		{"complexity level - m", LevelM, true},
		{"COMPLEXITY=xs", LevelXS, true},
		{"complexity: L.", LevelL, true},
		{"complexity: Medium", "", false},
		{"no label here", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseLevel(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestResolveLevelFallback(t *testing.T) {
	if got := ResolveLevel("garbage"); got != LevelL {
		t.Fatalf("ResolveLevel fallback = %q, want L", got)
	}
	if got := ResolveLevel("complexity: S"); got != LevelS {
		t.Fatalf("ResolveLevel = %q, want S", got)
	}
}

func TestCapRounds(t *testing.T) {
	a := Plan(LevelL, 1)
	if got := a.CapRounds(2); got != 2 {
		t.Errorf("CapRounds(2) = %d, want 2", got)
	}
	if got := a.CapRounds(20); got != 4 {
		t.Errorf("CapRounds(20) = %d, want 4", got)
	}
	if got := a.CapRounds(0); got != 4 {
		t.Errorf("CapRounds(0) = %d, want 4", got)
	}
}
