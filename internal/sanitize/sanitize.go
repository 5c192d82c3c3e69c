// Package sanitize scrubs secrets from provider error bodies and bounds
// their length before they reach logs, events or API responses.
package sanitize

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// DefaultMaxLength bounds sanitized text when callers pass no limit.
const DefaultMaxLength = 512

const truncationMarker = "...[truncated]"

// Patterns gitleaks does not flag in short, low-entropy error bodies.
var fallbackPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=\-]{8,}`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{12,}`),
	regexp.MustCompile(`(?i)\b(api[_-]?key|x-api-key|token|secret|password)(["']?\s*[:=]\s*["']?)[^\s"',}]{6,}`),
}

var (
	detectorOnce sync.Once
	detectorMu   sync.Mutex
	detector     *detect.Detector
)

func loadDetector() *detect.Detector {
	detectorOnce.Do(func() {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			slog.Warn("gitleaks detector unavailable, using fallback patterns only", "error", err)
			return
		}
		detector = d
	})
	return detector
}

// Secrets replaces every detected secret in s with a [REDACTED:rule] marker.
func Secrets(s string) string {
	if s == "" {
		return s
	}
	if d := loadDetector(); d != nil {
		detectorMu.Lock()
		findings := d.DetectString(s)
		detectorMu.Unlock()

		// Longest first so a secret containing another is replaced whole.
		sort.Slice(findings, func(i, j int) bool { return len(findings[i].Secret) > len(findings[j].Secret) })
		for _, f := range findings {
			if f.Secret == "" {
				continue
			}
			s = strings.ReplaceAll(s, f.Secret, "[REDACTED:"+f.RuleID+"]")
		}
	}
	for _, re := range fallbackPatterns {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			if sub := re.FindStringSubmatch(m); len(sub) == 3 {
				return sub[1] + sub[2] + "[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return s
}

// Truncate shortens s to at most max bytes without splitting a UTF-8
// sequence, appending a marker when anything was cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		max = DefaultMaxLength
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

// Text redacts secrets, collapses whitespace and truncates to max bytes.
func Text(s string, max int) string {
	s = strings.Join(strings.Fields(Secrets(s)), " ")
	return Truncate(s, max)
}

// Error returns the sanitized message of err, or "" for nil.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return Text(err.Error(), DefaultMaxLength)
}
