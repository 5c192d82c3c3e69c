// Package review classifies, fingerprints and bounds model review output.
package review

import (
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
)

// MaxLength caps review text forwarded in events and persisted rounds.
const MaxLength = 4000

const truncationMarker = "\n...[truncated]"

// Verdict is the classification of a review.
type Verdict string

const (
	VerdictAccepted      Verdict = "accepted"
	VerdictNeedsRevision Verdict = "needs_revision"
)

var (
	acceptPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bno (further )?changes (are )?(needed|required|necessary)\b`),
		regexp.MustCompile(`(?i)\bno further changes\b`),
		regexp.MustCompile(`(?i)\blgtm\b`),
		regexp.MustCompile(`(?i)"verdict"\s*:\s*"accept(ed)?"`),
		regexp.MustCompile(`(?im)^\s*(verdict|status)\s*:\s*(approved|accepted)\s*\.?\s*$`),
	}
	rejectPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bnot (yet )?(approved|accepted)\b`),
		regexp.MustCompile(`(?i)"verdict"\s*:\s*"(revise|reject(ed)?|needs_revision)"`),
	}
)

// Classify decides whether a review accepts the submission. It is the only
// place where free-text review output is interpreted; explicit rejection
// wording wins over acceptance wording.
func Classify(text string) Verdict {
	for _, re := range rejectPatterns {
		if re.MatchString(text) {
			return VerdictNeedsRevision
		}
	}
	for _, re := range acceptPatterns {
		if re.MatchString(text) {
			return VerdictAccepted
		}
	}
	return VerdictNeedsRevision
}

// Normalize collapses whitespace and case so cosmetic differences do not
// change a review's fingerprint.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

// Hash returns the fingerprint of the full review text.
func Hash(text string) string {
	sum := blake2b.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Truncate caps text at max bytes without splitting a UTF-8 sequence.
func Truncate(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + truncationMarker
}
