package summary

import (
	"regexp"
	"strings"
)

// EmptyDigest replaces a digest that is empty after cleaning.
const EmptyDigest = "Test performed with no clinically significant results"

// EmptyProfile replaces a profile summary that is empty after cleaning.
const EmptyProfile = "No significant medical history"

var (
	profilePrefix  = regexp.MustCompile(`(?i)^initial profile summary:\s*`)
	noFindingsTail = regexp.MustCompile(`(?i)\bNo (other )?(significant )?findings\.?\s*$`)
	trailingPeriod = regexp.MustCompile(`\.\s*$`)
)

// CleanDigest normalizes adapter output into a single summary line.
func CleanDigest(s string) string {
	s = strings.TrimSpace(s)
	s = noFindingsTail.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = trailingPeriod.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return EmptyDigest
	}
	return s
}

// CleanProfile normalizes a profile summary into a single line.
func CleanProfile(s string) string {
	s = profilePrefix.ReplaceAllString(strings.TrimSpace(s), "")
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return EmptyProfile
	}
	return s
}
