package models

import "strings"

// SanitizeKeySegment escapes delimiter characters in rate limit key segments
// so a reporter id containing ':' cannot address another bucket.
func SanitizeKeySegment(s string) string {
	return strings.ReplaceAll(s, ":", "_")
}

// ReporterKey is the bucket key for one reporter's report submissions.
func ReporterKey(reporterID string) string {
	return "reports:reporter:" + SanitizeKeySegment(reporterID)
}
