package domain

import (
	"regexp"
	"unicode/utf8"
)

// MaxDetailLength bounds error detail stored on a job.
const MaxDetailLength = 500

const truncatedSuffix = "... [truncated]"

var (
	credentialPattern = regexp.MustCompile(`(?i)(api[_-]?key|password|secret|token)(["']?\s*[:=]\s*["']?)([^\s"',;&]+)`)
	homePathPattern   = regexp.MustCompile(`/(?:home|root)(?:/[^\s"':,;]*)?`)
)

// SanitizeDetail redacts credentials and home paths, then truncates.
func SanitizeDetail(msg string) string {
	msg = credentialPattern.ReplaceAllString(msg, "${1}${2}[REDACTED]")
	msg = homePathPattern.ReplaceAllString(msg, "[PATH]")

	if utf8.RuneCountInString(msg) <= MaxDetailLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxDetailLength]) + truncatedSuffix
}
