package util

import (
	"regexp"
	"strings"
)

var controlChars = regexp.MustCompile(`[\x00-\x1F\x7F]+`)

// maxLogValue bounds attacker-controlled strings (user agents, paths) in log lines.
const maxLogValue = 256

// SanitizeForLog collapses control characters and newlines and truncates long values.
func SanitizeForLog(s string) string {
	if s == "" {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = controlChars.ReplaceAllString(s, " ")
	if len(s) > maxLogValue {
		s = s[:maxLogValue] + "..."
	}
	return s
}
