package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"empty", "", ""},
		{"clean", "Mozilla/5.0", "Mozilla/5.0"},
		{"crlf", "user\r\nadmin", "user admin"},
		{"forged log line", "bob\nlevel=error msg=pwned", "bob level=error msg=pwned"},
		{"control run", "a\x00\x01\x1Fb", "a b"},
		{"del", "a\x7Fb", "a b"},
		{"tab", "a\tb", "a b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeForLog(tt.input))
		})
	}
}

func TestSanitizeForLog_Truncates(t *testing.T) {
	out := SanitizeForLog(strings.Repeat("x", 1000))
	assert.Len(t, out, maxLogValue+3)
	assert.True(t, strings.HasSuffix(out, "..."))
}

func TestNetworkPrefix(t *testing.T) {
	assert.Equal(t, "203.0.113.0/24", NetworkPrefix("203.0.113.77"))
	assert.Equal(t, "2001:db8:abcd::/48", NetworkPrefix("2001:db8:abcd:12::1"))
	assert.Equal(t, "", NetworkPrefix("not-an-ip"))

	assert.True(t, SameNetwork("10.1.2.3", "10.1.2.200"))
	assert.False(t, SameNetwork("10.1.2.3", "10.1.3.3"))
	assert.False(t, SameNetwork("bad", "bad"))

	assert.True(t, IsIP("::1"))
	assert.False(t, IsIP("user-42"))
}
