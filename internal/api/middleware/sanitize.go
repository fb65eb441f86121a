package middleware

import (
	"net/http"
	"strings"

	"github.com/Wikid82/bookguard/internal/util"
)

const maxLoggedValue = 200

// credentialHeaders never reach the logs. The CAPTCHA token and break-glass secret
// are single-use credentials just like bearer tokens.
var credentialHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
	"x-auth-token":        true,
	"x-break-glass-token": true,
	"x-captcha-token":     true,
}

func clip(s string) string {
	s = util.SanitizeForLog(s)
	if len(s) > maxLoggedValue {
		return s[:maxLoggedValue]
	}
	return s
}

// LoggableHeaders copies h for logging with credentials replaced by "<redacted>".
func LoggableHeaders(h http.Header) map[string][]string {
	if h == nil {
		return nil
	}
	out := make(map[string][]string, len(h))
	for k, vals := range h {
		if credentialHeaders[strings.ToLower(k)] {
			out[k] = []string{"<redacted>"}
			continue
		}
		clean := make([]string, len(vals))
		for i, v := range vals {
			clean[i] = clip(v)
		}
		out[k] = clean
	}
	return out
}

// LoggablePath strips the query string, which may carry identifiers, and clips the rest.
func LoggablePath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return clip(p)
}
