package models

import (
	"net/url"
	"regexp"
	"strings"
)

var hostnameRE = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,}$`)

// SanitizeDomainURL normalizes raw tenant input into the canonical probe URL.
// It accepts a bare hostname or a full URL, validates the hostname, and always
// yields "https://<host>". Returns "" for input that cannot be sanitized.
func SanitizeDomainURL(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		parsed, err := url.Parse(s)
		if err != nil || parsed.Hostname() == "" {
			return ""
		}
		s = parsed.Hostname()
	}
	if !hostnameRE.MatchString(s) {
		return ""
	}
	return "https://" + s
}
