// Package links extracts and validates http(s) URLs from message text.
package links

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// MaxURLLength caps accepted URLs. 2083 is the long-standing browser limit.
const MaxURLLength = 2083

// candidateRe finds potential http(s) URLs; each candidate still goes
// through Validate. Other schemes are ignored entirely, not reported.
var candidateRe = regexp.MustCompile(`https?://\S+`)

// strictRe requires a dotted hostname with a plausible TLD after the scheme.
var strictRe = regexp.MustCompile(`^https?://(?:www\.)?[-a-zA-Z0-9@:%._+~#=]{1,256}\.[a-zA-Z0-9()]{1,6}\b[-a-zA-Z0-9()@:%_+.~#?&/=]*$`)

// ValidationError describes why a candidate URL was rejected, with a message
// suitable for showing to the user.
type ValidationError struct {
	URL    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", truncateURL(e.URL), e.Reason)
}

const (
	reasonTooLong = "URL is too long, please provide a shorter one"
	reasonFormat  = "invalid URL format, please check the URL and try again"
	reasonDomain  = "URL must include a valid domain name"
)

// Validate checks a single http(s) URL candidate.
func Validate(raw string) *ValidationError {
	if raw == "" || len(raw) > MaxURLLength {
		return &ValidationError{URL: raw, Reason: reasonTooLong}
	}
	if !strictRe.MatchString(raw) {
		return &ValidationError{URL: raw, Reason: reasonFormat}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return &ValidationError{URL: raw, Reason: reasonFormat}
	}
	if u.Host == "" || !strings.Contains(u.Host, ".") {
		return &ValidationError{URL: raw, Reason: reasonDomain}
	}
	return nil
}

// Extract returns the valid http(s) URLs found in text, in order, plus a
// validation error per rejected candidate. Text without any http(s)
// candidate yields two empty slices.
func Extract(text string) ([]string, []*ValidationError) {
	if text == "" {
		return nil, nil
	}
	var valid []string
	var errs []*ValidationError
	seen := map[string]bool{}
	for _, cand := range candidateRe.FindAllString(text, -1) {
		if seen[cand] {
			continue
		}
		seen[cand] = true
		if verr := Validate(cand); verr != nil {
			errs = append(errs, verr)
			continue
		}
		valid = append(valid, cand)
	}
	return valid, errs
}

func truncateURL(s string) string {
	if len(s) <= 50 {
		return s
	}
	return s[:50] + "..."
}
