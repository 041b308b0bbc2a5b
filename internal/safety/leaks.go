// Package safety scans outbound text for credentials before it leaves the
// process.
package safety

import (
	"regexp"
	"sort"
)

// Leak is one suspected credential found in a piece of text.
type Leak struct {
	Kind   string
	Sample string // redacted prefix of the match
}

// LeakDetector scans text for credential-shaped strings. The zero value is
// not usable; call NewLeakDetector.
type LeakDetector struct {
	patterns []leakPattern
	perKind  int
}

type leakPattern struct {
	re   *regexp.Regexp
	kind string
}

var defaultPatterns = []leakPattern{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), "api key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "google api key"},
	{regexp.MustCompile(`sk-(ant-)?[A-Za-z0-9_\-]{20,}`), "openai/anthropic key"},
	{regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`), "slack token"},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`), "github token"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), "private key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{patterns: defaultPatterns, perKind: 3}
}

// Scan reports suspected credentials in text, at most three per kind. The
// input is not modified.
func (d *LeakDetector) Scan(text string) []Leak {
	if text == "" {
		return nil
	}
	var leaks []Leak
	for _, p := range d.patterns {
		for _, m := range p.re.FindAllString(text, d.perKind) {
			leaks = append(leaks, Leak{Kind: p.kind, Sample: redactSample(m)})
		}
	}
	return leaks
}

// Kinds returns the distinct kinds in leaks, sorted.
func Kinds(leaks []Leak) []string {
	seen := make(map[string]bool, len(leaks))
	var out []string
	for _, l := range leaks {
		if !seen[l.Kind] {
			seen[l.Kind] = true
			out = append(out, l.Kind)
		}
	}
	sort.Strings(out)
	return out
}

func redactSample(match string) string {
	if len(match) <= 6 {
		return "***"
	}
	return match[:6] + "***"
}
