package vault

import (
	"regexp"
	"strings"
)

// rule pairs a rule id with its pattern. When group > 0, only that capture
// group is treated as the secret (keeps surrounding syntax intact).
type rule struct {
	id      string
	pattern *regexp.Regexp
	group   int
}

var defaultRules = []rule{
	{id: "aws-access-key", pattern: regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{id: "github-token", pattern: regexp.MustCompile(`\bgh[pousr]_[0-9A-Za-z]{36,}\b`)},
	{id: "slack-token", pattern: regexp.MustCompile(`\bxox[baprs]-[0-9A-Za-z-]{10,}\b`)},
	{id: "private-key", pattern: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{id: "bearer-token", pattern: regexp.MustCompile(`(?i)\bbearer\s+([0-9A-Za-z\-._~+/]{20,}=*)`), group: 1},
	{id: "generic-api-key", pattern: regexp.MustCompile(`(?i)\b(?:api[_-]?key|secret[_-]?key|access[_-]?token)\s*[:=]\s*['"]?([0-9A-Za-z\-._]{16,})['"]?`), group: 1},
	{id: "password", pattern: regexp.MustCompile(`(?i)\bpassword\s*[:=]\s*['"]?([^\s'"]{6,})['"]?`), group: 1},
}

var privacyRules = []rule{
	{id: "ipv4", pattern: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
	{id: "aws-account-id", pattern: regexp.MustCompile(`\b\d{12}\b`)},
}

// RuleDetector is the built-in Detector: a fixed rule set scanned per call.
// Custom rule authoring lives outside the runtime; this covers the common
// credential shapes that leak through shell output.
type RuleDetector struct {
	rules   []rule
	privacy []rule
}

// NewRuleDetector returns a detector with the default rule set.
func NewRuleDetector() *RuleDetector {
	return &RuleDetector{rules: defaultRules, privacy: privacyRules}
}

func (d *RuleDetector) Detect(text, path string, privacyMode bool) []DetectedSecret {
	if text == "" {
		return nil
	}
	rules := d.rules
	if privacyMode {
		rules = append(append([]rule{}, d.rules...), d.privacy...)
	}

	var out []DetectedSecret
	for _, r := range rules {
		for _, m := range r.pattern.FindAllStringSubmatchIndex(text, -1) {
			start, end := m[0], m[1]
			if r.group > 0 && len(m) > 2*r.group+1 && m[2*r.group] >= 0 {
				start, end = m[2*r.group], m[2*r.group+1]
			}
			value := text[start:end]
			if strings.HasPrefix(value, "[REDACTED_SECRET:") {
				continue
			}
			out = append(out, DetectedSecret{
				RuleID: r.id,
				Value:  value,
				Start:  start,
				End:    end,
			})
		}
	}
	return out
}
