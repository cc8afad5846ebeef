package pipeline

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
)

// Rule is a named secret signature.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
}

// DefaultRules are the built-in secret signatures.
var DefaultRules = []Rule{
	{"aws-access-key-id", regexp.MustCompile(`\b(?:AKIA|ASIA|AGPA|AIDA|AROA|ANPA|ANVA|AIPA)[0-9A-Z]{16}\b`)},
	{"private-key", regexp.MustCompile(`-----BEGIN (?:[A-Z0-9]+ )*PRIVATE KEY(?: BLOCK)?-----`)},
	{"github-token", regexp.MustCompile(`\b(?:gh[pousr]_[A-Za-z0-9]{36}|github_pat_[A-Za-z0-9_]{22,})\b`)},
	{"slack-token", regexp.MustCompile(`\bxox[abposr]-[A-Za-z0-9-]{10,}`)},
	{"google-api-key", regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}`)},
	{"database-url", regexp.MustCompile(`(?i)\b(?:postgres(?:ql)?|mysql|mariadb|mongodb(?:\+srv)?|redis|amqps?)://[^\s:/@]+:[^\s@/]+@`)},
	{"secret-assignment", regexp.MustCompile(
		`(?i)\b(?:api[_-]?key|access[_-]?token|auth[_-]?token|token|secret(?:[_-]?key)?|password|passwd)\b["']?\s*[:=]\s*` +
			`(?:"[^"\s]{8,}"|'[^'\s]{8,}'|[A-Za-z0-9_\-+/=]{12,})`)},
}

// Scanner finds secret signatures in the added lines of a unified diff.
type Scanner struct {
	rules []Rule
}

// NewScanner creates a scanner; with no rules it uses DefaultRules.
func NewScanner(rules ...Rule) *Scanner {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Scanner{rules: rules}
}

// ScanDiff returns findings for added lines only. Binary files are skipped.
// Findings carry file, line and rule name but never the matched text.
func (s *Scanner) ScanDiff(diff string) []gitbakdErrors.SecretFinding {
	var findings []gitbakdErrors.SecretFinding

	file := ""
	line := 0
	skip := false

	// File headers only appear between "diff --git" and the first hunk, so
	// body lines that look like headers are content.
	inHeader := false

	for _, raw := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(raw, "diff --git "):
			file, line, skip, inHeader = "", 0, false, true

		case inHeader && (strings.HasPrefix(raw, "Binary files ") || strings.HasPrefix(raw, "GIT binary patch")):
			skip = true

		case inHeader && strings.HasPrefix(raw, "+++ "):
			target := strings.TrimPrefix(raw, "+++ ")
			if target == "/dev/null" {
				skip = true
				continue
			}
			file = strings.Trim(strings.TrimPrefix(target, "b/"), `"`)

		case inHeader && strings.HasPrefix(raw, "--- "):
			// old side; nothing to scan

		case strings.HasPrefix(raw, "@@"):
			inHeader = false
			line = hunkStart(raw)

		case strings.HasPrefix(raw, "+"):
			if !skip && file != "" {
				findings = append(findings, s.scanLine(file, line, raw[1:])...)
			}
			line++

		case strings.HasPrefix(raw, " "):
			line++
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].File != findings[j].File {
			return findings[i].File < findings[j].File
		}
		return findings[i].Line < findings[j].Line
	})
	return findings
}

func (s *Scanner) scanLine(file string, line int, text string) []gitbakdErrors.SecretFinding {
	var out []gitbakdErrors.SecretFinding
	for _, r := range s.rules {
		if r.Pattern.MatchString(text) {
			out = append(out, gitbakdErrors.SecretFinding{File: file, Line: line, Rule: r.Name})
		}
	}
	return out
}

// hunkStart parses the new-side start line from "@@ -a,b +c,d @@".
func hunkStart(header string) int {
	fields := strings.Fields(header)
	for _, f := range fields {
		if !strings.HasPrefix(f, "+") {
			continue
		}
		f = strings.TrimPrefix(f, "+")
		if i := strings.IndexByte(f, ','); i >= 0 {
			f = f[:i]
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
