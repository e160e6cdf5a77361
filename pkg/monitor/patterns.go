package monitor

import (
	"regexp"
	"strings"
	"time"

	"github.com/harborline/sandbox-sentinel/internal/types"
)

// logPattern is one row of the log detection table.
type logPattern struct {
	re       *regexp.Regexp
	severity types.Severity
	label    string
}

// logPatterns is evaluated in order; the first matching row wins for a line.
// CRITICAL rows cover active attack tooling, WARNING rows cover recon,
// encoding tricks, and crash noise.
var logPatterns = []logPattern{
	{regexp.MustCompile(`(?i)\b(curl|wget|fetch)\b.*https?://`), types.SeverityCritical, "download tool invocation"},
	{regexp.MustCompile(`(?i)\b(eval|exec|system|popen|subprocess)\s*\(`), types.SeverityCritical, "code execution call"},
	{regexp.MustCompile(`(?i)\b(apt|apt-get|pip|pip3|npm)\s+install\b`), types.SeverityCritical, "package installation"},
	{regexp.MustCompile(`(?i)\benv\b.*\b(KEY|SECRET|TOKEN|PASSWORD)\b`), types.SeverityCritical, "environment secret enumeration"},
	{regexp.MustCompile(`/etc/(passwd|shadow|hosts|resolv)`), types.SeverityCritical, "sensitive file access"},
	{regexp.MustCompile(`(?i)\b(sh|bash|zsh)\s+-c\b`), types.SeverityCritical, "shell spawn"},
	{regexp.MustCompile(`(?i)\b(injection|unauthorized)\b`), types.SeverityCritical, "security keyword"},
	{regexp.MustCompile(`(?i)\b(chmod|chown)\b`), types.SeverityWarning, "permission change"},
	{regexp.MustCompile(`(?i)\b(base64|xxd|openssl)\b`), types.SeverityWarning, "encoding tool"},
	{regexp.MustCompile(`(?i)\b(whoami|hostname|ifconfig|uname)\b`), types.SeverityWarning, "host reconnaissance"},
	{regexp.MustCompile(`(?i)\b(panic|segfault)\b`), types.SeverityWarning, "crash"},
	{regexp.MustCompile(`\b(ERROR|FATAL)\b`), types.SeverityWarning, "error log"},
}

// maxLogExcerpt bounds the log text carried into a finding message.
const maxLogExcerpt = 200

// matchLogLine evaluates one log line against the pattern table. The first
// matching row produces the finding; unmatched lines yield none.
func matchLogLine(line string) (types.Finding, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return types.Finding{}, false
	}
	for _, p := range logPatterns {
		if !p.re.MatchString(line) {
			continue
		}
		excerpt := line
		if runes := []rune(excerpt); len(runes) > maxLogExcerpt {
			excerpt = string(runes[:maxLogExcerpt])
		}
		return types.Finding{
			Channel:   "logs",
			Severity:  p.severity,
			Message:   p.label + ": " + excerpt,
			Evidence:  excerpt,
			Timestamp: time.Now(),
		}, true
	}
	return types.Finding{}, false
}
