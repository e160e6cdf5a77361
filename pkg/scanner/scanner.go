// Package scanner implements the multi-stage secret and sensitive-data
// scanner applied to plaintext egress request bodies. Four ordered layers are
// tried and the first match short-circuits:
//
//  1. Direct pattern matching against known credential formats.
//  2. Deobfuscation (base64, hex, URL-decoding, reversal, separator
//     stripping) followed by another pattern pass over each decoded variant.
//  3. Shannon-entropy analysis of token-like substrings.
//  4. Sensitive-data patterns (private IP ranges, PEM key headers,
//     passwd-file structure).
//
// The scanner only reports; blocking the request is the caller's decision.
package scanner

import (
	"encoding/base64"
	"encoding/hex"
	"math"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

// Reason identifies the layer that produced a match.
type Reason string

const (
	ReasonSecretPattern    Reason = "secret_pattern"
	ReasonObfuscatedSecret Reason = "obfuscated_secret"
	ReasonHighEntropy      Reason = "high_entropy"
	ReasonSensitiveData    Reason = "sensitive_data"
)

// ScanResult reports the outcome of a scan. RedactedExcerpt never contains
// the full matched secret.
type ScanResult struct {
	Matched         bool
	Reason          Reason
	Pattern         string
	RedactedExcerpt string
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),                  // Anthropic (before generic sk- prefix)
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),                        // OpenAI
	regexp.MustCompile(`(?:AKIA|ABIA|ACCA|ASIA)[A-Z0-9]{16}`),        // AWS access key
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/=-]{30,}`),       // Bearer tokens
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),                        // GitHub PAT
	regexp.MustCompile(`glpat-[A-Za-z0-9_-]{20,}`),                   // GitLab PAT
	regexp.MustCompile(`xox[bpsa]-[A-Za-z0-9-]{10,}`),                // Slack tokens
	regexp.MustCompile(`(?i)(?:api[_-]?key|api[_-]?secret|access[_-]?token|private[_-]?key)\s*[:=]\s*['"]?[A-Za-z0-9+/=_-]{20,}['"]?`),
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b10\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`),
	regexp.MustCompile(`\b172\.(?:1[6-9]|2\d|3[01])\.\d{1,3}\.\d{1,3}\b`),
	regexp.MustCompile(`\b192\.168\.\d{1,3}\.\d{1,3}\b`),
	regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`),
	regexp.MustCompile(`root:[x*]:0:0:`),
	regexp.MustCompile(`(?i)(?:hostname|username|whoami|uname)\s*[:=]\s*\S+`),
}

var (
	base64Candidate = regexp.MustCompile(`[A-Za-z0-9+/_-]{28,}={0,2}`)
	hexCandidate    = regexp.MustCompile(`(?:[0-9a-fA-F]{2}[\s:-]?){15,}`)
	entropyToken    = regexp.MustCompile(`[A-Za-z0-9+/=_-]{30,}`)
	separatorRuns   = regexp.MustCompile(`(?:\S[.\s,]){10,}\S`)
	whitespace      = regexp.MustCompile(`\s+`)
	separators      = regexp.MustCompile(`[.\s,]+`)
	validBase64     = regexp.MustCompile(`^[A-Za-z0-9+/=_-]{20,}$`)
	validHex        = regexp.MustCompile(`^[0-9a-fA-F]{20,}$`)
)

// Entropy threshold in bits per character. English text sits around 3.5-4.0;
// random or encoded data around 4.5-6.0.
const (
	entropyThreshold = 4.8
	minEntropyLength = 30
	maxReverseLength = 2000
)

// Scanner is stateless and safe for concurrent use.
type Scanner struct{}

// New returns a Scanner.
func New() *Scanner {
	return &Scanner{}
}

// Scan inspects payload and returns the first match across the four layers.
func (s *Scanner) Scan(payload []byte) ScanResult {
	content := string(payload)

	// Layer 1: direct pattern match.
	for _, p := range secretPatterns {
		if m := p.FindString(content); m != "" {
			return ScanResult{
				Matched:         true,
				Reason:          ReasonSecretPattern,
				Pattern:         p.String(),
				RedactedExcerpt: redact(m),
			}
		}
	}

	// Layer 2: deobfuscated variants re-scanned against the same patterns.
	for _, variant := range deobfuscate(content) {
		for _, p := range secretPatterns {
			if m := p.FindString(variant); m != "" {
				return ScanResult{
					Matched:         true,
					Reason:          ReasonObfuscatedSecret,
					Pattern:         p.String(),
					RedactedExcerpt: redact(m),
				}
			}
		}
	}

	// Layer 3: entropy analysis of token-like substrings.
	for _, token := range entropyToken.FindAllString(content, -1) {
		if len(token) < minEntropyLength {
			continue
		}
		if e := shannonEntropy(token); e >= entropyThreshold {
			return ScanResult{
				Matched:         true,
				Reason:          ReasonHighEntropy,
				Pattern:         "shannon_entropy>=4.8",
				RedactedExcerpt: redact(token),
			}
		}
	}

	// Layer 4: sensitive data.
	for _, p := range sensitivePatterns {
		if m := p.FindString(content); m != "" {
			return ScanResult{
				Matched:         true,
				Reason:          ReasonSensitiveData,
				Pattern:         p.String(),
				RedactedExcerpt: redact(m),
			}
		}
	}

	return ScanResult{}
}

// deobfuscate generates decoded variants of content for the second layer.
func deobfuscate(content string) []string {
	var variants []string

	for _, m := range base64Candidate.FindAllString(content, -1) {
		if decoded := tryBase64(m); decoded != "" {
			variants = append(variants, decoded)
		}
	}

	for _, m := range hexCandidate.FindAllString(content, -1) {
		if decoded := tryHex(m); decoded != "" {
			variants = append(variants, decoded)
		}
	}

	if decoded := tryURLDecode(content); decoded != "" {
		variants = append(variants, decoded)
	}

	// Characters joined by dots, commas, or spaces (e.g. "s.k.-.a.n.t").
	if separatorRuns.MatchString(content) {
		stripped := separators.ReplaceAllString(content, "")
		if stripped != content && len(stripped) > 20 {
			variants = append(variants, stripped)
		}
	}

	if len(content) < maxReverseLength {
		variants = append(variants, reverse(content))
	}

	return variants
}

func tryBase64(s string) string {
	cleaned := whitespace.ReplaceAllString(s, "")
	if !validBase64.MatchString(cleaned) {
		return ""
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding} {
		decoded, err := enc.DecodeString(cleaned)
		if err != nil {
			continue
		}
		if text := string(decoded); len(text) > 10 && isPrintable(text) {
			return text
		}
	}
	return ""
}

func tryHex(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == ':' || r == '-' || r == '\t' {
			return -1
		}
		return r
	}, s)
	if !validHex.MatchString(cleaned) || len(cleaned)%2 != 0 {
		return ""
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return ""
	}
	if text := string(decoded); len(text) > 10 && isPrintable(text) {
		return text
	}
	return ""
}

func tryURLDecode(s string) string {
	if !strings.Contains(s, "%") {
		return ""
	}
	decoded, err := url.QueryUnescape(s)
	if err != nil || decoded == s {
		return ""
	}
	return decoded
}

func reverse(s string) string {
	runes := []rune(s)
	for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
		runes[i], runes[j] = runes[j], runes[i]
	}
	return string(runes)
}

func isPrintable(s string) bool {
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// shannonEntropy returns the entropy of s in bits per character.
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	for _, r := range s {
		freq[r]++
	}
	length := float64(len([]rune(s)))
	var entropy float64
	for _, c := range freq {
		p := float64(c) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// redact keeps the first and last four characters of a match and masks the
// middle, capped to 48 characters total.
func redact(s string) string {
	runes := []rune(s)
	if len(runes) <= 8 {
		return strings.Repeat("*", len(runes))
	}
	masked := string(runes[:4]) + strings.Repeat("*", min(len(runes)-8, 40)) + string(runes[len(runes)-4:])
	return masked
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
