// Package policy implements the egress policy: an ordered domain rule table
// with allow/deny/wildcard rules, and the decision engine that mediates
// human-in-the-loop approvals for unmatched domains.
//
// The policy file uses a line-based format:
//   - one domain per line (e.g. api.openai.com)
//   - *.example.com matches any subdomain and example.com itself
//   - lines starting with ! are explicit DENY rules
//   - lines starting with # are comments
//   - malformed lines are skipped with a warning, never fatal
package policy

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/harborline/sandbox-sentinel/internal/types"
)

// Built-in DENY rules for known exfiltration and tunneling endpoints.
var builtinDenyPatterns = []string{
	"*.ngrok.io",
	"*.ngrok-free.app",
	"*.requestbin.com",
	"*.pipedream.net",
	"webhook.site",
	"*.burpcollaborator.net",
	"*.oastify.com",
	"*.interact.sh",
	"*.canarytokens.com",
	"pastebin.com",
	"hastebin.com",
	"*.requestcatcher.com",
	"*.hookbin.com",
}

// Snapshot is an immutable view of the rule table. Decisions evaluate
// against one snapshot, so an in-flight decision never observes a rule
// change made after it started.
type Snapshot struct {
	rules   []types.PolicyRule
	version uint64
}

// Version identifies the rule-table generation this snapshot was taken from.
func (s *Snapshot) Version() uint64 { return s.version }

// Rules returns the snapshot's rules in order.
func (s *Snapshot) Rules() []types.PolicyRule { return s.rules }

// Resolve evaluates domain against the snapshot. Precedence is
// exact-DENY > exact-ALLOW > wildcard-DENY > wildcard-ALLOW; an unmatched
// domain returns matched=false.
func (s *Snapshot) Resolve(domain string) (types.Verdict, bool) {
	domain = strings.ToLower(strings.TrimSpace(domain))

	var (
		exactAllow, wildDeny, wildAllow bool
	)
	for _, r := range s.rules {
		if isWildcard(r.Pattern) {
			if !matchWildcard(domain, r.Pattern) {
				continue
			}
			if r.Verdict == types.VerdictDeny {
				wildDeny = true
			} else {
				wildAllow = true
			}
			continue
		}
		if r.Pattern != domain {
			continue
		}
		if r.Verdict == types.VerdictDeny {
			return types.VerdictDeny, true // exact DENY wins outright
		}
		exactAllow = true
	}

	switch {
	case exactAllow:
		return types.VerdictAllow, true
	case wildDeny:
		return types.VerdictDeny, true
	case wildAllow:
		return types.VerdictAllow, true
	}
	return "", false
}

func isWildcard(pattern string) bool {
	return strings.HasPrefix(pattern, "*.")
}

// matchWildcard matches "*.example.com" against subdomains of example.com
// and example.com itself.
func matchWildcard(domain, pattern string) bool {
	suffix := pattern[1:] // ".example.com"
	return strings.HasSuffix(domain, suffix) || domain == pattern[2:]
}

// Store holds the ordered policy rule set. Every mutation or reload bumps
// the version; readers take snapshots.
type Store struct {
	log  *logrus.Logger
	path string

	mu      sync.RWMutex
	rules   []types.PolicyRule
	version uint64

	watcher *fsnotify.Watcher
}

// NewStore builds a Store seeded with the built-in deny rules and, if the
// policy file exists, the rules it contains.
func NewStore(path string, log *logrus.Logger) *Store {
	s := &Store{log: log, path: path}
	for _, p := range builtinDenyPatterns {
		s.rules = append(s.rules, types.PolicyRule{Pattern: p, Verdict: types.VerdictDeny, Origin: types.OriginBuiltin})
	}
	if path != "" {
		if err := s.Reload(); err != nil {
			log.WithError(err).WithField("path", path).Warn("Failed to load egress policy file")
		}
	}
	return s
}

// Snapshot returns an immutable view of the current rules.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Snapshot{
		rules:   append([]types.PolicyRule(nil), s.rules...),
		version: s.version,
	}
}

// Rules returns a copy of the current rule set in order.
func (s *Store) Rules() []types.PolicyRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.PolicyRule(nil), s.rules...)
}

// Add appends a rule. Rules are unique per (pattern, origin); adding an
// existing pair is a no-op.
func (s *Store) Add(rule types.PolicyRule) {
	rule.Pattern = strings.ToLower(strings.TrimSpace(rule.Pattern))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if r.Pattern == rule.Pattern && r.Origin == rule.Origin {
			if r.Verdict == rule.Verdict {
				return
			}
			// Same (pattern, origin) with a flipped verdict replaces in place.
			s.rules[i] = rule
			s.version++
			return
		}
	}
	s.rules = append(s.rules, rule)
	s.version++
}

// Remove deletes the rule with the given pattern and origin. It reports
// whether anything was removed.
func (s *Store) Remove(pattern string, origin types.Origin) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.rules {
		if r.Pattern == pattern && r.Origin == origin {
			s.rules = append(s.rules[:i], s.rules[i+1:]...)
			s.version++
			return true
		}
	}
	return false
}

// Reload re-reads the policy file, replacing all file-origin rules while
// keeping built-in and session rules in place.
func (s *Store) Reload() error {
	loaded, err := parsePolicyFile(s.path, s.log)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.rules[:0]
	for _, r := range s.rules {
		if r.Origin != types.OriginFile {
			kept = append(kept, r)
		}
	}
	s.rules = append(kept, loaded...)
	s.version++
	return nil
}

// parsePolicyFile reads the line-based allowlist format. Malformed lines are
// skipped with a warning (a ConfigError is recoverable, never fatal).
func parsePolicyFile(path string, log *logrus.Logger) ([]types.PolicyRule, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open policy file: %w", err)
	}
	defer file.Close()

	var rules []types.PolicyRule
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		verdict := types.VerdictAllow
		if strings.HasPrefix(line, "!") {
			verdict = types.VerdictDeny
			line = strings.TrimSpace(line[1:])
		}

		if !validPattern(line) {
			log.WithFields(logrus.Fields{"path": path, "line": lineNum}).
				Warnf("Skipping malformed policy line: %q", line)
			continue
		}

		rules = append(rules, types.PolicyRule{
			Pattern: strings.ToLower(line),
			Verdict: verdict,
			Origin:  types.OriginFile,
		})
	}
	return rules, scanner.Err()
}

// ValidPattern reports whether p is an acceptable rule pattern.
func ValidPattern(p string) bool { return validPattern(p) }

// validPattern accepts exact domains and *.suffix wildcards; embedded
// whitespace, schemes, and paths mark a line malformed.
func validPattern(p string) bool {
	if p == "" || strings.ContainsAny(p, " \t/") || strings.Contains(p, "://") {
		return false
	}
	if strings.HasPrefix(p, "*.") {
		p = p[2:]
	}
	return p != "" && !strings.Contains(p, "*")
}

// Save writes the file-origin rules back to the policy file.
func (s *Store) Save() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	var b strings.Builder
	b.WriteString("# Egress allowlist\n")
	b.WriteString("# One domain per line; *.suffix for wildcards; !domain to deny.\n\n")
	for _, r := range s.rules {
		if r.Origin != types.OriginFile {
			continue
		}
		if r.Verdict == types.VerdictDeny {
			b.WriteString("!")
		}
		b.WriteString(r.Pattern)
		b.WriteString("\n")
	}
	s.mu.RUnlock()

	if err := os.WriteFile(s.path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("save policy file: %w", err)
	}
	return nil
}

// Watch reloads the policy file whenever it is written, until stop is closed.
// Reload failures are logged; the previous rules stay in effect.
func (s *Store) Watch(stop <-chan struct{}) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	// Watch the containing directory, not the file: the file may not exist
	// yet on a fresh install, and rename-replace editors swap the inode.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch policy dir: %w", err)
	}
	s.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					s.log.WithError(err).Warn("Policy reload failed, keeping previous rules")
					continue
				}
				s.log.WithField("path", s.path).Info("Egress policy reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.WithError(err).Warn("Policy watcher error")
			}
		}
	}()
	return nil
}
