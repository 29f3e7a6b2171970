// Package vault redacts detected secrets to stable tokens and restores them.
// The vault is process-global state: shell output is redacted on the way out,
// and text headed for the filesystem or a shell is restored on the way in, so
// a token the model echoes back materializes as the real secret.
package vault

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"
)

// DetectedSecret is one match reported by a Detector.
type DetectedSecret struct {
	RuleID string
	Value  string
	Start  int // byte offset into the scanned text
	End    int
}

// Detector scans text for secrets. Implementations must tolerate arbitrary
// input; a detection failure is reported as no matches, never as an error
// that blocks redaction.
type Detector interface {
	Detect(text string, path string, privacyMode bool) []DetectedSecret
}

// Vault holds the bidirectional token ↔ plaintext map for the process.
type Vault struct {
	detector Detector

	mu      sync.RWMutex
	byToken map[string]string // token → plaintext
	byValue map[string]string // plaintext → token

	counter atomic.Uint64
}

// New creates a vault backed by the given detector. A nil detector disables
// detection-based redaction; RedactPassword and Restore still work.
func New(detector Detector) *Vault {
	return &Vault{
		detector: detector,
		byToken:  make(map[string]string),
		byValue:  make(map[string]string),
	}
}

// Redact scans text and replaces each detected secret with a stable token of
// the form [REDACTED_SECRET:rule_id:id]. The id comes from a process-lifetime
// counter, never from the secret itself, so tokens are content-independent.
// The same plaintext always maps to the same token within one vault.
func (v *Vault) Redact(text, path string, privacyMode bool) (string, map[string]string) {
	if text == "" || v.detector == nil {
		return text, map[string]string{}
	}

	secrets := v.detector.Detect(text, path, privacyMode)

	// Known plaintexts count as detections too: a secret redacted earlier in
	// the process keeps its token even if the detector misses it this time.
	v.mu.RLock()
	for value, token := range v.byValue {
		if idx := strings.Index(text, value); idx >= 0 {
			ruleID := ruleFromToken(token)
			secrets = append(secrets, DetectedSecret{
				RuleID: ruleID,
				Value:  value,
				Start:  idx,
				End:    idx + len(value),
			})
		}
	}
	v.mu.RUnlock()

	if len(secrets) == 0 {
		return text, map[string]string{}
	}

	secrets = dedupeOverlaps(secrets)

	// Replace back-to-front so earlier offsets stay valid.
	sort.Slice(secrets, func(i, j int) bool { return secrets[i].Start > secrets[j].Start })

	tokenMap := make(map[string]string)
	redacted := text
	for _, s := range secrets {
		if s.Start < 0 || s.End > len(redacted) || s.Start >= s.End {
			continue
		}
		if !isCharBoundary(text, s.Start) || !isCharBoundary(text, s.End) {
			continue
		}
		token := v.tokenFor(s.RuleID, s.Value)
		tokenMap[token] = s.Value
		redacted = redacted[:s.Start] + token + redacted[s.End:]
	}

	return redacted, tokenMap
}

// RedactPassword replaces every literal occurrence of password without
// running detection.
func (v *Vault) RedactPassword(text, password string) (string, map[string]string) {
	if password == "" {
		return text, map[string]string{}
	}
	token := v.tokenFor("password", password)
	redacted := strings.ReplaceAll(text, password, token)
	return redacted, map[string]string{token: password}
}

// Restore substitutes every known token in text with its plaintext.
// Text without tokens passes through unchanged.
func (v *Vault) Restore(text string) string {
	if !strings.Contains(text, "[REDACTED_SECRET:") {
		return text
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	for token, value := range v.byToken {
		text = strings.ReplaceAll(text, token, value)
	}
	return text
}

// tokenFor returns the stable token for value, minting one on first sight.
func (v *Vault) tokenFor(ruleID, value string) string {
	v.mu.RLock()
	token, ok := v.byValue[value]
	v.mu.RUnlock()
	if ok {
		return token
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if token, ok := v.byValue[value]; ok {
		return token
	}
	token = fmt.Sprintf("[REDACTED_SECRET:%s:%06x]", ruleID, v.counter.Add(1))
	v.byToken[token] = value
	v.byValue[value] = token
	return token
}

// dedupeOverlaps resolves overlapping matches by keeping the longest.
func dedupeOverlaps(secrets []DetectedSecret) []DetectedSecret {
	sort.Slice(secrets, func(i, j int) bool { return secrets[i].Start < secrets[j].Start })

	var kept []DetectedSecret
	for _, s := range secrets {
		add := true
		out := kept[:0]
		for _, existing := range kept {
			overlaps := s.Start < existing.End && s.End > existing.Start
			if !overlaps {
				out = append(out, existing)
				continue
			}
			if len(s.Value) > len(existing.Value) {
				continue // drop the shorter existing match
			}
			add = false
			out = append(out, existing)
		}
		kept = out
		if add {
			kept = append(kept, s)
		}
	}
	return kept
}

func isCharBoundary(s string, pos int) bool {
	if pos == 0 || pos == len(s) {
		return true
	}
	if pos < 0 || pos > len(s) {
		return false
	}
	return utf8.RuneStart(s[pos])
}

func ruleFromToken(token string) string {
	parts := strings.Split(strings.Trim(token, "[]"), ":")
	if len(parts) == 3 {
		return parts[1]
	}
	return "secret"
}
