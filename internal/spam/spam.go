// Package spam implements C6: trusted-relay-aware rule matching over the
// most recent header blocks plus an rspamd HTTP fallback, grounded on
// internal/check/rspamd's request/response shape and the teacher's
// FailAction-style short-circuit evaluation.
package spam

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/foxcpp/maddy/internal/config"
	"github.com/foxcpp/maddy/internal/resilience"
)

// Action is the per-rule or overall verdict of the classifier.
type Action string

const (
	ActionSpam     Action = "spam"
	ActionHam      Action = "ham"
	ActionReject   Action = "reject"
	ActionNoAction Action = "no action"
)

// Classifier evaluates the rule engine then, if nothing matched, the
// rspamd HTTP check.
type Classifier struct {
	httpClient *http.Client
	breakers   *resilience.Breakers
}

func New() *Classifier {
	return &Classifier{httpClient: http.DefaultClient, breakers: resilience.NewBreakers()}
}

// Classify decides is_spam for a raw message given its header blocks (most
// recent relay first, as produced by mimeparse.ParsedEmail.HeaderBlocks)
// and the effective per-domain spam config.
func (c *Classifier) Classify(ctx context.Context, raw []byte, headerBlocks []map[string][]string, cfg config.SpamConfig) (bool, error) {
	if isSpam, matched := evalRules(headerBlocks, cfg); matched {
		return isSpam, nil
	}

	if cfg.RspamdURL == "" {
		return false, nil
	}
	isSpam, err := c.checkRspamd(ctx, raw, cfg)
	if err != nil {
		// Network errors are logged by the caller and treated as ham so a
		// transient rspamd outage never blocks legitimate mail.
		return false, err
	}
	return isSpam, nil
}

// evalRules walks headerBlocks[0:trustedRelays+1] top to bottom (most recent
// relay first); the first matching rule short-circuits evaluation.
// trusted_relays=0 scans exactly block 0, trusted_relays=N scans blocks 0..N
// inclusive (N+1 blocks).
func evalRules(headerBlocks []map[string][]string, cfg config.SpamConfig) (isSpam bool, matched bool) {
	limit := cfg.TrustedRelays + 1
	if limit > len(headerBlocks) {
		limit = len(headerBlocks)
	}
	if limit < 0 {
		limit = 0
	}

	for _, block := range headerBlocks[:limit] {
		for _, rule := range cfg.Rules {
			if ruleMatches(rule, block) {
				return actionIsSpam(rule.Action), true
			}
		}
	}
	return false, false
}

func ruleMatches(rule config.SpamRule, block map[string][]string) bool {
	if rule.HeaderMatch != "" {
		name, want, ok := splitColonPair(rule.HeaderMatch)
		if !ok {
			return false
		}
		for _, v := range block[strings.ToLower(name)] {
			if strings.EqualFold(strings.TrimSpace(v), strings.TrimSpace(want)) {
				return true
			}
		}
		return false
	}
	if rule.HeaderMatchRegex != "" {
		name, pattern, ok := splitColonPair(rule.HeaderMatchRegex)
		if !ok {
			return false
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return false
		}
		for _, v := range block[strings.ToLower(name)] {
			if re.MatchString(v) {
				return true
			}
		}
		return false
	}
	return false
}

func splitColonPair(s string) (name, value string, ok bool) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(s[:idx]), strings.TrimSpace(s[idx+1:]), true
}

func actionIsSpam(action string) bool {
	switch Action(action) {
	case ActionSpam, ActionReject:
		return true
	default:
		return false
	}
}

type rspamdResponse struct {
	Score  float64 `json:"score"`
	Action string  `json:"action"`
}

func (c *Classifier) checkRspamd(ctx context.Context, raw []byte, cfg config.SpamConfig) (bool, error) {
	var parsed rspamdResponse
	err := c.breakers.Execute("rspamd:"+cfg.RspamdURL, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.RspamdURL, "/")+"/checkv2", bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("spam: build rspamd request: %w", err)
		}
		req.Header.Set("Content-Type", "message/rfc822")
		if cfg.RspamdAuth != "" {
			req.Header.Set("Authorization", cfg.RspamdAuth)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("spam: rspamd request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 != 2 {
			return fmt.Errorf("spam: rspamd returned HTTP %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return fmt.Errorf("spam: decode rspamd response: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return parsed.Action == "reject", nil
}
