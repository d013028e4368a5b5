package spam

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/foxcpp/maddy/internal/config"
)

func TestClassify_RuleMatchShortCircuits(t *testing.T) {
	c := New()
	blocks := []map[string][]string{
		{"x-spam": {"Yes"}},
		{"x-spam": {"No"}},
	}
	cfg := config.SpamConfig{
		Rules: []config.SpamRule{
			{HeaderMatch: "X-Spam:Yes", Action: "spam"},
		},
		TrustedRelays: 2,
	}
	isSpam, err := c.Classify(context.Background(), nil, blocks, cfg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !isSpam {
		t.Fatal("expected rule match to classify as spam")
	}
}

func TestClassify_NoRuleMatch_FallsBackToRspamd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"score": 15.0, "action": "reject"}`))
	}))
	defer srv.Close()

	c := New()
	cfg := config.SpamConfig{RspamdURL: srv.URL, TrustedRelays: 1}
	isSpam, err := c.Classify(context.Background(), []byte("Subject: hi\r\n\r\nbody"), []map[string][]string{{}}, cfg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !isSpam {
		t.Fatal("expected rspamd reject action to classify as spam")
	}
}

func TestClassify_TrustedRelaysLimitsScope(t *testing.T) {
	c := New()
	// trusted_relays=1 scans blocks 0-1 inclusive; the match in block 2 must
	// be out of scope.
	blocks := []map[string][]string{
		{"x-spam": {"No"}},
		{"x-spam": {"No"}},
		{"x-spam": {"Yes"}},
	}
	cfg := config.SpamConfig{
		Rules:         []config.SpamRule{{HeaderMatch: "X-Spam:Yes", Action: "spam"}},
		TrustedRelays: 1,
	}
	isSpam, err := c.Classify(context.Background(), nil, blocks, cfg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if isSpam {
		t.Fatal("expected the match beyond trusted_relays to be ignored")
	}
}

func TestClassify_TrustedRelaysZeroScansOnlyBlockZero(t *testing.T) {
	c := New()
	// trusted_relays=0 scans exactly block 0; the Ham in block 1 must not be
	// reached, but a match in block 0 itself must still count.
	blocks := []map[string][]string{
		{"x-spam": {"Yes"}},
		{"x-spam": {"No"}},
	}
	cfg := config.SpamConfig{
		Rules:         []config.SpamRule{{HeaderMatch: "X-Spam:Yes", Action: "spam"}},
		TrustedRelays: 0,
	}
	isSpam, err := c.Classify(context.Background(), nil, blocks, cfg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !isSpam {
		t.Fatal("expected trusted_relays=0 to still scan block 0")
	}
}

func TestClassify_TrustedRelaysZeroExcludesFurtherBlocks(t *testing.T) {
	c := New()
	// trusted_relays=0 must not reach block 1's match.
	blocks := []map[string][]string{
		{"x-spam": {"No"}},
		{"x-spam": {"Yes"}},
	}
	cfg := config.SpamConfig{
		Rules:         []config.SpamRule{{HeaderMatch: "X-Spam:Yes", Action: "spam"}},
		TrustedRelays: 0,
	}
	isSpam, err := c.Classify(context.Background(), nil, blocks, cfg)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if isSpam {
		t.Fatal("expected trusted_relays=0 to ignore blocks beyond block 0")
	}
}
