package dkim

import (
	"context"
	"strings"
	"testing"
)

func TestGenerateKey_RSA2048(t *testing.T) {
	key, err := GenerateKey(AlgoRSA2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if !strings.HasPrefix(key.DNSRecord, "v=DKIM1; k=rsa; p=") {
		t.Fatalf("unexpected DNS record: %q", key.DNSRecord)
	}
	pemText := MarshalPrivateKey(key.PrivateDER)
	signer, err := ParsePrivateKey(pemText)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	if signer == nil {
		t.Fatal("expected non-nil signer")
	}
}

func TestSignAndVerify_RoundTrip(t *testing.T) {
	key, err := GenerateKey(AlgoRSA2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	raw := []byte("Subject: hi\r\nFrom: a@example.com\r\nTo: b@example.com\r\n\r\nhello world\r\n")
	signed, err := Sign(raw, SignOptions{Domain: "example.com", Selector: "sel1", Signer: key.PrivateKey})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !strings.Contains(string(signed), "DKIM-Signature:") {
		t.Fatalf("expected a DKIM-Signature header in signed output:\n%s", signed)
	}

	lookup := func(ctx context.Context, domain string) ([]string, error) {
		if domain == "sel1._domainkey.example.com" {
			return []string{key.DNSRecord}, nil
		}
		return nil, nil
	}

	results, err := Verify(context.Background(), signed, lookup)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 verification result, got %d", len(results))
	}
	if !results[0].Pass {
		t.Fatalf("expected signature to verify, got err: %v", results[0].Err)
	}
}
