package transport

import (
	"errors"
	"net"
	"testing"

	"github.com/emersion/go-smtp"

	"github.com/foxcpp/maddy/internal/mdclog"
)

func TestClassify(t *testing.T) {
	if res := classify(&smtp.SMTPError{Code: 451, Message: "try later"}); !res.Retry {
		t.Errorf("4xx SMTPError should be retryable, got %+v", res)
	}
	if res := classify(&smtp.SMTPError{Code: 550, Message: "no such user"}); res.Retry {
		t.Errorf("5xx SMTPError should not be retryable, got %+v", res)
	}
	if res := classify(&net.OpError{Op: "dial", Err: errors.New("connection refused")}); !res.Retry {
		t.Errorf("net.OpError should be retryable, got %+v", res)
	}
	if res := classify(errors.New("some other error")); !res.Retry {
		t.Errorf("unrecognized errors should default to retryable, got %+v", res)
	}
}

func TestAllRetry(t *testing.T) {
	recipients := []string{"a@example.com", "b@example.com"}
	res := allRetry(recipients, errors.New("mx unreachable"))
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	for _, rcpt := range recipients {
		r, ok := res[rcpt]
		if !ok {
			t.Fatalf("missing result for %q", rcpt)
		}
		if r.Delivered || !r.Retry {
			t.Errorf("allRetry(%q) = %+v, want Delivered=false Retry=true", rcpt, r)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	raw := []byte("Subject: hi\r\nFrom: a@example.com\r\n\r\nbody text\r\n")
	header, body, err := splitMessage(raw)
	if err != nil {
		t.Fatalf("splitMessage error: %v", err)
	}
	if !header.Has("Subject") || !header.Has("From") {
		t.Errorf("expected header to carry Subject and From fields")
	}
	if string(body) != "body text\r\n" {
		t.Errorf("body = %q, want %q", body, "body text\r\n")
	}
}

func TestNextProxy_RoundRobin(t *testing.T) {
	tr := New(mdclog.Logger{}, []string{"socks5://a", "socks5://b", "socks5://c"})
	seen := []string{tr.NextProxy(), tr.NextProxy(), tr.NextProxy(), tr.NextProxy()}
	want := []string{"socks5://a", "socks5://b", "socks5://c", "socks5://a"}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("NextProxy() call %d = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestNextProxy_Empty(t *testing.T) {
	tr := New(mdclog.Logger{}, nil)
	if p := tr.NextProxy(); p != "" {
		t.Errorf("NextProxy() with no proxies = %q, want empty", p)
	}
}
