package mimecompose

import (
	"strings"
	"testing"
)

func TestCompose_PlainText_NoBcc(t *testing.T) {
	msg := Message{
		Subject:   "Hi",
		From:      Address{Name: "Alice", Email: "alice@example.com"},
		To:        []Address{{Email: "bob@example.com"}},
		Bcc:       []Address{{Email: "secret@example.com"}},
		MessageID: "abc123@example.com",
		TextBody:  "hello there",
	}
	out, err := Compose(msg)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	s := string(out)
	if strings.Contains(strings.ToLower(s), "bcc") {
		t.Fatalf("I3 violated: Bcc leaked onto the wire:\n%s", s)
	}
	if !strings.Contains(s, "Subject: Hi") {
		t.Fatalf("missing subject:\n%s", s)
	}
	if !strings.Contains(s, "Content-Type: text/plain") {
		t.Fatalf("expected a plain single part:\n%s", s)
	}
}

func TestCompose_TextAndHTML_Alternative(t *testing.T) {
	msg := Message{
		Subject:   "Hi",
		From:      Address{Email: "a@example.com"},
		To:        []Address{{Email: "b@example.com"}},
		MessageID: "m1@example.com",
		TextBody:  "plain",
		HTMLBody:  "<p>html</p>",
	}
	out, err := Compose(msg)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "multipart/alternative") {
		t.Fatalf("expected multipart/alternative:\n%s", s)
	}
}

func TestCompose_WithAttachment_Mixed(t *testing.T) {
	msg := Message{
		Subject:     "Files",
		From:        Address{Email: "a@example.com"},
		To:          []Address{{Email: "b@example.com"}},
		MessageID:   "m2@example.com",
		TextBody:    "see attached",
		Attachments: []Attachment{{Name: "report.pdf", ContentType: "application/pdf", Content: []byte("PDF-DATA")}},
	}
	out, err := Compose(msg)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	s := string(out)
	if !strings.Contains(s, "multipart/mixed") {
		t.Fatalf("expected multipart/mixed:\n%s", s)
	}
	if !strings.Contains(s, `filename="report.pdf"`) {
		t.Fatalf("expected attachment filename in output:\n%s", s)
	}
}

func TestCreateReply_AddsPrefixOnce(t *testing.T) {
	orig := Message{Subject: "Re: hello", MessageID: "orig@example.com", From: Address{Email: "x@example.com"}}
	reply := CreateReply(orig, Address{Email: "me@example.com"}, false, "me@example.com")
	if reply.Subject != "Re: hello" {
		t.Fatalf("expected idempotent Re: prefix, got %q", reply.Subject)
	}
	if reply.InReplyTo != "orig@example.com" {
		t.Fatalf("unexpected InReplyTo: %q", reply.InReplyTo)
	}
}

func TestCreateForward_AddsPrefix(t *testing.T) {
	orig := Message{Subject: "hello", MessageID: "orig@example.com"}
	fwd := CreateForward(orig, Address{Email: "me@example.com"}, []Address{{Email: "dst@example.com"}})
	if fwd.Subject != "Fwd: hello" {
		t.Fatalf("expected Fwd: prefix, got %q", fwd.Subject)
	}
}
