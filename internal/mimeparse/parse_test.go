package mimeparse

import (
	"strings"
	"testing"
)

func TestParse_SimpleTextPlain_CopiesIntoBothBodies(t *testing.T) {
	raw := []byte("From: Alice <alice@example.com>\r\n" +
		"To: Bob <bob@example.com>\r\n" +
		"Subject: Hi\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Hello\r\n")

	pe, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(pe.TextBody) != 1 || len(pe.HTMLBody) != 1 {
		t.Fatalf("expected one textBody and one htmlBody element (B1), got %d/%d", len(pe.TextBody), len(pe.HTMLBody))
	}
	if pe.TextBody[0].Content != "Hello\r\n" && strings.TrimSpace(pe.TextBody[0].Content) != "Hello" {
		t.Fatalf("unexpected text body: %q", pe.TextBody[0].Content)
	}
	if pe.HTMLBody[0].Content != pe.TextBody[0].Content {
		t.Fatalf("B1 copy rule violated: htmlBody != textBody")
	}
	if pe.From.Email != "alice@example.com" {
		t.Fatalf("unexpected From: %+v", pe.From)
	}
}

func TestParse_MultipartRelated_ImageNotInAttachments(t *testing.T) {
	raw := []byte("From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: Pic\r\n" +
		"Content-Type: multipart/related; boundary=BOUND\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<html><img src=\"cid:img1\"></html>\r\n" +
		"--BOUND\r\n" +
		"Content-Type: image/png\r\n" +
		"Content-Id: <img1>\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"aGVsbG8=\r\n" +
		"--BOUND--\r\n")

	pe, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(pe.HTMLBody) == 0 {
		t.Fatalf("expected htmlBody root part")
	}
	for _, a := range pe.Attachments {
		if strings.HasPrefix(a.Type, "image/") {
			t.Fatalf("B2 violated: image ended up in attachments: %+v", a)
		}
	}
}

func TestParse_MultipartMixed_InlineVsAttachment(t *testing.T) {
	raw := []byte("From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: Mixed\r\n" +
		"Content-Type: multipart/mixed; boundary=BOUND\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"body text\r\n" +
		"--BOUND\r\n" +
		"Content-Type: image/png\r\n" +
		"Content-Disposition: inline\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"aGVsbG8=\r\n" +
		"--BOUND\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"aGVsbG8=\r\n" +
		"--BOUND--\r\n")

	pe, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(pe.Attachments) != 1 || pe.Attachments[0].Name != "report.pdf" {
		t.Fatalf("B3 violated: expected exactly one real attachment, got %+v", pe.Attachments)
	}
	// The text/plain main part and the inline image both belong in each body
	// array: the singleton main part is copied per the JMAP copy rule, and
	// the inline image is appended to both.
	if len(pe.TextBody) != 2 {
		t.Fatalf("B3 violated: expected 2 textBody parts, got %+v", pe.TextBody)
	}
	if len(pe.HTMLBody) != 2 {
		t.Fatalf("B3 violated: expected 2 htmlBody parts, got %+v", pe.HTMLBody)
	}
	for _, arr := range [][]BodyPart{pe.TextBody, pe.HTMLBody} {
		foundInlineImage := false
		for _, b := range arr {
			if strings.HasPrefix(b.Type, "image/") {
				foundInlineImage = true
			}
		}
		if !foundInlineImage {
			t.Fatalf("B3 violated: inline image should appear in both body arrays")
		}
	}
}

func TestHeaderBlocks_SegmentByReceived(t *testing.T) {
	raw := []byte("Received: from our-mta\r\n" +
		"X-Spam: SenderSpam\r\n" +
		"Received: from relay1\r\n" +
		"X-Spam: Spam\r\n" +
		"Received: from relay2\r\n" +
		"X-Spam: Ham\r\n" +
		"From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: s\r\n" +
		"Content-Type: text/plain\r\n\r\nbody\r\n")

	pe, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(pe.HeaderBlocks) < 3 {
		t.Fatalf("expected at least 3 header blocks, got %d: %+v", len(pe.HeaderBlocks), pe.HeaderBlocks)
	}
	// Most recent relay (our-mta) is block 0.
	if got := pe.HeaderBlocks[0]["x-spam"]; len(got) != 1 || got[0] != "SenderSpam" {
		t.Fatalf("unexpected block 0: %+v", pe.HeaderBlocks[0])
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"../../etc/passwd":  "passwd",
		"C:\\temp\\a.txt":    "a.txt",
		"...":                "unnamed",
		".hidden":            "unnamed",
		"":                   "unnamed",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in, "text/plain"); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
