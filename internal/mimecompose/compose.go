package mimecompose

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"sort"
	"strings"
	"time"
)

// Compose serializes msg to RFC 5322 / RFC 2045/46 bytes per the
// structure-selection table of spec.md §4.2. The Bcc header MUST NOT
// appear on the wire (I3) even though msg.Bcc is used by the caller to
// build the SMTP envelope recipient list separately.
func Compose(msg Message) ([]byte, error) {
	hasText := msg.TextBody != ""
	hasHTML := msg.HTMLBody != ""
	hasInline := len(msg.InlineImages) > 0
	hasAttach := len(msg.Attachments) > 0

	var buf bytes.Buffer

	mainWriter := func(w *bytes.Buffer) (string, error) {
		return writeMainPart(w, msg, hasText, hasHTML, hasInline)
	}

	if hasAttach {
		mw := multipart.NewWriter(&buf)
		boundary := mw.Boundary()
		var mainBuf bytes.Buffer
		ct, err := mainWriter(&mainBuf)
		if err != nil {
			return nil, err
		}
		partHeader := make(map[string][]string)
		partHeader["Content-Type"] = []string{ct}
		mainHeader, mainBody := splitHeaderBody(mainBuf.Bytes())
		for _, line := range mainHeader {
			k, v := splitHeaderLine(line)
			if !strings.EqualFold(k, "Content-Type") {
				partHeader[k] = append(partHeader[k], v)
			}
		}
		pw, err := mw.CreatePart(partHeader)
		if err != nil {
			return nil, err
		}
		if _, err := pw.Write(mainBody); err != nil {
			return nil, err
		}
		for _, a := range msg.Attachments {
			if err := writeAttachmentPart(mw, a); err != nil {
				return nil, err
			}
		}
		mw.Close()

		headers := buildHeaders(msg, "multipart/mixed; boundary=\""+boundary+"\"")
		return finalize(headers, buf.Bytes()), nil
	}

	var bodyBuf bytes.Buffer
	ct, err := mainWriter(&bodyBuf)
	if err != nil {
		return nil, err
	}
	headerLines, body := splitHeaderBody(bodyBuf.Bytes())
	headers := buildHeaders(msg, ct)
	for _, line := range headerLines {
		k, v := splitHeaderLine(line)
		if strings.EqualFold(k, "Content-Type") || strings.EqualFold(k, "Content-Transfer-Encoding") {
			continue
		}
		headers = append(headers, headerField{k, v})
	}
	return finalize(headers, body), nil
}

// writeMainPart writes the text/html/related structure (everything except
// regular attachments) into w and returns its top Content-Type value. The
// caller splits w's own header/body since the part may itself be multipart.
func writeMainPart(w *bytes.Buffer, msg Message, hasText, hasHTML, hasInline bool) (string, error) {
	switch {
	case hasText && !hasHTML:
		return writeSinglePart(w, "text/plain; charset=utf-8", msg.TextBody)
	case hasHTML && !hasText && !hasInline:
		return writeSinglePart(w, "text/html; charset=utf-8", msg.HTMLBody)
	case hasHTML && !hasText && hasInline:
		return writeRelated(w, "", msg.HTMLBody, msg.InlineImages)
	case hasText && hasHTML && !hasInline:
		return writeAlternative(w, msg.TextBody, msg.HTMLBody)
	case hasText && hasHTML && hasInline:
		var altBuf bytes.Buffer
		ct, err := writeAlternative(&altBuf, msg.TextBody, msg.HTMLBody)
		if err != nil {
			return "", err
		}
		return writeRelated(w, ct, "", msg.InlineImages, &altBuf)
	default:
		return writeSinglePart(w, "text/plain; charset=utf-8", "")
	}
}

func writeSinglePart(w *bytes.Buffer, contentType, text string) (string, error) {
	fmt.Fprintf(w, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(w, "Content-Transfer-Encoding: quoted-printable\r\n\r\n")
	qw := quotedprintable.NewWriter(w)
	if _, err := qw.Write([]byte(text)); err != nil {
		return "", err
	}
	qw.Close()
	return contentType, nil
}

func writeAlternative(w *bytes.Buffer, text, html string) (string, error) {
	mw := multipart.NewWriter(w)
	boundary := mw.Boundary()
	for _, p := range []struct {
		ct   string
		body string
	}{{"text/plain; charset=utf-8", text}, {"text/html; charset=utf-8", html}} {
		pw, err := mw.CreatePart(map[string][]string{
			"Content-Type":              {p.ct},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return "", err
		}
		qw := quotedprintable.NewWriter(pw)
		if _, err := qw.Write([]byte(p.body)); err != nil {
			return "", err
		}
		qw.Close()
	}
	mw.Close()
	return "multipart/alternative; boundary=\"" + boundary + "\"", nil
}

// writeRelated writes a multipart/related root (html text or a pre-built
// alternative part, whichever is given) followed by inline images.
func writeRelated(w *bytes.Buffer, altContentType, html string, images []InlineImage, altBuf ...*bytes.Buffer) (string, error) {
	mw := multipart.NewWriter(w)
	boundary := mw.Boundary()

	if len(altBuf) == 1 {
		headerLines, body := splitHeaderBody(altBuf[0].Bytes())
		hdr := map[string][]string{"Content-Type": {altContentType}}
		for _, line := range headerLines {
			k, v := splitHeaderLine(line)
			if !strings.EqualFold(k, "Content-Type") {
				hdr[k] = append(hdr[k], v)
			}
		}
		pw, err := mw.CreatePart(hdr)
		if err != nil {
			return "", err
		}
		if _, err := pw.Write(body); err != nil {
			return "", err
		}
	} else {
		pw, err := mw.CreatePart(map[string][]string{
			"Content-Type":              {"text/html; charset=utf-8"},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return "", err
		}
		qw := quotedprintable.NewWriter(pw)
		if _, err := qw.Write([]byte(html)); err != nil {
			return "", err
		}
		qw.Close()
	}

	for _, img := range images {
		pw, err := mw.CreatePart(map[string][]string{
			"Content-Type":              {img.ContentType},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {"inline"},
			"Content-Id":                {"<" + img.CID + ">"},
		})
		if err != nil {
			return "", err
		}
		if err := writeBase64(pw, img.Content); err != nil {
			return "", err
		}
	}
	mw.Close()
	return "multipart/related; boundary=\"" + boundary + "\"", nil
}

func writeAttachmentPart(mw *multipart.Writer, a Attachment) error {
	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	pw, err := mw.CreatePart(map[string][]string{
		"Content-Type":              {ct},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", a.Name)},
	})
	if err != nil {
		return err
	}
	return writeBase64(pw, a.Content)
}

func writeBase64(w interface{ Write([]byte) (int, error) }, content []byte) error {
	encoded := base64.StdEncoding.EncodeToString(content)
	for i := 0; i < len(encoded); i += 76 {
		end := i + 76
		if end > len(encoded) {
			end = len(encoded)
		}
		if _, err := w.Write([]byte(encoded[i:end])); err != nil {
			return err
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
	}
	return nil
}

type headerField struct {
	Key   string
	Value string
}

// buildHeaders assembles the ordered, reserved-name-aware header set
// (spec.md §4.2): Subject, From, To, Cc, Date, Message-ID, In-Reply-To /
// References, then any non-reserved caller headers. Bcc is deliberately
// never added here (I3); callers that need the envelope recipient list use
// msg.Bcc directly.
func buildHeaders(msg Message, contentType string) []headerField {
	var h []headerField
	add := func(k, v string) {
		if v != "" {
			h = append(h, headerField{k, v})
		}
	}

	add("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	add("From", msg.From.String())
	add("To", joinAddresses(msg.To))
	add("Cc", joinAddresses(msg.Cc))

	date := msg.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	add("Date", date.Format(time.RFC1123Z))
	add("Message-Id", "<"+msg.MessageID+">")

	if msg.InReplyTo != "" {
		add("In-Reply-To", "<"+msg.InReplyTo+">")
	}
	if msg.References != "" {
		add("References", msg.References)
	}

	add("MIME-Version", "1.0")
	add("Content-Type", contentType)

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		if !reservedHeaders[strings.ToLower(k)] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(k, msg.Headers[k])
	}

	return h
}

func joinAddresses(addrs []Address) string {
	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, ", ")
}

func finalize(headers []headerField, body []byte) []byte {
	var buf bytes.Buffer
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Key, h.Value)
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}

// splitHeaderBody splits a header-block+body buffer (as produced by a
// mime/multipart.Writer part or our own writeSinglePart) into raw header
// lines and the remaining body bytes.
func splitHeaderBody(b []byte) ([]string, []byte) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(b, sep)
	if idx < 0 {
		return nil, b
	}
	head := string(b[:idx])
	body := b[idx+len(sep):]
	var lines []string
	for _, l := range strings.Split(head, "\r\n") {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines, body
}

func splitHeaderLine(line string) (string, string) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return line, ""
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:])
}

func quoteDisplayName(name string) string {
	if name == "" {
		return ""
	}
	needsEncode := false
	for _, r := range name {
		if r > 127 {
			needsEncode = true
			break
		}
	}
	if needsEncode {
		return mime.QEncoding.Encode("utf-8", name)
	}
	if strings.ContainsAny(name, ",;:\"<>()") {
		return `"` + strings.ReplaceAll(name, `"`, `\"`) + `"`
	}
	return name
}

