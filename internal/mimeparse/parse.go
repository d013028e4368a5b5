package mimeparse

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/emersion/go-message"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

// Parse converts raw MIME bytes into the canonical JMAP-flavored object
// (spec.md §4.1). Input must be non-empty.
func Parse(raw []byte) (*ParsedEmail, error) {
	if len(raw) == 0 {
		return nil, &ParseError{Reason: "empty input"}
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, &ParseError{Reason: "failed to read MIME headers", Err: err}
	}

	list, headers, blocks := buildHeaderViews(entity.Header.Header)

	pe := &ParsedEmail{
		Headers:      headers,
		HeadersList:  list,
		HeaderBlocks: blocks,
	}

	pe.Subject = decodeWords(entity.Header.Get("Subject"))
	pe.From = firstAddress(entity.Header.Get("From"))
	pe.To = parseAddressList(entity.Header.Get("To"))
	pe.Cc = parseAddressList(entity.Header.Get("Cc"))
	pe.Bcc = parseAddressList(entity.Header.Get("Bcc"))
	pe.Date = parseDate(entity.Header.Get("Date"))
	pe.MessageID = stripAngleBrackets(entity.Header.Get("Message-Id"))
	pe.InReplyTo = stripAngleBrackets(entity.Header.Get("In-Reply-To"))
	pe.References = strings.TrimSpace(entity.Header.Get("References"))
	if gl := entity.Header.Get("X-Gmail-Labels"); gl != "" {
		pe.GmailLabels = splitGmailLabels(gl)
	}

	w := &walker{pe: pe}
	if err := w.walk(entity, "", 0); err != nil {
		return nil, err
	}

	return pe, nil
}

func firstAddress(raw string) Address {
	list := parseAddressList(raw)
	if len(list) == 0 {
		return Address{}
	}
	return list[0]
}

func stripAngleBrackets(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return s
}

func splitGmailLabels(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseDate accepts RFC 5322 dates with or without day-of-week/seconds,
// named or numeric zones, and trailing parenthesized comments; it falls
// back to dateparse.ParseAny for anything net/mail's strict parser rejects,
// and finally to now-UTC (spec.md §4.1, §3 default).
func parseDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Now().UTC()
	}
	// Strip a trailing parenthesized comment, e.g. "... +0000 (UTC)".
	if idx := strings.IndexByte(raw, '('); idx >= 0 {
		raw = strings.TrimSpace(raw[:idx])
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	if t, err := dateparse.ParseAny(raw); err == nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04 -0700",
	"Mon, 2 Jan 2006 15:04 -0700",
}

type walker struct {
	pe         *ParsedEmail
	partCount  int
}

// walk recurses the entity tree. parentKind is "" (top-level singleton or
// the transparent main part of multipart/mixed), "alternative", "related"
// or "mixed"; index is the part's position within its immediate multipart
// parent (0-based).
func (w *walker) walk(entity *message.Entity, parentKind string, index int) error {
	ct, ctParams, ctErr := entity.Header.ContentType()
	ct = strings.ToLower(ct)
	if ctErr != nil || ct == "" {
		ct = "text/plain"
	}

	if strings.HasPrefix(ct, "multipart/") {
		subKind := strings.TrimPrefix(ct, "multipart/")
		mr := entity.MultipartReader()
		if mr == nil {
			return &ParseError{Reason: "multipart content-type without boundary"}
		}
		defer mr.Close()
		i := 0
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return &ParseError{Reason: "malformed multipart body", Err: err}
			}
			if err := w.walk(part, subKind, i); err != nil {
				return err
			}
			i++
		}
		return nil
	}

	disp, dispParams, _ := entity.Header.ContentDisposition()
	disp = strings.ToLower(disp)
	cid := stripAngleBrackets(entity.Header.Get("Content-Id"))
	isText := strings.HasPrefix(ct, "text/plain")
	isHTML := strings.HasPrefix(ct, "text/html")
	partID := w.nextPartID()

	if disp == "attachment" {
		return w.addAttachment(entity, ct, ctParams, dispParams, disp, cid)
	}

	if parentKind == "related" && index > 0 {
		if disp == "inline" {
			w.appendImage(ct, entity, cid, partID)
			return nil
		}
		return w.addAttachment(entity, ct, ctParams, dispParams, disp, cid)
	}

	// The JMAP copy rule applies to the singleton main part of a bare
	// message and to the main (non-attachment) part of multipart/mixed, not
	// to multipart/alternative's branches (those already provide both
	// formats) or to non-root multipart/related parts (handled above).
	copyRule := parentKind == "" || parentKind == "mixed"

	switch {
	case isText:
		body, err := readText(entity, ctParams)
		if err != nil {
			return err
		}
		w.pe.TextBody = append(w.pe.TextBody, BodyPart{Type: "text/plain", Content: body, PartID: partID})
		if copyRule {
			w.pe.HTMLBody = append(w.pe.HTMLBody, BodyPart{Type: "text/plain", Content: body, PartID: partID})
		}
	case isHTML:
		body, err := readText(entity, ctParams)
		if err != nil {
			return err
		}
		w.pe.HTMLBody = append(w.pe.HTMLBody, BodyPart{Type: "text/html", Content: body, PartID: partID})
		if copyRule {
			w.pe.TextBody = append(w.pe.TextBody, BodyPart{Type: "text/html", Content: body, PartID: partID})
		}
	case disp == "inline":
		w.appendImage(ct, entity, cid, partID)
	default:
		return w.addAttachment(entity, ct, ctParams, dispParams, disp, cid)
	}
	return nil
}

func (w *walker) nextPartID() string {
	w.partCount++
	return "part-" + itoa(w.partCount)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

func (w *walker) appendImage(ct string, entity *message.Entity, cid, partID string) {
	body, _ := readText(entity, nil)
	part := BodyPart{Type: ct, Content: body, PartID: partID, CID: cid}
	w.pe.TextBody = append(w.pe.TextBody, part)
	w.pe.HTMLBody = append(w.pe.HTMLBody, part)
}

func (w *walker) addAttachment(entity *message.Entity, ct string, ctParams, dispParams map[string]string, disp, cid string) error {
	raw, err := io.ReadAll(entity.Body)
	if err != nil {
		return &ParseError{Reason: "failed to read attachment body", Err: err}
	}
	name := dispParams["filename"]
	if name == "" {
		name = ctParams["name"]
	}
	name = decodeWords(name)
	name = sanitizeFilename(name, ct)

	sum := sha256.Sum256(raw)
	w.pe.Attachments = append(w.pe.Attachments, AttachmentPart{
		Type:        ct,
		Name:        name,
		Size:        len(raw),
		Disposition: dispOrDefault(disp),
		CID:         cid,
		Content:     raw,
		SHA256:      hex.EncodeToString(sum[:]),
	})
	return nil
}

func dispOrDefault(disp string) string {
	if disp == "" {
		return "attachment"
	}
	return disp
}

// readText reads a text part's decoded (transfer-encoding already stripped
// by go-message) body and transcodes it to UTF-8 per its charset parameter.
func readText(entity *message.Entity, ctParams map[string]string) (string, error) {
	raw, err := io.ReadAll(entity.Body)
	if err != nil {
		return "", &ParseError{Reason: "failed to read body part", Err: err}
	}
	raw = bytes.ReplaceAll(raw, []byte{0}, nil)

	charset := ""
	if ctParams != nil {
		charset = strings.ToLower(ctParams["charset"])
	}
	if charset == "" || charset == "utf-8" || charset == "us-ascii" || charset == "ascii" {
		return string(raw), nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return string(raw), nil
	}
	decoded, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return string(raw), nil
	}
	return string(decoded), nil
}
