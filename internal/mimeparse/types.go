// Package mimeparse implements C1, the lossy-tolerant RFC 5322 parser that
// turns raw MIME bytes into the JMAP-flavored canonical object described in
// spec.md §4.1. Structural walking is done with the teacher's own MIME
// library, github.com/emersion/go-message (and its textproto sub-package
// for header-order preservation); lenient date parsing falls back to
// github.com/araddon/dateparse, the approach used by zostay-go-email
// elsewhere in the retrieval pack for exactly this kind of tolerant email
// date handling.
package mimeparse

import "time"

// Address is a display-name/email pair; an unparseable raw address string
// is represented as {Name: "", Email: <original>} per spec.md §4.1.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// BodyPart is one element of textBody/htmlBody.
type BodyPart struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	PartID  string `json:"partId,omitempty"`
	CID     string `json:"cid,omitempty"`
}

// AttachmentPart is one element of attachments.
type AttachmentPart struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Size        int    `json:"size"`
	Disposition string `json:"disposition"`
	CID         string `json:"cid,omitempty"`
	Content     []byte `json:"content"`
	SHA256      string `json:"sha256"`
}

// HeaderValue is either a single string or, for repeated headers, a list of
// strings — mirroring spec.md's "map<lowercase-key, string | list<string>>".
type HeaderValue struct {
	Single string
	Multi  []string
}

// IsMulti reports whether this header occurred more than once.
func (h HeaderValue) IsMulti() bool { return h.Multi != nil }

// Values returns the header's value(s) as a slice regardless of arity.
func (h HeaderValue) Values() []string {
	if h.Multi != nil {
		return h.Multi
	}
	return []string{h.Single}
}

// HeaderField is one (lowercased key, raw value) pair preserving original
// top-to-bottom order, including duplicates.
type HeaderField struct {
	Key   string
	Value string
}

// ParsedEmail is the canonical JMAP-flavored object produced by Parse.
type ParsedEmail struct {
	Subject      string
	From         Address
	To           []Address
	Cc           []Address
	Bcc          []Address
	Date         time.Time
	MessageID    string
	InReplyTo    string
	References   string
	GmailLabels  []string
	Headers      map[string]HeaderValue
	HeadersList  []HeaderField
	HeaderBlocks []map[string][]string

	TextBody    []BodyPart
	HTMLBody    []BodyPart
	Attachments []AttachmentPart
}

// ParseError signals structurally invalid MIME (malformed/mismatched
// multipart boundaries); missing headers are never errors (spec.md §4.1).
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return "mimeparse: " + e.Reason + ": " + e.Err.Error()
	}
	return "mimeparse: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }
