// Package mimecompose implements C2: it serializes a JMAP-flavored message
// object (mimeparse.ParsedEmail-shaped) back into RFC 5322 / RFC 2045/46
// wire bytes, table-driven per spec.md §4.2, and provides the create_reply
// / create_forward helpers. Header serialization is built on the teacher's
// github.com/emersion/go-message/textproto package; multipart boundary
// writing uses the standard library's mime/multipart, since bit-exact
// control over which header set reaches the wire (Bcc stripped, I3) is
// simplest with direct control over the writer rather than building two
// divergent go-message Entity trees for the same logical message.
package mimecompose

import "time"

// InlineImage is an embedded image referenced by Content-ID from HTML.
type InlineImage struct {
	CID         string
	ContentType string
	Content     []byte
}

// Attachment is a regular (non-inline) file attachment.
type Attachment struct {
	Name        string
	ContentType string
	Content     []byte
}

// Address mirrors mimeparse.Address to keep this package dependency-free
// from mimeparse; both shapes are intentionally identical.
type Address struct {
	Name  string
	Email string
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return quoteDisplayName(a.Name) + " <" + a.Email + ">"
}

// Message is the input to Compose: a JMAP-flavored object plus the few
// outbound-only fields (Bcc, References, custom Headers) the composer
// needs.
type Message struct {
	Subject string
	From    Address
	To      []Address
	Cc      []Address
	Bcc     []Address

	Date      time.Time
	MessageID string // without angle brackets

	InReplyTo  string // without angle brackets; "" if not a reply
	References string // existing References value, new in_reply_to already appended by caller

	TextBody string
	HTMLBody string

	InlineImages []InlineImage
	Attachments  []Attachment

	// Headers carries arbitrary extra headers; entries matching a reserved
	// name (Subject/From/To/Cc/Bcc/Date/Message-Id/In-Reply-To/References/
	// Mime-Version/Content-Type/Content-Transfer-Encoding) are ignored, per
	// spec.md §4.2 "override only non-reserved names".
	Headers map[string]string
}

var reservedHeaders = map[string]bool{
	"subject":                   true,
	"from":                      true,
	"to":                        true,
	"cc":                        true,
	"bcc":                       true,
	"date":                      true,
	"message-id":                true,
	"in-reply-to":               true,
	"references":                true,
	"mime-version":              true,
	"content-type":              true,
	"content-transfer-encoding": true,
}
