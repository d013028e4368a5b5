package mimeparse

import (
	"io"
	"mime"
	"net/mail"
	"strings"
)

var wordDecoder = &mime.WordDecoder{}

// decodeWords joins adjacent RFC 2047 encoded-words and falls back to UTF-8
// on unknown charsets (spec.md §4.1 "Encoded-words").
func decodeWords(s string) string {
	wordDecoder.CharsetReader = charsetReaderUTF8Fallback
	out, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		// Best-effort: strip encoded-word markers is worse than returning
		// the raw string, so just return what we were given.
		return stripNUL(s)
	}
	return stripNUL(out)
}

func stripNUL(s string) string {
	if !strings.ContainsRune(s, 0) {
		return s
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// parseOneAddress parses a single address, with a raw-email fallback per
// spec.md §4.1: "A bare unparseable address string becomes
// {name:"", email:<original>}".
func parseOneAddress(raw string) Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}
	}
	decoded := decodeWords(raw)
	if a, err := mail.ParseAddress(decoded); err == nil {
		return Address{Name: a.Name, Email: strings.ToLower(a.Address)}
	}
	// Retry on the original (un-decoded) string: some MTAs send already
	// UTF-8 display names without encoded-words, and decodeWords can
	// mangle bare "<" / ">" in odd ways.
	if a, err := mail.ParseAddress(raw); err == nil {
		return Address{Name: a.Name, Email: strings.ToLower(a.Address)}
	}
	return Address{Name: "", Email: raw}
}

// parseAddressList splits a header value into individual addresses,
// tolerating quoted display names that contain commas, colons or
// semicolons (spec.md §4.1).
func parseAddressList(raw string) []Address {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	decoded := decodeWords(raw)
	if list, err := mail.ParseAddressList(decoded); err == nil {
		out := make([]Address, 0, len(list))
		for _, a := range list {
			out = append(out, Address{Name: a.Name, Email: strings.ToLower(a.Address)})
		}
		return out
	}
	// Fall back to a quote-aware manual split, then parse each part
	// independently so one bad entry doesn't sink the whole list.
	parts := splitRespectingQuotes(raw)
	out := make([]Address, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, parseOneAddress(p))
	}
	return out
}

// splitRespectingQuotes splits s on top-level commas, ignoring commas
// inside double quotes or a parenthesized comment.
func splitRespectingQuotes(s string) []string {
	var parts []string
	var buf strings.Builder
	inQuotes := false
	depth := 0
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			buf.WriteRune(r)
		case '(':
			if !inQuotes {
				depth++
			}
			buf.WriteRune(r)
		case ')':
			if !inQuotes && depth > 0 {
				depth--
			}
			buf.WriteRune(r)
		case ',':
			if inQuotes || depth > 0 {
				buf.WriteRune(r)
			} else {
				parts = append(parts, buf.String())
				buf.Reset()
			}
		default:
			buf.WriteRune(r)
		}
	}
	if buf.Len() > 0 {
		parts = append(parts, buf.String())
	}
	return parts
}

func charsetReaderUTF8Fallback(charset string, input io.Reader) (io.Reader, error) {
	// mime.WordDecoder only calls this for charsets other than us-ascii and
	// utf-8; returning the input unmodified degrades gracefully to treating
	// the bytes as UTF-8, per spec.md "fall back to UTF-8 on unknown
	// charsets".
	return input, nil
}
