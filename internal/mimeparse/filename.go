package mimeparse

import (
	"mime"
	"strings"
)

const maxFilenameBytes = 255

// sanitizeFilename implements spec.md §4.1's attachment filename rules:
// strip any path prefix (both separators), strip leading dots, collapse
// names that start/end in dot to "unnamed", limit to 255 bytes, and fall
// back to the content-type's canonical extension (or "unnamed") when the
// name is entirely absent.
func sanitizeFilename(name, contentType string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return defaultNameFor(contentType)
	}

	name = strings.ReplaceAll(name, "\\", "/")
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimLeft(name, ".")
	if name == "" {
		return "unnamed"
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return "unnamed"
	}

	if len(name) > maxFilenameBytes {
		name = truncateToBytes(name, maxFilenameBytes)
	}
	return name
}

func truncateToBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	b := []byte(s)[:n]
	// Avoid cutting a multi-byte rune in half.
	for len(b) > 0 && !isValidUTF8Tail(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}

func isValidUTF8Tail(b []byte) bool {
	// A byte slice is safe to treat as complete UTF-8 if its last byte is
	// not a continuation byte, or there are no continuation bytes pending.
	for i := len(b) - 1; i >= 0 && i >= len(b)-4; i-- {
		c := b[i]
		if c&0xC0 != 0x80 { // not a continuation byte: start of a rune
			// Determine expected length from the lead byte.
			want := 1
			switch {
			case c&0xE0 == 0xC0:
				want = 2
			case c&0xF0 == 0xE0:
				want = 3
			case c&0xF8 == 0xF0:
				want = 4
			}
			return len(b)-i == want
		}
	}
	return true
}

func defaultNameFor(contentType string) string {
	if contentType == "" {
		return "unnamed"
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return "unnamed"
	}
	return "unnamed" + exts[0]
}
