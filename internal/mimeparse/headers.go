package mimeparse

import (
	"strings"

	"github.com/emersion/go-message/textproto"
)

// buildHeaderViews walks h in original top-to-bottom order (as relays
// prepend, per spec.md §4.1) and produces HeadersList, the aggregated
// Headers map, and the Received-bounded HeaderBlocks used by the
// trusted-relay-aware spam rules (§4.6).
//
// Per spec.md §9 "Header-block algorithm": repeated header order must be
// preserved and Received headers must not be deduplicated; non-Received
// headers inside a Received-bounded block are aggregated as lists within
// that block.
func buildHeaderViews(h textproto.Header) ([]HeaderField, map[string]HeaderValue, []map[string][]string) {
	var list []HeaderField
	agg := make(map[string][]string)

	fields := h.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		val := fields.Value()
		list = append(list, HeaderField{Key: key, Value: val})
		agg[key] = append(agg[key], val)
	}

	headers := make(map[string]HeaderValue, len(agg))
	for k, vs := range agg {
		if len(vs) == 1 {
			headers[k] = HeaderValue{Single: vs[0]}
		} else {
			headers[k] = HeaderValue{Multi: vs}
		}
	}

	blocks := buildHeaderBlocks(list)
	return list, headers, blocks
}

// buildHeaderBlocks segments HeadersList into Received-bounded blocks, most
// recent first: each "received" header closes a block (everything collected
// since the previous close, plus that received, forms a block); the
// trailing collection after the last received is the final ("original
// message") block.
func buildHeaderBlocks(list []HeaderField) []map[string][]string {
	var blocks []map[string][]string
	cur := map[string][]string{}

	flush := func() {
		if len(cur) > 0 {
			blocks = append(blocks, cur)
		}
		cur = map[string][]string{}
	}

	for _, f := range list {
		cur[f.Key] = append(cur[f.Key], f.Value)
		if f.Key == "received" {
			flush()
		}
	}
	// Trailing collection (post-last-Received) is the final block.
	if len(cur) > 0 {
		blocks = append(blocks, cur)
	}
	return blocks
}
