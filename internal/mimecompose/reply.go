package mimecompose

import "strings"

// CreateReply builds the reply skeleton to orig per spec.md §4.2: Re:
// prefix is added exactly once (idempotent against existing Re:/RE:/re:
// prefixes), recipients become the original sender (or, for reply-all, the
// original sender plus the original recipients minus the replying
// mailbox's own address), In-Reply-To is set to orig's Message-ID and
// References is orig's References with orig's Message-ID appended.
func CreateReply(orig Message, from Address, replyAll bool, selfEmail string) Message {
	reply := Message{
		Subject:    addPrefix(orig.Subject, "Re:"),
		From:       from,
		To:         []Address{orig.From},
		InReplyTo:  orig.MessageID,
		References: appendReference(orig.References, orig.MessageID),
	}
	if replyAll {
		reply.Cc = mergeRecipients(orig.To, orig.Cc, selfEmail, orig.From.Email)
	}
	return reply
}

// CreateForward builds the forward skeleton to the given recipients per
// spec.md §4.2: Fwd: prefix is added exactly once, original attachments are
// carried over, and the forwarded body is not itself a reply (no
// In-Reply-To/References).
func CreateForward(orig Message, from Address, to []Address) Message {
	return Message{
		Subject:      addPrefix(orig.Subject, "Fwd:"),
		From:         from,
		To:           to,
		TextBody:     orig.TextBody,
		HTMLBody:     orig.HTMLBody,
		InlineImages: orig.InlineImages,
		Attachments:  orig.Attachments,
	}
}

func addPrefix(subject, prefix string) string {
	trimmed := strings.TrimSpace(subject)
	lower := strings.ToLower(trimmed)
	plower := strings.ToLower(prefix)
	if strings.HasPrefix(lower, plower) {
		return trimmed
	}
	return prefix + " " + trimmed
}

func appendReference(references, messageID string) string {
	if messageID == "" {
		return references
	}
	ref := "<" + messageID + ">"
	if references == "" {
		return ref
	}
	return references + " " + ref
}

func mergeRecipients(to, cc []Address, selfEmail, skipEmail string) []Address {
	seen := map[string]bool{
		strings.ToLower(selfEmail): true,
		strings.ToLower(skipEmail): true,
	}
	var out []Address
	for _, list := range [][]Address{to, cc} {
		for _, a := range list {
			key := strings.ToLower(a.Email)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, a)
		}
	}
	return out
}
