// Package outbound implements C8: materializing a draft into signed,
// composed wire bytes and dispatching it to its recipients, internal
// messages short-circuited straight into C5 and external ones handed to C9.
// Grounded on spec.md §4.8, the teacher's swaks-style compose+sign+deliver
// pipeline (internal/target/smtp's Delivery lifecycle), and the advisory
// locking pattern from internal/cache.
package outbound

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxcpp/maddy/framework/dns"
	"github.com/foxcpp/maddy/internal/cache"
	"github.com/foxcpp/maddy/internal/config"
	"github.com/foxcpp/maddy/internal/dkim"
	"github.com/foxcpp/maddy/internal/inbound"
	"github.com/foxcpp/maddy/internal/mdcerrors"
	"github.com/foxcpp/maddy/internal/mdclog"
	"github.com/foxcpp/maddy/internal/metrics"
	"github.com/foxcpp/maddy/internal/mimecompose"
	"github.com/foxcpp/maddy/internal/mimeparse"
	"github.com/foxcpp/maddy/internal/model"
	"github.com/foxcpp/maddy/internal/store"
	"github.com/foxcpp/maddy/internal/thread"
	"github.com/foxcpp/maddy/internal/transport"
)

const lockTTL = 60 * time.Second

// Dispatcher implements send_message/prepare_outbound_message.
type Dispatcher struct {
	store     *store.Store
	cache     *cache.Cache
	transport *transport.Transport
	inbound   *inbound.Pipeline
	threads   *thread.Assembler
	resolver  dns.Resolver
	cfg       *config.Config
	log       mdclog.Logger
}

func New(s *store.Store, c *cache.Cache, tr *transport.Transport, ib *inbound.Pipeline, cfg *config.Config, log mdclog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     s,
		cache:     c,
		transport: tr,
		inbound:   ib,
		threads:   thread.New(s),
		resolver:  dns.DefaultResolver(),
		cfg:       cfg,
		log:       log.With(map[string]interface{}{"component": "outbound"}),
	}
}

// SendMessage is the send_message entry point: acquires the per-message
// advisory lock, and does nothing (without error) if another worker already
// holds it, per spec.md §4.8.
func (d *Dispatcher) SendMessage(ctx context.Context, messageID uuid.UUID, user *model.User, forceMTAOut bool) error {
	release, ok, err := d.cache.TryLock(ctx, messageID.String(), lockTTL)
	if err != nil {
		return fmt.Errorf("outbound: acquire lock: %w", err)
	}
	if !ok {
		return nil
	}
	defer release(ctx)

	msg, err := d.store.Messages.GetByID(messageID)
	if err != nil {
		return fmt.Errorf("outbound: load message: %w", err)
	}

	mailbox, err := d.resolveMailboxForMessage(msg)
	if err != nil {
		return fmt.Errorf("outbound: resolve mailbox: %w", err)
	}
	domain, err := d.store.Mailboxes.GetDomain(mailbox.DomainID)
	if err != nil {
		return fmt.Errorf("outbound: load domain: %w", err)
	}

	// The is_draft -> sent_at transition is the authoritative guard against
	// double-processing (spec.md §5): once cleared, this call is a retry
	// pass over recipients still pending, re-using the already-signed blob
	// rather than re-preparing (which would mint a second signed Blob and
	// re-attempt recipients that already succeeded).
	var raw []byte
	if msg.IsDraft {
		raw, err = d.prepareOutboundMessage(mailbox, domain, msg, user)
		if err != nil {
			return err
		}
	} else {
		if msg.BlobID == nil {
			return fmt.Errorf("outbound: message is not a draft but has no blob")
		}
		blob, err := d.store.Blobs.GetByID(*msg.BlobID)
		if err != nil {
			return fmt.Errorf("outbound: load signed blob: %w", err)
		}
		raw = blob.RawContent
	}

	return d.deliver(ctx, mailbox, domain, msg, raw, forceMTAOut)
}

// prepareOutboundMessage implements spec.md §4.8's prepare_outbound_message:
// signature resolution/materialization, JMAP→bytes composition, DKIM
// signing, persistence as a new Blob, and the outbound size check.
func (d *Dispatcher) prepareOutboundMessage(mailbox *model.Mailbox, domain *model.MailDomain, msg *model.Message, user *model.User) ([]byte, error) {
	sender, err := d.store.Contacts.GetOrCreate(mailbox.ID, mailbox.Address(domain.Name), "")
	if err != nil {
		return nil, fmt.Errorf("outbound: resolve sender contact: %w", err)
	}

	recipients, err := d.store.Messages.ListRecipients(msg.ID)
	if err != nil {
		return nil, fmt.Errorf("outbound: list recipients: %w", err)
	}

	jmap := mimecompose.Message{
		Subject:   msg.Subject,
		From:      mimecompose.Address{Name: sender.Name, Email: sender.Email},
		Date:      time.Now(),
		MessageID: msg.MimeID,
	}
	for _, r := range recipients {
		contact, err := d.contactByID(r.ContactID)
		if err != nil {
			return nil, err
		}
		addr := mimecompose.Address{Name: contact.Name, Email: contact.Email}
		switch r.Type {
		case model.RecipientTo:
			jmap.To = append(jmap.To, addr)
		case model.RecipientCc:
			jmap.Cc = append(jmap.Cc, addr)
		case model.RecipientBcc:
			jmap.Bcc = append(jmap.Bcc, addr)
		}
	}

	if msg.ParentID != nil {
		parent, err := d.store.Messages.FindByID(*msg.ParentID)
		if err != nil {
			return nil, fmt.Errorf("outbound: load parent: %w", err)
		}
		if parent != nil {
			jmap.InReplyTo = parent.MimeID
			jmap.References = parent.MimeID
		}
	}

	textBody, htmlBody, err := d.draftBodies(msg)
	if err != nil {
		return nil, err
	}

	sig, err := d.resolveSignature(mailbox, domain, msg.SignatureID)
	if err != nil {
		return nil, err
	}
	if sig != nil {
		textBody, htmlBody = appendSignature(textBody, htmlBody, sig, user)
	}
	jmap.TextBody = textBody
	jmap.HTMLBody = htmlBody

	composed, err := mimecompose.Compose(jmap)
	if err != nil {
		return nil, fmt.Errorf("outbound: compose: %w", err)
	}

	key, err := d.store.DKIMKeys.GetActive(domain.ID)
	if err != nil {
		return nil, fmt.Errorf("outbound: load dkim key: %w", err)
	}
	signed := composed
	if key != nil {
		signer, err := dkim.ParsePrivateKey(key.PrivateKey)
		if err != nil {
			metrics.DKIMOutcomes.WithLabelValues("sign", "error").Inc()
			return nil, fmt.Errorf("outbound: parse dkim key: %w", err)
		}
		signed, err = dkim.Sign(composed, dkim.SignOptions{Domain: domain.Name, Selector: key.Selector, Signer: signer})
		if err != nil {
			metrics.DKIMOutcomes.WithLabelValues("sign", "error").Inc()
			return nil, fmt.Errorf("outbound: dkim sign: %w", err)
		}
		metrics.DKIMOutcomes.WithLabelValues("sign", "ok").Inc()
	}

	if d.cfg.MaxOutgoingMessageSize > 0 && int64(len(signed)) > d.cfg.MaxOutgoingMessageSize {
		return nil, mdcerrors.Validation("message exceeds maximum outgoing size", map[string]interface{}{
			"size": len(signed), "max_size": d.cfg.MaxOutgoingMessageSize,
		})
	}

	blob := &model.Blob{MailboxID: mailbox.ID, Size: int64(len(signed)), ContentType: "message/rfc822", RawContent: signed}
	if err := d.store.Blobs.Create(blob); err != nil {
		return nil, fmt.Errorf("outbound: store signed blob: %w", err)
	}

	msg.BlobID = &blob.ID
	msg.DraftBlobID = nil
	msg.IsDraft = false
	now := time.Now()
	msg.SentAt = &now
	if err := d.store.Messages.Update(msg); err != nil {
		return nil, fmt.Errorf("outbound: update message: %w", err)
	}

	return signed, nil
}

// resolveSignature implements spec.md §4.8 step 1: an explicit, authorized
// signature wins; otherwise the forced active signature for the scope, if
// any. Unauthorized or inactive references are ignored silently.
func (d *Dispatcher) resolveSignature(mailbox *model.Mailbox, domain *model.MailDomain, signatureID *uuid.UUID) (*model.MessageTemplate, error) {
	if signatureID != nil {
		tmpl, err := d.store.Templates.GetByID(*signatureID)
		if err != nil {
			return nil, fmt.Errorf("outbound: load signature: %w", err)
		}
		if tmpl != nil && tmpl.IsActive && tmpl.Type == model.TemplateSignature &&
			((tmpl.MailboxID != nil && *tmpl.MailboxID == mailbox.ID) || (tmpl.DomainID != nil && *tmpl.DomainID == domain.ID)) {
			return tmpl, nil
		}
	}

	tmpl, err := d.store.Templates.GetActive(&mailbox.ID, &domain.ID, model.TemplateSignature)
	if err != nil {
		return nil, fmt.Errorf("outbound: load active signature: %w", err)
	}
	if tmpl != nil && tmpl.IsForced {
		return tmpl, nil
	}
	return nil, nil
}

// appendSignature substitutes {name}/{job_title}/{department}/custom
// attribute placeholders into the signature bodies and appends them, or —
// when the caller supplied no body at all — makes the signature the body
// (spec.md §4.8 step 2).
func appendSignature(textBody, htmlBody string, sig *model.MessageTemplate, user *model.User) (string, string) {
	text := substituteUser(sig.TextBody, user)
	html := substituteUser(sig.HTMLBody, user)

	if textBody == "" && htmlBody == "" {
		return text, html
	}
	if text != "" {
		textBody = strings.TrimRight(textBody, "\n") + "\n\n" + text
	}
	if html != "" {
		htmlBody = htmlBody + html
	}
	return textBody, htmlBody
}

func substituteUser(body string, user *model.User) string {
	if body == "" || user == nil {
		return body
	}
	replacements := map[string]string{
		"{name}":       user.Name,
		"{job_title}":  user.JobTitle,
		"{department}": user.Department,
	}
	for k, v := range user.CustomAttributes {
		if s, ok := v.(string); ok {
			replacements["{"+k+"}"] = s
		}
	}
	for k, v := range replacements {
		body = strings.ReplaceAll(body, k, v)
	}
	return body
}

// deliver implements spec.md §4.8's delivery phase: internal recipients are
// short-circuited through C5, external ones through C9, with per-recipient
// status transitions applied afterwards.
func (d *Dispatcher) deliver(ctx context.Context, mailbox *model.Mailbox, domain *model.MailDomain, msg *model.Message, raw []byte, forceMTAOut bool) error {
	recipients, err := d.store.Messages.ListRecipients(msg.ID)
	if err != nil {
		return fmt.Errorf("outbound: list recipients: %w", err)
	}

	parsed, err := mimeparse.Parse(raw)
	if err != nil {
		return fmt.Errorf("outbound: parse composed message: %w", err)
	}

	var external []model.MessageRecipient
	externalEmails := map[uuid.UUID]string{}

	for _, r := range recipients {
		if r.DeliveryStatus != nil && terminal(*r.DeliveryStatus) {
			continue
		}
		contact, err := d.contactByID(r.ContactID)
		if err != nil {
			return err
		}
		if !forceMTAOut && d.isInternal(contact.Email) {
			_, err := d.inbound.DeliverInbound(ctx, contact.Email, parsed, raw, inbound.Options{})
			status := model.DeliveryInternal
			msgText := ""
			if err != nil {
				status = model.DeliveryFailed
				msgText = err.Error()
			}
			if upErr := d.store.Messages.UpdateRecipientDelivery(r.ID, status, strPtr(msgText)); upErr != nil {
				return fmt.Errorf("outbound: record internal delivery: %w", upErr)
			}
			metrics.OutboundAttempts.WithLabelValues("internal", string(status)).Inc()
			continue
		}
		external = append(external, r)
		externalEmails[r.ID] = contact.Email
	}

	if len(external) > 0 {
		if err := d.deliverExternal(ctx, mailbox, domain, raw, external, externalEmails); err != nil {
			return err
		}
	}

	if err := d.threads.UpdateStats(msg.ThreadID); err != nil {
		return fmt.Errorf("outbound: update thread stats: %w", err)
	}
	return nil
}

func (d *Dispatcher) deliverExternal(ctx context.Context, mailbox *model.Mailbox, domain *model.MailDomain, raw []byte, recipients []model.MessageRecipient, emails map[uuid.UUID]string) error {
	// Verify DKIM on the bytes about to leave, per spec.md §4.8 step 3 — a
	// failure here indicates the signed blob was corrupted after signing.
	results, err := dkim.Verify(ctx, raw, func(ctx context.Context, domain string) ([]string, error) {
		return d.resolver.LookupTXT(ctx, domain)
	})
	verifyFailed := err != nil
	for _, v := range results {
		if !v.Pass {
			verifyFailed = true
		}
	}
	if verifyFailed {
		metrics.DKIMOutcomes.WithLabelValues("verify", "fail").Inc()
		reason := "dkim self-verification failed"
		if err != nil {
			reason += ": " + err.Error()
		}
		d.log.Msg("dkim self-verification failed before external delivery", map[string]interface{}{"domain": domain.Name})
		for _, r := range recipients {
			retryAt := time.Now().Add(backoff(r.RetryCount))
			if upErr := d.store.Messages.ScheduleRetry(r.ID, retryAt, strPtr(reason)); upErr != nil {
				return fmt.Errorf("outbound: schedule retry: %w", upErr)
			}
		}
		return nil
	}
	metrics.DKIMOutcomes.WithLabelValues("verify", "ok").Inc()

	byEmail := map[string]uuid.UUID{}
	addrs := make([]string, 0, len(recipients))
	for _, r := range recipients {
		email := emails[r.ID]
		byEmail[email] = r.ID
		addrs = append(addrs, email)
	}

	envelopeFrom := mailbox.Address(domain.Name)

	var sendResults map[string]transport.Result
	var sendErr error
	transportLabel := "direct"
	if d.cfg.MTAOutMode == config.OutModeRelay {
		transportLabel = "relay"
		var auth *transport.Auth
		if d.cfg.MTAOutRelayUsername != "" {
			auth = &transport.Auth{Username: d.cfg.MTAOutRelayUsername, Password: d.cfg.MTAOutRelayPassword}
		}
		sendResults, sendErr = d.transport.SendRelay(ctx, d.cfg.MTAOutRelayHost, 25, envelopeFrom, addrs, raw, transport.Options{Auth: auth})
	} else {
		sendResults, sendErr = d.transport.SendDirect(ctx, envelopeFrom, addrs, raw, transport.Options{Proxy: d.transport.NextProxy()})
	}
	if sendErr != nil {
		d.log.Error("transport send failed", sendErr, map[string]interface{}{"domain": domain.Name})
		return fmt.Errorf("outbound: transport: %w", sendErr)
	}

	for email, res := range sendResults {
		id, ok := byEmail[email]
		if !ok {
			continue
		}
		switch {
		case res.Delivered:
			if err := d.store.Messages.UpdateRecipientDelivery(id, model.DeliverySent, nil); err != nil {
				return fmt.Errorf("outbound: record delivery: %w", err)
			}
			metrics.OutboundAttempts.WithLabelValues(transportLabel, string(model.DeliverySent)).Inc()
		case res.Retry:
			var retryCount int
			for _, r := range recipients {
				if r.ID == id {
					retryCount = r.RetryCount
				}
			}
			retryAt := time.Now().Add(backoff(retryCount))
			if err := d.store.Messages.ScheduleRetry(id, retryAt, strPtr(res.Error)); err != nil {
				return fmt.Errorf("outbound: schedule retry: %w", err)
			}
			metrics.OutboundAttempts.WithLabelValues(transportLabel, string(model.DeliveryRetry)).Inc()
		default:
			if err := d.store.Messages.UpdateRecipientDelivery(id, model.DeliveryFailed, strPtr(res.Error)); err != nil {
				return fmt.Errorf("outbound: record failure: %w", err)
			}
			metrics.OutboundAttempts.WithLabelValues(transportLabel, string(model.DeliveryFailed)).Inc()
		}
	}
	return nil
}

// backoff implements the exponential retry schedule of spec.md §4.8, capped
// at one hour.
func backoff(retryCount int) time.Duration {
	d := time.Minute << uint(retryCount)
	if d > time.Hour || d <= 0 {
		return time.Hour
	}
	return d
}

// terminal reports whether a MessageRecipient's DeliveryStatus is a final
// state that a retry pass must not touch again.
func terminal(s model.DeliveryStatus) bool {
	return s == model.DeliverySent || s == model.DeliveryInternal || s == model.DeliveryFailed
}

// RetryPending re-attempts delivery for every Message with at least one
// recipient whose retry_at has elapsed, reusing SendMessage's existing
// already-sent guard so only those still-pending recipients are touched.
// Mirrors the inbound pipeline's RetryStale queue scan (spec.md §4.5 step
// 9), applied to the outbound retry_at column instead of InboundMessage
// age.
func (d *Dispatcher) RetryPending(ctx context.Context) error {
	ids, err := d.store.Messages.ListDueForRetry(time.Now())
	if err != nil {
		return fmt.Errorf("outbound: list due retries: %w", err)
	}
	for _, id := range ids {
		if err := d.SendMessage(ctx, id, nil, false); err != nil {
			d.log.Error("retry send failed", err, map[string]interface{}{"message_id": id.String()})
		}
	}
	return nil
}

// isInternal reports whether email's domain is served by this instance.
func (d *Dispatcher) isInternal(email string) bool {
	_, domainName, ok := strings.Cut(email, "@")
	if !ok {
		return false
	}
	_, err := d.store.Mailboxes.GetDomainByName(domainName)
	return err == nil
}

func (d *Dispatcher) resolveMailboxForMessage(msg *model.Message) (*model.Mailbox, error) {
	sender, err := d.contactByID(msg.SenderID)
	if err != nil {
		return nil, err
	}
	local, domainName, ok := strings.Cut(sender.Email, "@")
	if !ok {
		return nil, fmt.Errorf("malformed sender address %q", sender.Email)
	}
	domain, err := d.store.Mailboxes.GetDomainByName(domainName)
	if err != nil {
		return nil, err
	}
	return d.store.Mailboxes.GetByAddress(local, domain.ID)
}

func (d *Dispatcher) contactByID(id uuid.UUID) (*model.Contact, error) {
	return d.store.Contacts.GetByID(id)
}

// draftBodies decodes the draft body JSON blob into its text/html parts, if
// the message still carries one (it may have already been superseded by
// signed content on a retried send_message call).
func (d *Dispatcher) draftBodies(msg *model.Message) (string, string, error) {
	if msg.DraftBlobID == nil {
		return "", "", nil
	}
	blob, err := d.store.Blobs.FindByID(*msg.DraftBlobID)
	if err != nil || blob == nil {
		return "", "", nil
	}
	body, err := mimeparse.Parse(blob.RawContent)
	if err != nil {
		return "", "", nil
	}
	return body.TextBody, body.HTMLBody, nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
