// Package inbound implements C5: the two-phase inbound delivery pipeline.
// Phase 1 (DeliverInbound) runs synchronously on the calling goroutine (the
// SMTP/IMAP-import edge) and only does the cheap idempotency check plus
// enqueue; Phase 2 (the Pipeline's worker, built on internal/taskrunner)
// re-parses, classifies, dedups blobs, resolves contacts, creates the
// Message/Recipients, assembles the Thread and emits to the search index.
// Grounded on spec.md §4.5 and the teacher's msgpipeline package for the
// "resolve recipient, then hand off to an async step" shape.
package inbound

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxcpp/maddy/internal/config"
	"github.com/foxcpp/maddy/internal/mdclog"
	"github.com/foxcpp/maddy/internal/metrics"
	"github.com/foxcpp/maddy/internal/mimeparse"
	"github.com/foxcpp/maddy/internal/model"
	"github.com/foxcpp/maddy/internal/searchindex"
	"github.com/foxcpp/maddy/internal/spam"
	"github.com/foxcpp/maddy/internal/store"
	"github.com/foxcpp/maddy/internal/taskrunner"
	"github.com/foxcpp/maddy/internal/thread"
)

// Pipeline wires the storage, classifier, thread assembler and task runner
// together behind the deliver_inbound contract.
type Pipeline struct {
	store     *store.Store
	classify  *spam.Classifier
	threads   *thread.Assembler
	runner    *taskrunner.Runner
	index     searchindex.Emitter
	cfg       *config.Config
	log       mdclog.Logger
}

func New(s *store.Store, cfg *config.Config, runner *taskrunner.Runner, index searchindex.Emitter, log mdclog.Logger) *Pipeline {
	if index == nil {
		index = searchindex.Noop{}
	}
	return &Pipeline{
		store:    s,
		classify: spam.New(),
		threads:  thread.New(s),
		runner:   runner,
		index:    index,
		cfg:      cfg,
		log:      log.With(map[string]interface{}{"component": "inbound"}),
	}
}

// DeliverInbound is Phase 1: resolve the recipient mailbox, check I2
// idempotency against the enqueuer's own parse, and if the message is new,
// persist the raw bytes and schedule Phase 2. Returns true whenever the
// message is (or already was) accepted for this mailbox.
func (p *Pipeline) DeliverInbound(ctx context.Context, recipientEmail string, parsed *mimeparse.ParsedEmail, raw []byte, opts Options) (bool, error) {
	mailbox, err := p.resolveMailbox(recipientEmail)
	if err != nil {
		return false, fmt.Errorf("inbound: resolve recipient: %w", err)
	}

	if parsed.MessageID != "" {
		existing, err := p.store.Messages.FindByMimeID(mailbox.ID, parsed.MessageID)
		if err != nil {
			return false, fmt.Errorf("inbound: idempotency check: %w", err)
		}
		if existing != nil {
			return true, nil
		}
	}

	row := &model.InboundMessage{MailboxID: mailbox.ID, RawData: raw}
	if err := p.store.Inbound.Create(row); err != nil {
		return false, fmt.Errorf("inbound: enqueue: %w", err)
	}

	p.schedule(row.ID, opts)
	return true, nil
}

// Options carries the deliver_inbound contract's optional IMAP-import
// parameters (spec.md §4.5).
type Options struct {
	IsImport       bool
	IsImportSender bool
	ImportSelf     string // importing_mailbox_email, only meaningful when IsImport
	IMAPLabels     []string
	IMAPFlags      []string
}

func (p *Pipeline) schedule(rowID uuid.UUID, opts Options) {
	p.runner.Submit(&taskrunner.Task{
		ID: rowID.String(),
		Fn: func(ctx context.Context) error {
			return p.process(ctx, rowID, opts)
		},
	})
}

// RetryStale re-enqueues every InboundMessage row older than 5 minutes that
// still has an error_message, per spec.md §4.5 step 9. Intended to be
// called periodically by a queue-scan task.
func (p *Pipeline) RetryStale(ctx context.Context) error {
	rows, err := p.store.Inbound.ListStale(5 * time.Minute)
	if err != nil {
		return fmt.Errorf("inbound: list stale rows: %w", err)
	}
	for _, row := range rows {
		p.schedule(row.ID, Options{})
	}
	return nil
}

// process is Phase 2, run by a taskrunner worker.
func (p *Pipeline) process(ctx context.Context, rowID uuid.UUID, opts Options) error {
	row, err := p.store.Inbound.GetByID(rowID)
	if err != nil {
		return fmt.Errorf("inbound worker: load row: %w", err)
	}
	if row == nil {
		return nil // already processed and deleted by a racing worker
	}

	if err := p.processRow(ctx, row, opts); err != nil {
		metrics.InboundProcessed.WithLabelValues("failed").Inc()
		p.log.Error("inbound processing failed", err, map[string]interface{}{"inbound_id": row.ID.String()})
		if markErr := p.store.Inbound.MarkError(row.ID, err.Error()); markErr != nil {
			p.log.Error("failed to record inbound error", markErr, nil)
		}
		return err
	}

	if err := p.store.Inbound.Delete(row.ID); err != nil {
		return fmt.Errorf("inbound worker: delete row: %w", err)
	}
	metrics.InboundProcessed.WithLabelValues("delivered").Inc()
	return nil
}

func (p *Pipeline) processRow(ctx context.Context, row *model.InboundMessage, opts Options) error {
	// Step 1: re-parse, never trusting the enqueuer's own parse.
	parsed, err := mimeparse.Parse(row.RawData)
	if err != nil {
		return fmt.Errorf("re-parse: %w", err)
	}

	mailbox, err := p.store.Mailboxes.GetByID(row.MailboxID)
	if err != nil {
		return fmt.Errorf("load mailbox: %w", err)
	}
	domain, err := p.store.Mailboxes.GetDomain(mailbox.DomainID)
	if err != nil {
		return fmt.Errorf("load domain: %w", err)
	}

	// Step 2: spam classification.
	spamCfg := p.cfg.EffectiveSpamConfig(domain.CustomSettings)
	isSpam, err := p.classify.Classify(ctx, row.RawData, parsed.HeaderBlocks, spamCfg)
	if err != nil {
		p.log.Error("spam classifier error, treating as ham", err, nil)
		isSpam = false
	}
	verdict := "ham"
	if isSpam {
		verdict = "spam"
	}
	metrics.SpamVerdicts.WithLabelValues(verdict).Inc()

	// Step 3: content-addressed blob, deduped per mailbox.
	sum := sha256.Sum256(row.RawData)
	blob, err := p.store.Blobs.FindBySHA256(mailbox.ID, sum[:])
	if err != nil {
		return fmt.Errorf("find blob: %w", err)
	}
	if blob == nil {
		blob = &model.Blob{
			MailboxID:   mailbox.ID,
			SHA256:      sum[:],
			Size:        int64(len(row.RawData)),
			ContentType: "message/rfc822",
			RawContent:  row.RawData,
		}
		if err := p.store.Blobs.Create(blob); err != nil {
			return fmt.Errorf("create blob: %w", err)
		}
	}

	// Step 4: contact resolution.
	fromContact, err := p.store.Contacts.GetOrCreate(mailbox.ID, parsed.From.Email, parsed.From.Name)
	if err != nil {
		return fmt.Errorf("resolve sender contact: %w", err)
	}
	recipients := append(append([]mimeparse.Address{}, parsed.To...), parsed.Cc...)
	recipients = append(recipients, parsed.Bcc...)
	contactsByEmail := make(map[string]*model.Contact, len(recipients))
	for _, addr := range recipients {
		if addr.Email == "" {
			continue
		}
		if _, ok := contactsByEmail[addr.Email]; ok {
			continue
		}
		c, err := p.store.Contacts.GetOrCreate(mailbox.ID, addr.Email, addr.Name)
		if err != nil {
			return fmt.Errorf("resolve recipient contact %q: %w", addr.Email, err)
		}
		contactsByEmail[addr.Email] = c
	}

	// Step 5: message creation.
	isDraft := containsFold(opts.IMAPFlags, "Draft")
	isSender := (opts.IsImport && strings.EqualFold(parsed.From.Email, opts.ImportSelf)) ||
		mailboxOwnsContact(mailbox, fromContact)
	msg := &model.Message{
		ThreadID:      uuid.Nil, // filled in by thread assembly below
		Subject:       parsed.Subject,
		SenderID:      fromContact.ID,
		IsDraft:       isDraft,
		IsSender:      isSender,
		IsUnread:      !isSender && !isDraft,
		IsSpam:        isSpam,
		HasAttachment: len(parsed.Attachments) > 0,
		MimeID:        messageID(parsed),
		BlobID:        &blob.ID,
	}

	// Step 7 (placement is needed before message creation to fill thread_id).
	references := splitReferences(parsed.References)
	th, err := p.threads.Place(thread.PlacementInput{
		MailboxID:    mailbox.ID,
		Subject:      parsed.Subject,
		MessageID:    msg.MimeID,
		InReplyTo:    parsed.InReplyTo,
		References:   references,
		SenderID:     fromContact.ID,
		IsSender:     isSender,
		AccessRole:   model.ThreadRoleEditor,
		AccessOrigin: "inbound",
	})
	if err != nil {
		return fmt.Errorf("thread placement: %w", err)
	}
	msg.ThreadID = th.ID

	if err := p.store.Messages.Create(msg); err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	// Step 6: recipients.
	if !isDraft {
		for _, addr := range parsed.To {
			if err := p.addRecipient(msg.ID, contactsByEmail, addr, model.RecipientTo); err != nil {
				return err
			}
		}
		for _, addr := range parsed.Cc {
			if err := p.addRecipient(msg.ID, contactsByEmail, addr, model.RecipientCc); err != nil {
				return err
			}
		}
		for _, addr := range parsed.Bcc {
			if err := p.addRecipient(msg.ID, contactsByEmail, addr, model.RecipientBcc); err != nil {
				return err
			}
		}
	}

	if err := p.threads.UpdateStats(th.ID); err != nil {
		return fmt.Errorf("update thread stats: %w", err)
	}

	// Step 8: emit to the search index; failure here does not fail the pipeline.
	if err := p.index.Emit(ctx, searchindex.Event{
		MailboxID: mailbox.ID.String(),
		MessageID: msg.ID.String(),
		ThreadID:  th.ID.String(),
		Op:        "upsert",
	}); err != nil {
		p.log.Error("search index emit failed", err, nil)
	}

	return nil
}

func (p *Pipeline) addRecipient(messageID uuid.UUID, byEmail map[string]*model.Contact, addr mimeparse.Address, typ model.RecipientType) error {
	contact, ok := byEmail[addr.Email]
	if !ok || contact == nil {
		return nil
	}
	sent := model.DeliverySent
	return p.store.Messages.AddRecipient(&model.MessageRecipient{
		MessageID:      messageID,
		ContactID:      contact.ID,
		Type:           typ,
		DeliveryStatus: &sent,
	})
}

// resolveMailbox splits "local@domain" and resolves it through MailDomain
// then Mailbox, mirroring how the rest of the pipeline addresses mailboxes
// by local_part+domain_id rather than by a denormalized email column.
func (p *Pipeline) resolveMailbox(email string) (*model.Mailbox, error) {
	local, domainName, ok := strings.Cut(email, "@")
	if !ok {
		return nil, fmt.Errorf("malformed address %q", email)
	}
	domain, err := p.store.Mailboxes.GetDomainByName(domainName)
	if err != nil {
		return nil, err
	}
	return p.store.Mailboxes.GetByAddress(local, domain.ID)
}

func mailboxOwnsContact(mailbox *model.Mailbox, contact *model.Contact) bool {
	return mailbox.ContactID != nil && *mailbox.ContactID == contact.ID
}

func containsFold(list []string, want string) bool {
	for _, v := range list {
		if strings.EqualFold(v, want) {
			return true
		}
	}
	return false
}

func splitReferences(raw string) []string {
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "<>")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func messageID(parsed *mimeparse.ParsedEmail) string {
	id := strings.Trim(parsed.MessageID, "<>")
	if id != "" {
		return id
	}
	// Synthesize a stable id for messages missing Message-Id, matching the
	// parser's own tolerant-of-missing-headers stance (spec.md §4.1).
	sum := sha256.Sum256([]byte(parsed.Subject + parsed.From.Email + parsed.Date.String()))
	return fmt.Sprintf("synthetic-%x", sum[:8])
}
