// Package draft implements C7: creating and updating draft Messages inside
// one atomic transaction, including the msg_<messageId>_<index> forwarded-
// attachment syntax and the MAX_OUTGOING_ATTACHMENT_SIZE enforcement that
// rolls back the whole transaction on violation. Grounded on spec.md §4.7
// and the teacher's transactional modifier chains (each step either fully
// applies or the whole delivery attempt is abandoned).
package draft

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/foxcpp/maddy/internal/mdcerrors"
	"github.com/foxcpp/maddy/internal/mimeparse"
	"github.com/foxcpp/maddy/internal/model"
	"github.com/foxcpp/maddy/internal/store"
	"github.com/foxcpp/maddy/internal/thread"
)

// AttachmentRef is one entry of a create/update draft call's attachments
// list: either an existing Blob (BlobID set) or a forwarded attachment of a
// past message (ForwardMsgID + ForwardIndex set).
type AttachmentRef struct {
	BlobID        *uuid.UUID
	ForwardMsgID  *uuid.UUID
	ForwardIndex  int
	Name          string
	CID           *string
}

// ParseAttachmentRef decodes either a UUID string or a "msg_<id>_<index>"
// reference into an AttachmentRef.
func ParseAttachmentRef(raw, name string, cid *string) (AttachmentRef, bool) {
	if strings.HasPrefix(raw, "msg_") {
		rest := strings.TrimPrefix(raw, "msg_")
		idx := strings.LastIndexByte(rest, '_')
		if idx < 0 {
			return AttachmentRef{}, false
		}
		msgID, err := uuid.Parse(rest[:idx])
		if err != nil {
			return AttachmentRef{}, false
		}
		n, err := strconv.Atoi(rest[idx+1:])
		if err != nil {
			return AttachmentRef{}, false
		}
		return AttachmentRef{ForwardMsgID: &msgID, ForwardIndex: n, Name: name, CID: cid}, true
	}
	blobID, err := uuid.Parse(raw)
	if err != nil {
		return AttachmentRef{}, false
	}
	return AttachmentRef{BlobID: &blobID, Name: name, CID: cid}, true
}

// Recipient is one To/Cc/Bcc entry by resolved Contact.
type Recipient struct {
	ContactID uuid.UUID
	Type      model.RecipientType
}

// Params is the input shared by CreateDraft and UpdateDraft.
type Params struct {
	Mailbox      *model.Mailbox
	SelfContact  *model.Contact
	Subject      string
	DraftBody    []byte // JSON-encoded JMAP-flavored draft body
	ParentID     *uuid.UUID
	Recipients   []Recipient
	Attachments  []AttachmentRef
	SignatureID  *uuid.UUID
	MaxAttachmentSize int64
}

// Engine creates and updates draft Messages.
type Engine struct {
	store   *store.Store
	threads *thread.Assembler
}

func New(s *store.Store) *Engine {
	return &Engine{store: s, threads: thread.New(s)}
}

// CreateDraft implements spec.md §4.7's create_draft.
func (e *Engine) CreateDraft(p Params) (*model.Message, error) {
	threadID, err := e.resolveThread(p)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:       model.NewID(),
		ThreadID: threadID,
		Subject:  p.Subject,
		SenderID: p.SelfContact.ID,
		ParentID: p.ParentID,
		IsDraft:  true,
		IsSender: true,
		MimeID:   newDraftMimeID(),
		SignatureID: p.SignatureID,
	}

	tx, err := e.store.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("draft: begin transaction: %w", err)
	}
	defer tx.Rollback()

	draftBlob, err := createBlob(tx, p.Mailbox.ID, p.DraftBody, "application/json")
	if err != nil {
		return nil, fmt.Errorf("draft: store draft body: %w", err)
	}
	msg.DraftBlobID = &draftBlob.ID

	if err := insertMessage(tx, msg); err != nil {
		return nil, fmt.Errorf("draft: create message: %w", err)
	}

	attachmentIDs, err := e.resolveAttachments(tx, p.Mailbox.ID, p.Attachments)
	if err != nil {
		return nil, err
	}
	if err := enforceAttachmentSize(tx, attachmentIDs, p.MaxAttachmentSize); err != nil {
		return nil, err
	}
	for _, attID := range attachmentIDs {
		if _, err := tx.Exec(`INSERT INTO message_attachments (message_id, attachment_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, msg.ID, attID); err != nil {
			return nil, fmt.Errorf("draft: attach: %w", err)
		}
	}

	for _, r := range p.Recipients {
		if _, err := tx.Exec(`
			INSERT INTO message_recipients (id, message_id, contact_id, type, delivery_status)
			VALUES ($1, $2, $3, $4, NULL)`, model.NewID(), msg.ID, r.ContactID, r.Type); err != nil {
			return nil, fmt.Errorf("draft: add recipient: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("draft: commit: %w", err)
	}

	if err := e.threads.UpdateStats(threadID); err != nil {
		return nil, fmt.Errorf("draft: update thread stats: %w", err)
	}
	return msg, nil
}

// UpdateDraft implements spec.md §4.7's "Update draft": same atomicity and
// validation rules, refusing to change sender/thread, and replacing the
// full attachment set (old attachments removed first).
func (e *Engine) UpdateDraft(existing *model.Message, p Params) (*model.Message, error) {
	if !existing.IsDraft {
		return nil, mdcerrors.Validation("message is not a draft", map[string]interface{}{"message_id": existing.ID})
	}

	tx, err := e.store.DB.Beginx()
	if err != nil {
		return nil, fmt.Errorf("draft: begin transaction: %w", err)
	}
	defer tx.Rollback()

	draftBlob, err := createBlob(tx, p.Mailbox.ID, p.DraftBody, "application/json")
	if err != nil {
		return nil, fmt.Errorf("draft: store draft body: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE messages SET subject = $2, draft_blob_id = $3, signature_id = $4, updated_at = NOW()
		WHERE id = $1`, existing.ID, p.Subject, draftBlob.ID, p.SignatureID); err != nil {
		return nil, fmt.Errorf("draft: update message: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM message_attachments WHERE message_id = $1`, existing.ID); err != nil {
		return nil, fmt.Errorf("draft: clear attachments: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM message_recipients WHERE message_id = $1`, existing.ID); err != nil {
		return nil, fmt.Errorf("draft: clear recipients: %w", err)
	}

	attachmentIDs, err := e.resolveAttachments(tx, p.Mailbox.ID, p.Attachments)
	if err != nil {
		return nil, err
	}
	if err := enforceAttachmentSize(tx, attachmentIDs, p.MaxAttachmentSize); err != nil {
		return nil, err
	}
	for _, attID := range attachmentIDs {
		if _, err := tx.Exec(`INSERT INTO message_attachments (message_id, attachment_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, existing.ID, attID); err != nil {
			return nil, fmt.Errorf("draft: attach: %w", err)
		}
	}

	for _, r := range p.Recipients {
		if _, err := tx.Exec(`
			INSERT INTO message_recipients (id, message_id, contact_id, type, delivery_status)
			VALUES ($1, $2, $3, $4, NULL)`, model.NewID(), existing.ID, r.ContactID, r.Type); err != nil {
			return nil, fmt.Errorf("draft: add recipient: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("draft: commit: %w", err)
	}

	existing.Subject = p.Subject
	existing.DraftBlobID = &draftBlob.ID
	if err := e.threads.UpdateStats(existing.ThreadID); err != nil {
		return nil, fmt.Errorf("draft: update thread stats: %w", err)
	}
	return existing, nil
}

// resolveThread resolves p.ParentID to its Thread (requiring it be
// accessible to p.Mailbox via an existing ThreadAccess), or creates a new
// Thread when no parent is given.
func (e *Engine) resolveThread(p Params) (uuid.UUID, error) {
	if p.ParentID == nil {
		th := &model.Thread{Subject: p.Subject}
		if err := e.store.Threads.Create(th); err != nil {
			return uuid.Nil, fmt.Errorf("draft: create thread: %w", err)
		}
		if err := e.store.Threads.GrantAccess(&model.ThreadAccess{
			ThreadID: th.ID, MailboxID: p.Mailbox.ID, Role: model.ThreadRoleEditor, Origin: "draft",
		}); err != nil {
			return uuid.Nil, fmt.Errorf("draft: grant thread access: %w", err)
		}
		return th.ID, nil
	}

	parent, err := e.store.Messages.FindByID(*p.ParentID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("draft: resolve parent: %w", err)
	}
	if parent == nil {
		return uuid.Nil, mdcerrors.NotFound("parent message not found", map[string]interface{}{"parent_id": *p.ParentID})
	}
	access, err := e.store.Threads.AccessFor(parent.ThreadID, p.Mailbox.ID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("draft: check parent access: %w", err)
	}
	if access == nil {
		return uuid.Nil, mdcerrors.PermissionDenied("mailbox cannot access parent thread", map[string]interface{}{"parent_id": *p.ParentID})
	}
	return parent.ThreadID, nil
}

// resolveAttachments materializes every AttachmentRef into an Attachment
// row owned by mailboxID, returning their ids. Inaccessible forwarded
// references are silently skipped (spec.md §4.7 step 3).
func (e *Engine) resolveAttachments(tx *sqlx.Tx, mailboxID uuid.UUID, refs []AttachmentRef) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(refs))
	for _, ref := range refs {
		switch {
		case ref.BlobID != nil:
			var owner uuid.UUID
			err := tx.Get(&owner, `SELECT mailbox_id FROM blobs WHERE id = $1`, *ref.BlobID)
			if err != nil {
				continue // inaccessible/nonexistent blob: skip silently
			}
			if owner != mailboxID {
				continue
			}
			attID, err := createAttachment(tx, mailboxID, ref.Name, *ref.BlobID, ref.CID)
			if err != nil {
				return nil, fmt.Errorf("draft: attach blob: %w", err)
			}
			ids = append(ids, attID)

		case ref.ForwardMsgID != nil:
			blob, ok, err := e.extractForwardedAttachment(tx, mailboxID, *ref.ForwardMsgID, ref.ForwardIndex)
			if err != nil {
				return nil, fmt.Errorf("draft: extract forwarded attachment: %w", err)
			}
			if !ok {
				continue // inaccessible past message or out-of-range index: skip
			}
			attID, err := createAttachment(tx, mailboxID, blob.name, blob.id, blob.cid)
			if err != nil {
				return nil, fmt.Errorf("draft: attach forwarded: %w", err)
			}
			ids = append(ids, attID)
		}
	}
	return ids, nil
}

type forwardedBlob struct {
	id   uuid.UUID
	name string
	cid  *string
}

// extractForwardedAttachment checks accessibility of msgID via ThreadAccess,
// re-parses its raw MIME blob, content-addresses the decoded attachment at
// index into a new Blob owned by mailboxID, and preserves its CID.
func (e *Engine) extractForwardedAttachment(tx *sqlx.Tx, mailboxID, msgID uuid.UUID, index int) (forwardedBlob, bool, error) {
	var ref struct {
		ThreadID uuid.UUID  `db:"thread_id"`
		BlobID   *uuid.UUID `db:"blob_id"`
	}
	if err := tx.Get(&ref, `SELECT thread_id, blob_id FROM messages WHERE id = $1`, msgID); err != nil {
		return forwardedBlob{}, false, nil // nonexistent message
	}
	if ref.BlobID == nil {
		return forwardedBlob{}, false, nil
	}

	var hasAccess bool
	if err := tx.Get(&hasAccess, `SELECT EXISTS(SELECT 1 FROM thread_accesses WHERE thread_id = $1 AND mailbox_id = $2)`, ref.ThreadID, mailboxID); err != nil {
		return forwardedBlob{}, false, err
	}
	if !hasAccess {
		return forwardedBlob{}, false, nil
	}

	var raw []byte
	if err := tx.Get(&raw, `SELECT raw_content FROM blobs WHERE id = $1`, *ref.BlobID); err != nil {
		return forwardedBlob{}, false, nil
	}

	parsed, err := mimeparse.Parse(raw)
	if err != nil {
		return forwardedBlob{}, false, nil
	}
	if index < 0 || index >= len(parsed.Attachments) {
		return forwardedBlob{}, false, nil
	}
	att := parsed.Attachments[index]

	newBlob, err := createBlob(tx, mailboxID, att.Content, att.Type)
	if err != nil {
		return forwardedBlob{}, false, err
	}

	var cid *string
	if att.CID != "" {
		c := att.CID
		cid = &c
	}
	return forwardedBlob{id: newBlob.ID, name: att.Name, cid: cid}, true, nil
}

// enforceAttachmentSize sums the Blob sizes behind attachmentIDs and returns
// a validation error if the total exceeds maxSize; the caller's deferred
// tx.Rollback() then discards everything written so far in this call,
// matching spec.md §4.7 step 4's all-or-nothing rule.
func enforceAttachmentSize(tx *sqlx.Tx, attachmentIDs []uuid.UUID, maxSize int64) error {
	if len(attachmentIDs) == 0 || maxSize <= 0 {
		return nil
	}
	var total int64
	err := tx.Get(&total, `
		SELECT COALESCE(SUM(b.size), 0) FROM attachments a
		JOIN blobs b ON b.id = a.blob_id
		WHERE a.id = ANY($1)`, uuidsToStrings(attachmentIDs))
	if err != nil {
		return fmt.Errorf("draft: sum attachment sizes: %w", err)
	}
	if total > maxSize {
		return mdcerrors.Validation("attachments exceed maximum outgoing size", map[string]interface{}{
			"total_size": total, "max_size": maxSize,
		})
	}
	return nil
}

func uuidsToStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func createBlob(tx *sqlx.Tx, mailboxID uuid.UUID, content []byte, contentType string) (*model.Blob, error) {
	sum := sha256.Sum256(content)
	b := &model.Blob{ID: model.NewID(), MailboxID: mailboxID, Size: int64(len(content)), ContentType: contentType, RawContent: content}
	err := tx.Get(b, `
		INSERT INTO blobs (id, mailbox_id, sha256, size, content_type, raw_content)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *`, b.ID, mailboxID, sum[:], b.Size, contentType, content)
	return b, err
}

func createAttachment(tx *sqlx.Tx, mailboxID uuid.UUID, name string, blobID uuid.UUID, cid *string) (uuid.UUID, error) {
	id := model.NewID()
	_, err := tx.Exec(`
		INSERT INTO attachments (id, mailbox_id, name, blob_id, cid)
		VALUES ($1, $2, $3, $4, $5)`, id, mailboxID, name, blobID, cid)
	return id, err
}

func insertMessage(tx *sqlx.Tx, m *model.Message) error {
	rows, err := tx.NamedQuery(`
		INSERT INTO messages (
			id, thread_id, subject, sender_id, parent_id, is_draft, is_sender,
			mime_id, draft_blob_id, signature_id
		) VALUES (
			:id, :thread_id, :subject, :sender_id, :parent_id, :is_draft, :is_sender,
			:mime_id, :draft_blob_id, :signature_id
		) RETURNING created_at, updated_at`, m)
	if err != nil {
		return err
	}
	defer rows.Close()
	if rows.Next() {
		return rows.Scan(&m.CreatedAt, &m.UpdatedAt)
	}
	return rows.Err()
}

func newDraftMimeID() string {
	return "draft-" + model.NewID().String()
}
