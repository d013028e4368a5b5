package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/foxcpp/maddy/internal/model"
)

// BlobRepo persists model.Blob and model.Attachment, content-addressed by
// sha256 (I5).
type BlobRepo struct {
	db *sqlx.DB
}

// FindBySHA256 returns an existing blob for this mailbox with the given
// digest, or nil — the dedup check backing I5.
func (r *BlobRepo) FindBySHA256(mailboxID uuid.UUID, sha256 []byte) (*model.Blob, error) {
	var b model.Blob
	err := r.db.Get(&b, `SELECT * FROM blobs WHERE mailbox_id = $1 AND sha256 = $2`, mailboxID, sha256)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find blob by sha256: %w", err)
	}
	return &b, nil
}

func (r *BlobRepo) GetByID(id uuid.UUID) (*model.Blob, error) {
	var b model.Blob
	if err := r.db.Get(&b, `SELECT * FROM blobs WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("blob not found: %s", id)
		}
		return nil, fmt.Errorf("get blob: %w", err)
	}
	return &b, nil
}

// FindByID returns the blob, or nil if it does not exist — used for
// optional attachment-descriptor resolution where a bad reference is
// silently skipped rather than treated as an error.
func (r *BlobRepo) FindByID(id uuid.UUID) (*model.Blob, error) {
	var b model.Blob
	err := r.db.Get(&b, `SELECT * FROM blobs WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find blob: %w", err)
	}
	return &b, nil
}

func (r *BlobRepo) Create(b *model.Blob) error {
	if b.ID == uuid.Nil {
		b.ID = model.NewID()
	}
	err := r.db.Get(b, `
		INSERT INTO blobs (id, mailbox_id, sha256, size, content_type, raw_content, size_compressed, compression)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING *`,
		b.ID, b.MailboxID, b.SHA256, b.Size, b.ContentType, b.RawContent, b.SizeCompressed, b.Compression)
	if err != nil {
		return fmt.Errorf("create blob: %w", err)
	}
	return nil
}

func (r *BlobRepo) CreateAttachment(a *model.Attachment) error {
	if a.ID == uuid.Nil {
		a.ID = model.NewID()
	}
	err := r.db.Get(a, `
		INSERT INTO attachments (id, mailbox_id, name, blob_id, cid)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *`, a.ID, a.MailboxID, a.Name, a.BlobID, a.CID)
	if err != nil {
		return fmt.Errorf("create attachment: %w", err)
	}
	return nil
}

func (r *BlobRepo) AttachToMessage(messageID, attachmentID uuid.UUID) error {
	_, err := r.db.Exec(`
		INSERT INTO message_attachments (message_id, attachment_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, messageID, attachmentID)
	if err != nil {
		return fmt.Errorf("attach to message: %w", err)
	}
	return nil
}

func (r *BlobRepo) ListForMessage(messageID uuid.UUID) ([]model.Attachment, error) {
	var rows []model.Attachment
	err := r.db.Select(&rows, `
		SELECT a.* FROM attachments a
		JOIN message_attachments ma ON ma.attachment_id = a.id
		WHERE ma.message_id = $1`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list message attachments: %w", err)
	}
	return rows, nil
}

// TemplateRepo persists model.MessageTemplate.
type TemplateRepo struct {
	db *sqlx.DB
}

func (r *TemplateRepo) GetActive(mailboxID, domainID *uuid.UUID, typ model.TemplateType) (*model.MessageTemplate, error) {
	var t model.MessageTemplate
	err := r.db.Get(&t, `
		SELECT * FROM message_templates
		WHERE type = $1 AND is_active
		  AND ((mailbox_id IS NOT DISTINCT FROM $2) OR (domain_id IS NOT DISTINCT FROM $3))
		ORDER BY mailbox_id NULLS LAST LIMIT 1`, typ, mailboxID, domainID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get active template: %w", err)
	}
	return &t, nil
}

func (r *TemplateRepo) GetByID(id uuid.UUID) (*model.MessageTemplate, error) {
	var t model.MessageTemplate
	err := r.db.Get(&t, `SELECT * FROM message_templates WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get template: %w", err)
	}
	return &t, nil
}

func (r *TemplateRepo) Create(t *model.MessageTemplate) error {
	if t.ID == uuid.Nil {
		t.ID = model.NewID()
	}
	err := r.db.Get(t, `
		INSERT INTO message_templates (id, mailbox_id, domain_id, type, is_active, is_forced, html_body, text_body, raw_body, blob_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING *`,
		t.ID, t.MailboxID, t.DomainID, t.Type, t.IsActive, t.IsForced, t.HTMLBody, t.TextBody, t.RawBody, t.BlobID)
	if err != nil {
		return fmt.Errorf("create template: %w", err)
	}
	return nil
}

// DKIMKeyRepo persists model.DKIMKey.
type DKIMKeyRepo struct {
	db *sqlx.DB
}

func (r *DKIMKeyRepo) GetActive(domainID uuid.UUID) (*model.DKIMKey, error) {
	var k model.DKIMKey
	err := r.db.Get(&k, `SELECT * FROM dkim_keys WHERE domain_id = $1 AND is_active ORDER BY created_at DESC LIMIT 1`, domainID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get active dkim key: %w", err)
	}
	return &k, nil
}

func (r *DKIMKeyRepo) Create(k *model.DKIMKey) error {
	if k.ID == uuid.Nil {
		k.ID = model.NewID()
	}
	err := r.db.Get(k, `
		INSERT INTO dkim_keys (id, domain_id, selector, algorithm, key_size, private_key, public_key, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING *`,
		k.ID, k.DomainID, k.Selector, k.Algorithm, k.KeySize, k.PrivateKey, k.PublicKey, k.IsActive)
	if err != nil {
		return fmt.Errorf("create dkim key: %w", err)
	}
	return nil
}

func (r *DKIMKeyRepo) Deactivate(domainID uuid.UUID) error {
	_, err := r.db.Exec(`UPDATE dkim_keys SET is_active = false, updated_at = NOW() WHERE domain_id = $1 AND is_active`, domainID)
	if err != nil {
		return fmt.Errorf("deactivate dkim keys: %w", err)
	}
	return nil
}
