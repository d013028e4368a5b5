package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/foxcpp/maddy/internal/model"
)

// MessageRepo persists model.Message and model.MessageRecipient. FindByMimeID
// backs the idempotent-ingestion check (I2: mailbox_id+mime_id unique).
type MessageRepo struct {
	db *sqlx.DB
}

func (r *MessageRepo) GetByID(id uuid.UUID) (*model.Message, error) {
	var m model.Message
	if err := r.db.Get(&m, `SELECT * FROM messages WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("message not found: %s", id)
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &m, nil
}

// FindByID returns the message, or nil if it does not exist — used where a
// missing reference is a normal, silently-ignored case (e.g. resolving an
// optional parent_id) rather than an error.
func (r *MessageRepo) FindByID(id uuid.UUID) (*model.Message, error) {
	var m model.Message
	err := r.db.Get(&m, `SELECT * FROM messages WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find message: %w", err)
	}
	return &m, nil
}

// FindByMimeID returns the message already stored for (mailboxID, mimeID),
// or nil if none exists — the duplicate-delivery guard of spec.md §4.5 I2.
func (r *MessageRepo) FindByMimeID(mailboxID uuid.UUID, mimeID string) (*model.Message, error) {
	var m model.Message
	err := r.db.Get(&m, `
		SELECT msg.* FROM messages msg
		JOIN thread_accesses ta ON ta.thread_id = msg.thread_id
		WHERE ta.mailbox_id = $1 AND msg.mime_id = $2
		LIMIT 1`, mailboxID, mimeID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find message by mime id: %w", err)
	}
	return &m, nil
}

func (r *MessageRepo) Create(m *model.Message) error {
	if m.ID == uuid.Nil {
		m.ID = model.NewID()
	}
	rows, err := r.db.NamedQuery(`
		INSERT INTO messages (
			id, thread_id, subject, sender_id, parent_id, is_draft, is_sender,
			is_starred, is_trashed, is_unread, is_spam, is_archived,
			sent_at, mime_id, blob_id, draft_blob_id, signature_id
		) VALUES (
			:id, :thread_id, :subject, :sender_id, :parent_id, :is_draft, :is_sender,
			:is_starred, :is_trashed, :is_unread, :is_spam, :is_archived,
			:sent_at, :mime_id, :blob_id, :draft_blob_id, :signature_id
		) RETURNING created_at, updated_at`, m)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&m.CreatedAt, &m.UpdatedAt); err != nil {
			return fmt.Errorf("create message: %w", err)
		}
	}
	return rows.Err()
}

func (r *MessageRepo) Update(m *model.Message) error {
	_, err := r.db.NamedExec(`
		UPDATE messages SET
			subject = :subject, is_draft = :is_draft, is_starred = :is_starred,
			is_trashed = :is_trashed, is_unread = :is_unread, is_spam = :is_spam,
			is_archived = :is_archived, sent_at = :sent_at, read_at = :read_at,
			archived_at = :archived_at, trashed_at = :trashed_at,
			blob_id = :blob_id, draft_blob_id = :draft_blob_id, signature_id = :signature_id,
			updated_at = NOW()
		WHERE id = :id`, m)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func (r *MessageRepo) ListByThread(threadID uuid.UUID) ([]model.Message, error) {
	var rows []model.Message
	err := r.db.Select(&rows, `SELECT * FROM messages WHERE thread_id = $1 ORDER BY COALESCE(sent_at, created_at) ASC`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages by thread: %w", err)
	}
	return rows, nil
}

func (r *MessageRepo) AddRecipient(rcpt *model.MessageRecipient) error {
	if rcpt.ID == uuid.Nil {
		rcpt.ID = model.NewID()
	}
	_, err := r.db.NamedExec(`
		INSERT INTO message_recipients (id, message_id, contact_id, type, delivery_status)
		VALUES (:id, :message_id, :contact_id, :type, :delivery_status)`, rcpt)
	if err != nil {
		return fmt.Errorf("add message recipient: %w", err)
	}
	return nil
}

func (r *MessageRepo) ListRecipients(messageID uuid.UUID) ([]model.MessageRecipient, error) {
	var rows []model.MessageRecipient
	err := r.db.Select(&rows, `SELECT * FROM message_recipients WHERE message_id = $1 ORDER BY type`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list message recipients: %w", err)
	}
	return rows, nil
}

// UpdateRecipientDelivery records a successful delivery attempt, per
// spec.md §4.8/§4.9.
func (r *MessageRepo) UpdateRecipientDelivery(id uuid.UUID, status model.DeliveryStatus, message *string) error {
	_, err := r.db.Exec(`
		UPDATE message_recipients SET
			delivery_status = $2, delivery_message = $3, delivered_at = NOW(), updated_at = NOW()
		WHERE id = $1`, id, status, message)
	if err != nil {
		return fmt.Errorf("update recipient delivery: %w", err)
	}
	return nil
}

// ScheduleRetry marks a recipient for a later retry attempt (spec.md §4.8's
// transient-failure handling), incrementing retry_count.
func (r *MessageRepo) ScheduleRetry(id uuid.UUID, retryAt time.Time, message *string) error {
	_, err := r.db.Exec(`
		UPDATE message_recipients SET
			delivery_status = $2, delivery_message = $3, retry_at = $4,
			retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1`, id, model.DeliveryRetry, message, retryAt)
	if err != nil {
		return fmt.Errorf("schedule recipient retry: %w", err)
	}
	return nil
}

// ListDueForRetry returns the distinct Message IDs with at least one
// recipient in RETRY status whose retry_at has elapsed.
func (r *MessageRepo) ListDueForRetry(before time.Time) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.Select(&ids, `
		SELECT DISTINCT message_id FROM message_recipients
		WHERE delivery_status = $1 AND retry_at IS NOT NULL AND retry_at <= $2`,
		model.DeliveryRetry, before)
	if err != nil {
		return nil, fmt.Errorf("list messages due for retry: %w", err)
	}
	return ids, nil
}
