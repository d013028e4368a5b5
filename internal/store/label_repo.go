package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/foxcpp/maddy/internal/model"
)

// LabelRepo persists model.Label and implements the hierarchical
// rename/delete cascade of C10 (spec.md §4.10): a label's Name is its
// slash-joined path, so renaming "Projects" to "Work" must also rewrite
// every "Projects/..." descendant, grounded on worker_label_adapter.go's
// count-then-update style for label_count bookkeeping.
type LabelRepo struct {
	db *sqlx.DB
}

func (r *LabelRepo) GetByID(id uuid.UUID) (*model.Label, error) {
	var l model.Label
	if err := r.db.Get(&l, `SELECT * FROM labels WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("label not found: %s", id)
		}
		return nil, fmt.Errorf("get label: %w", err)
	}
	return &l, nil
}

func (r *LabelRepo) GetByName(mailboxID uuid.UUID, name string) (*model.Label, error) {
	var l model.Label
	err := r.db.Get(&l, `SELECT * FROM labels WHERE mailbox_id = $1 AND name = $2`, mailboxID, name)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get label by name: %w", err)
	}
	return &l, nil
}

func (r *LabelRepo) ListByMailbox(mailboxID uuid.UUID) ([]model.Label, error) {
	var rows []model.Label
	err := r.db.Select(&rows, `SELECT * FROM labels WHERE mailbox_id = $1 ORDER BY name ASC`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	return rows, nil
}

func (r *LabelRepo) Create(l *model.Label) error {
	if l.ID == uuid.Nil {
		l.ID = model.NewID()
	}
	err := r.db.Get(l, `
		INSERT INTO labels (id, mailbox_id, name, slug, color, description, is_auto)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *`, l.ID, l.MailboxID, l.Name, l.Slug, l.Color, l.Description, l.IsAuto)
	if err != nil {
		return fmt.Errorf("create label: %w", err)
	}
	return nil
}

// Rename changes l's Name to newName and rewrites every descendant label's
// Name prefix to match, in one transaction.
func (r *LabelRepo) Rename(l *model.Label, newName string) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("rename label: %w", err)
	}
	defer tx.Rollback()

	oldPrefix := l.Name + "/"
	newPrefix := newName + "/"

	if _, err := tx.Exec(`UPDATE labels SET name = $1, updated_at = NOW() WHERE id = $2`, newName, l.ID); err != nil {
		return fmt.Errorf("rename label: %w", err)
	}
	_, err = tx.Exec(`
		UPDATE labels SET name = $1 || substr(name, $2), updated_at = NOW()
		WHERE mailbox_id = $3 AND name LIKE $4`,
		newPrefix, len(oldPrefix)+1, l.MailboxID, oldPrefix+"%")
	if err != nil {
		return fmt.Errorf("rename descendant labels: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("rename label: %w", err)
	}
	l.Name = newName
	return nil
}

// Delete removes l and every descendant label (cascading delete per
// spec.md §4.10), leaving the messages themselves untouched.
func (r *LabelRepo) Delete(l *model.Label) error {
	_, err := r.db.Exec(`
		DELETE FROM labels
		WHERE mailbox_id = $1 AND (id = $2 OR name LIKE $3)`,
		l.MailboxID, l.ID, l.Name+"/%")
	if err != nil {
		return fmt.Errorf("delete label: %w", err)
	}
	return nil
}

func (r *LabelRepo) AddToMessage(messageID, labelID uuid.UUID) error {
	_, err := r.db.Exec(`
		INSERT INTO message_labels (message_id, label_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, messageID, labelID)
	if err != nil {
		return fmt.Errorf("add label to message: %w", err)
	}
	return nil
}

func (r *LabelRepo) RemoveFromMessage(messageID, labelID uuid.UUID) error {
	_, err := r.db.Exec(`DELETE FROM message_labels WHERE message_id = $1 AND label_id = $2`, messageID, labelID)
	if err != nil {
		return fmt.Errorf("remove label from message: %w", err)
	}
	return nil
}

// GetBySlug backs the slug+mailbox uniqueness check on Create.
func (r *LabelRepo) GetBySlug(mailboxID uuid.UUID, slug string) (*model.Label, error) {
	var l model.Label
	err := r.db.Get(&l, `SELECT * FROM labels WHERE mailbox_id = $1 AND slug = $2`, mailboxID, slug)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get label by slug: %w", err)
	}
	return &l, nil
}

// ListAccessibleByMailbox backs tree listing when mailbox_id is omitted:
// every label on a mailbox the given user has any MailboxAccess grant on.
func (r *LabelRepo) ListAccessibleByMailbox(userID uuid.UUID) ([]model.Label, error) {
	var rows []model.Label
	err := r.db.Select(&rows, `
		SELECT l.* FROM labels l
		JOIN mailbox_accesses ma ON ma.mailbox_id = l.mailbox_id
		WHERE ma.user_id = $1
		ORDER BY l.name ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list accessible labels: %w", err)
	}
	return rows, nil
}

// AddThread and RemoveThread mutate the label_threads M2M set backing
// C10's add-threads/remove-threads.
func (r *LabelRepo) AddThread(labelID, threadID uuid.UUID) error {
	_, err := r.db.Exec(`
		INSERT INTO label_threads (label_id, thread_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, labelID, threadID)
	if err != nil {
		return fmt.Errorf("add thread to label: %w", err)
	}
	return nil
}

func (r *LabelRepo) RemoveThread(labelID, threadID uuid.UUID) error {
	_, err := r.db.Exec(`DELETE FROM label_threads WHERE label_id = $1 AND thread_id = $2`, labelID, threadID)
	if err != nil {
		return fmt.Errorf("remove thread from label: %w", err)
	}
	return nil
}

func (r *LabelRepo) ListThreadIDs(labelID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.Select(&ids, `SELECT thread_id FROM label_threads WHERE label_id = $1`, labelID)
	if err != nil {
		return nil, fmt.Errorf("list label threads: %w", err)
	}
	return ids, nil
}

// Depth returns how many slash-separated segments name has, used by C10 to
// cap nesting depth.
func Depth(name string) int {
	if name == "" {
		return 0
	}
	return strings.Count(name, "/") + 1
}
