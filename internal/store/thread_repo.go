package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/foxcpp/maddy/internal/model"
)

// ThreadRepo persists model.Thread and model.ThreadAccess, and implements
// the recompute query behind C4's update_stats.
type ThreadRepo struct {
	db *sqlx.DB
}

func (r *ThreadRepo) GetByID(id uuid.UUID) (*model.Thread, error) {
	var t model.Thread
	if err := r.db.Get(&t, `SELECT * FROM threads WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("thread not found: %s", id)
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}
	return &t, nil
}

func (r *ThreadRepo) Create(t *model.Thread) error {
	if t.ID == uuid.Nil {
		t.ID = model.NewID()
	}
	err := r.db.Get(t, `
		INSERT INTO threads (id, subject, snippet)
		VALUES ($1, $2, $3)
		RETURNING *`, t.ID, t.Subject, t.Snippet)
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

// RecomputeStats recomputes every denormalized field of a Thread from its
// current Messages (ordered by created_at), per spec.md §4.4's
// update_stats formulas exactly:
//
//	has_unread  = ∃ m: is_unread ∧ ¬is_trashed
//	has_trashed = ∃ m: is_trashed
//	has_draft   = ∃ m: is_draft ∧ ¬is_trashed
//	has_starred = ∃ m: is_starred ∧ ¬is_trashed
//	has_sender  = ∃ m: is_sender ∧ ¬is_trashed ∧ ¬is_draft
//	has_messages = ∃ m: ¬is_trashed ∧ ¬is_spam
//	is_spam     = first(m by created_at).is_spam
//	has_active  = ∃ m: ¬is_sender ∧ ¬is_spam ∧ ¬is_archived ∧ ¬is_trashed ∧ ¬is_draft
//	messaged_at = max(created_at where ¬is_trashed), falling back to
//	              max(created_at) over all messages, null when empty
//	sender_names = distinct first-and-last "active" (has_active-criteria)
//	              senders in chronological order, capped at 2, falling
//	              back to the first/last sender of all messages
func (r *ThreadRepo) RecomputeStats(threadID uuid.UUID) error {
	_, err := r.db.Exec(`
		WITH msgs AS (
			SELECT m.*, c.name AS sender_name
			FROM messages m
			JOIN contacts c ON c.id = m.sender_id
			WHERE m.thread_id = $1
			ORDER BY m.created_at ASC
		),
		active_senders AS (
			SELECT DISTINCT sender_name, MIN(created_at) AS first_seen
			FROM msgs
			WHERE NOT is_sender AND NOT is_spam AND NOT is_archived AND NOT is_trashed AND NOT is_draft
			GROUP BY sender_name
			ORDER BY first_seen ASC
		),
		all_senders AS (
			SELECT DISTINCT sender_name, MIN(created_at) AS first_seen
			FROM msgs
			GROUP BY sender_name
			ORDER BY first_seen ASC
		),
		names AS (
			SELECT sender_name, first_seen FROM active_senders
			UNION ALL
			SELECT sender_name, first_seen FROM all_senders
			WHERE NOT EXISTS (SELECT 1 FROM active_senders)
		),
		names_bounds AS (
			SELECT
				(array_agg(sender_name ORDER BY first_seen ASC))[1] AS first_name,
				(array_agg(sender_name ORDER BY first_seen DESC))[1] AS last_name
			FROM names
		)
		UPDATE threads t SET
			has_unread  = EXISTS (SELECT 1 FROM msgs WHERE is_unread AND NOT is_trashed),
			has_trashed = EXISTS (SELECT 1 FROM msgs WHERE is_trashed),
			has_draft   = EXISTS (SELECT 1 FROM msgs WHERE is_draft AND NOT is_trashed),
			has_starred = EXISTS (SELECT 1 FROM msgs WHERE is_starred AND NOT is_trashed),
			has_sender  = EXISTS (SELECT 1 FROM msgs WHERE is_sender AND NOT is_trashed AND NOT is_draft),
			has_messages = EXISTS (SELECT 1 FROM msgs WHERE NOT is_trashed AND NOT is_spam),
			is_spam     = COALESCE((SELECT is_spam FROM msgs ORDER BY created_at ASC LIMIT 1), false),
			has_active  = EXISTS (
				SELECT 1 FROM msgs
				WHERE NOT is_sender AND NOT is_spam AND NOT is_archived AND NOT is_trashed AND NOT is_draft
			),
			messaged_at = COALESCE(
				(SELECT MAX(created_at) FROM msgs WHERE NOT is_trashed),
				(SELECT MAX(created_at) FROM msgs)
			),
			sender_names = (
				SELECT CASE
					WHEN (SELECT COUNT(*) FROM names) = 0 THEN '{}'::text[]
					WHEN first_name IS NOT NULL AND last_name IS NOT NULL AND first_name <> last_name
						THEN ARRAY[first_name, last_name]
					ELSE ARRAY[COALESCE(first_name, last_name)]
				END
				FROM names_bounds
			),
			updated_at = NOW()
		WHERE t.id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("recompute thread stats: %w", err)
	}
	return nil
}

func (r *ThreadRepo) GrantAccess(a *model.ThreadAccess) error {
	if a.ID == uuid.Nil {
		a.ID = model.NewID()
	}
	_, err := r.db.NamedExec(`
		INSERT INTO thread_accesses (id, thread_id, mailbox_id, role, origin)
		VALUES (:id, :thread_id, :mailbox_id, :role, :origin)
		ON CONFLICT (thread_id, mailbox_id) DO UPDATE SET
			role = CASE WHEN thread_accesses.role = 'editor' THEN thread_accesses.role ELSE EXCLUDED.role END,
			updated_at = NOW()`, a)
	if err != nil {
		return fmt.Errorf("grant thread access: %w", err)
	}
	return nil
}

func (r *ThreadRepo) ListAccess(threadID uuid.UUID) ([]model.ThreadAccess, error) {
	var rows []model.ThreadAccess
	if err := r.db.Select(&rows, `SELECT * FROM thread_accesses WHERE thread_id = $1`, threadID); err != nil {
		return nil, fmt.Errorf("list thread access: %w", err)
	}
	return rows, nil
}

func (r *ThreadRepo) AccessFor(threadID, mailboxID uuid.UUID) (*model.ThreadAccess, error) {
	var a model.ThreadAccess
	err := r.db.Get(&a, `SELECT * FROM thread_accesses WHERE thread_id = $1 AND mailbox_id = $2`, threadID, mailboxID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get thread access: %w", err)
	}
	return &a, nil
}
