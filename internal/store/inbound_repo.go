package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/foxcpp/maddy/internal/model"
)

// InboundRepo persists model.InboundMessage, the Phase-1/Phase-2 queue row
// behind C5's deliver_inbound.
type InboundRepo struct {
	db *sqlx.DB
}

func (r *InboundRepo) GetByID(id uuid.UUID) (*model.InboundMessage, error) {
	var m model.InboundMessage
	err := r.db.Get(&m, `SELECT * FROM inbound_messages WHERE id = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get inbound message: %w", err)
	}
	return &m, nil
}

func (r *InboundRepo) Create(m *model.InboundMessage) error {
	if m.ID == uuid.Nil {
		m.ID = model.NewID()
	}
	err := r.db.Get(m, `
		INSERT INTO inbound_messages (id, mailbox_id, raw_data)
		VALUES ($1, $2, $3)
		RETURNING *`, m.ID, m.MailboxID, m.RawData)
	if err != nil {
		return fmt.Errorf("create inbound message: %w", err)
	}
	return nil
}

// MarkError records a failed processing attempt without removing the row,
// leaving it for the queue-scan retry (spec.md §4.5 step 9).
func (r *InboundRepo) MarkError(id uuid.UUID, message string) error {
	_, err := r.db.Exec(`UPDATE inbound_messages SET error_message = $2 WHERE id = $1`, id, message)
	if err != nil {
		return fmt.Errorf("mark inbound error: %w", err)
	}
	return nil
}

func (r *InboundRepo) Delete(id uuid.UUID) error {
	_, err := r.db.Exec(`DELETE FROM inbound_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete inbound message: %w", err)
	}
	return nil
}

// ListStale returns every errored row older than olderThan, for the
// queue-scan retry task.
func (r *InboundRepo) ListStale(olderThan time.Duration) ([]model.InboundMessage, error) {
	var rows []model.InboundMessage
	cutoff := time.Now().Add(-olderThan)
	err := r.db.Select(&rows, `
		SELECT * FROM inbound_messages
		WHERE error_message IS NOT NULL AND created_at < $1
		ORDER BY created_at ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale inbound messages: %w", err)
	}
	return rows, nil
}
