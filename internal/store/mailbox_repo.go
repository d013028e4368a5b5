package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/foxcpp/maddy/internal/model"
)

// MailboxRepo persists model.Mailbox, model.MailboxAccess, model.MailDomain
// and model.Contact, grounded on worker_label_adapter.go's Get/Select/Exec
// style.
type MailboxRepo struct {
	db *sqlx.DB
}

func (r *MailboxRepo) GetByID(id uuid.UUID) (*model.Mailbox, error) {
	var m model.Mailbox
	if err := r.db.Get(&m, `SELECT * FROM mailboxes WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("mailbox not found: %s", id)
		}
		return nil, fmt.Errorf("get mailbox: %w", err)
	}
	return &m, nil
}

func (r *MailboxRepo) GetByAddress(localPart string, domainID uuid.UUID) (*model.Mailbox, error) {
	var m model.Mailbox
	err := r.db.Get(&m, `SELECT * FROM mailboxes WHERE local_part = $1 AND domain_id = $2`, localPart, domainID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("mailbox not found: %s@%s", localPart, domainID)
		}
		return nil, fmt.Errorf("get mailbox by address: %w", err)
	}
	return &m, nil
}

func (r *MailboxRepo) Create(m *model.Mailbox) error {
	if m.ID == uuid.Nil {
		m.ID = model.NewID()
	}
	query := `
		INSERT INTO mailboxes (id, local_part, domain_id, contact_id, alias_of, is_identity)
		VALUES (:id, :local_part, :domain_id, :contact_id, :alias_of, :is_identity)
		RETURNING created_at, updated_at`
	rows, err := r.db.NamedQuery(query, m)
	if err != nil {
		return fmt.Errorf("create mailbox: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&m.CreatedAt, &m.UpdatedAt); err != nil {
			return fmt.Errorf("create mailbox: %w", err)
		}
	}
	return rows.Err()
}

func (r *MailboxRepo) ListAccess(mailboxID uuid.UUID) ([]model.MailboxAccess, error) {
	var rows []model.MailboxAccess
	err := r.db.Select(&rows, `SELECT * FROM mailbox_accesses WHERE mailbox_id = $1`, mailboxID)
	if err != nil {
		return nil, fmt.Errorf("list mailbox access: %w", err)
	}
	return rows, nil
}

func (r *MailboxRepo) AccessFor(mailboxID, userID uuid.UUID) (*model.MailboxAccess, error) {
	var a model.MailboxAccess
	err := r.db.Get(&a, `SELECT * FROM mailbox_accesses WHERE mailbox_id = $1 AND user_id = $2`, mailboxID, userID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get mailbox access: %w", err)
	}
	return &a, nil
}

func (r *MailboxRepo) GrantAccess(a *model.MailboxAccess) error {
	if a.ID == uuid.Nil {
		a.ID = model.NewID()
	}
	_, err := r.db.NamedExec(`
		INSERT INTO mailbox_accesses (id, mailbox_id, user_id, role)
		VALUES (:id, :mailbox_id, :user_id, :role)
		ON CONFLICT (mailbox_id, user_id) DO UPDATE SET role = EXCLUDED.role, updated_at = NOW()`, a)
	if err != nil {
		return fmt.Errorf("grant mailbox access: %w", err)
	}
	return nil
}

func (r *MailboxRepo) GetDomain(id uuid.UUID) (*model.MailDomain, error) {
	var d model.MailDomain
	if err := r.db.Get(&d, `SELECT * FROM mail_domains WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("domain not found: %s", id)
		}
		return nil, fmt.Errorf("get domain: %w", err)
	}
	return &d, nil
}

func (r *MailboxRepo) GetDomainByName(name string) (*model.MailDomain, error) {
	var d model.MailDomain
	if err := r.db.Get(&d, `SELECT * FROM mail_domains WHERE name = $1`, name); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("domain not found: %s", name)
		}
		return nil, fmt.Errorf("get domain by name: %w", err)
	}
	return &d, nil
}

// ContactRepo persists model.Contact, one address book scoped per mailbox.
type ContactRepo struct {
	db *sqlx.DB
}

func (r *ContactRepo) GetByID(id uuid.UUID) (*model.Contact, error) {
	var c model.Contact
	if err := r.db.Get(&c, `SELECT * FROM contacts WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("contact not found: %s", id)
		}
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return &c, nil
}

func (r *ContactRepo) GetOrCreate(mailboxID uuid.UUID, email, name string) (*model.Contact, error) {
	var c model.Contact
	err := r.db.Get(&c, `SELECT * FROM contacts WHERE mailbox_id = $1 AND email = $2`, mailboxID, email)
	if err == nil {
		return &c, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("get contact: %w", err)
	}

	c = model.Contact{ID: model.NewID(), MailboxID: mailboxID, Email: email, Name: name}
	err = r.db.Get(&c, `
		INSERT INTO contacts (id, mailbox_id, email, name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (mailbox_id, email) DO UPDATE SET name = CASE WHEN contacts.name = '' THEN EXCLUDED.name ELSE contacts.name END
		RETURNING *`, c.ID, c.MailboxID, c.Email, c.Name)
	if err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	return &c, nil
}

// UserRepo persists model.User, the principal signature substitution
// (spec.md §4.8) draws {name}/{job_title}/{department}/custom_attributes
// from.
type UserRepo struct {
	db *sqlx.DB
}

func (r *UserRepo) GetByID(id uuid.UUID) (*model.User, error) {
	var u model.User
	if err := r.db.Get(&u, `SELECT * FROM users WHERE id = $1`, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user not found: %s", id)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}
