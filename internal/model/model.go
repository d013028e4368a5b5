// Package model defines the logical data entities of the Mail Delivery
// Core: mail domains, mailboxes, contacts, threads, messages and the
// supporting tables (blobs, attachments, labels, templates, DKIM keys and
// the inbound processing queue).
//
// Entity names and fields mirror the persisted schema; every entity carries
// a UUID identifier and CreatedAt/UpdatedAt timestamps unless noted.
package model

import (
	"time"

	"github.com/google/uuid"
)

// MailboxRole is the access level a User has on a Mailbox.
type MailboxRole string

const (
	RoleViewer MailboxRole = "viewer"
	RoleEditor MailboxRole = "editor"
	RoleSender MailboxRole = "sender"
	RoleAdmin  MailboxRole = "admin"
)

// ThreadRole is the access level a Mailbox has on a Thread.
type ThreadRole string

const (
	ThreadRoleViewer ThreadRole = "viewer"
	ThreadRoleEditor ThreadRole = "editor"
)

// RecipientType distinguishes To/Cc/Bcc placement of a MessageRecipient.
type RecipientType string

const (
	RecipientTo  RecipientType = "to"
	RecipientCc  RecipientType = "cc"
	RecipientBcc RecipientType = "bcc"
)

// DeliveryStatus is the per-recipient delivery state (spec.md §3, §4.8).
type DeliveryStatus string

const (
	DeliveryInternal DeliveryStatus = "internal"
	DeliverySent     DeliveryStatus = "sent"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryRetry    DeliveryStatus = "retry"
)

// TemplateType distinguishes a free-form message template from a signature.
type TemplateType string

const (
	TemplateMessage   TemplateType = "message"
	TemplateSignature TemplateType = "signature"
)

// MailDomain is a served FQDN, optionally aliasing another MailDomain.
type MailDomain struct {
	ID               uuid.UUID              `db:"id"`
	Name             string                 `db:"name"`
	AliasOf          *uuid.UUID             `db:"alias_of"`
	OIDCAutojoin     bool                   `db:"oidc_autojoin"`
	IdentitySync     bool                   `db:"identity_sync"`
	CustomAttributes map[string]interface{} `db:"custom_attributes"`
	CustomSettings   map[string]interface{} `db:"custom_settings"`
	CreatedAt        time.Time              `db:"created_at"`
	UpdatedAt        time.Time              `db:"updated_at"`
}

// Mailbox is a server-side addressable inbox: local_part@domain.Name.
type Mailbox struct {
	ID         uuid.UUID  `db:"id"`
	LocalPart  string     `db:"local_part"`
	DomainID   uuid.UUID  `db:"domain_id"`
	ContactID  *uuid.UUID `db:"contact_id"`
	AliasOf    *uuid.UUID `db:"alias_of"`
	IsIdentity bool       `db:"is_identity"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

// Address returns the local_part@domain string form of the Mailbox.
func (m Mailbox) Address(domainName string) string {
	return m.LocalPart + "@" + domainName
}

// User is an authenticated principal that may hold MailboxAccess grants on
// one or more Mailboxes. Name/JobTitle/Department and CustomAttributes are
// the substitution source for signature templates (spec.md §4.8).
type User struct {
	ID               uuid.UUID              `db:"id"`
	Email            string                 `db:"email"`
	Name             string                 `db:"name"`
	JobTitle         string                 `db:"job_title"`
	Department       string                 `db:"department"`
	CustomAttributes map[string]interface{} `db:"custom_attributes"`
	CreatedAt        time.Time              `db:"created_at"`
	UpdatedAt        time.Time              `db:"updated_at"`
}

// MailboxAccess grants a User a role on a Mailbox.
type MailboxAccess struct {
	ID         uuid.UUID   `db:"id"`
	MailboxID  uuid.UUID   `db:"mailbox_id"`
	UserID     uuid.UUID   `db:"user_id"`
	Role       MailboxRole `db:"role"`
	AccessedAt *time.Time  `db:"accessed_at"`
	CreatedAt  time.Time   `db:"created_at"`
	UpdatedAt  time.Time   `db:"updated_at"`
}

// Contact represents one address-book entry scoped to a single Mailbox.
type Contact struct {
	ID        uuid.UUID `db:"id"`
	MailboxID uuid.UUID `db:"mailbox_id"`
	Email     string    `db:"email"`
	Name      string    `db:"name"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Thread is a user-visible conversation grouping with denormalized stats
// recomputed by the Thread Assembler (C4); see spec.md §4.4.
type Thread struct {
	ID            uuid.UUID  `db:"id"`
	Subject       string     `db:"subject"`
	Snippet       string     `db:"snippet"`
	MessagedAt    *time.Time `db:"messaged_at"`
	SenderNames   []string   `db:"sender_names"`
	HasUnread     bool       `db:"has_unread"`
	HasTrashed    bool       `db:"has_trashed"`
	HasDraft      bool       `db:"has_draft"`
	HasStarred    bool       `db:"has_starred"`
	HasSender     bool       `db:"has_sender"`
	HasAttachment bool       `db:"has_attachments"`
	HasActive     bool       `db:"has_active"`
	HasMessages   bool       `db:"has_messages"`
	IsSpam        bool       `db:"is_spam"`
	Summary       *string    `db:"summary"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// ThreadAccess grants a Mailbox a role on a Thread, tagged with the origin
// of the grant (e.g. "inbound", "outbound", "cc-watch").
type ThreadAccess struct {
	ID        uuid.UUID  `db:"id"`
	ThreadID  uuid.UUID  `db:"thread_id"`
	MailboxID uuid.UUID  `db:"mailbox_id"`
	Role      ThreadRole `db:"role"`
	Origin    string     `db:"origin"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"`
}

// Message is one mail object within a Thread; see spec.md §3 Invariants
// I2-I5 for mime_id/blob/draft semantics.
type Message struct {
	ID             uuid.UUID  `db:"id"`
	ThreadID       uuid.UUID  `db:"thread_id"`
	Subject        string     `db:"subject"`
	SenderID       uuid.UUID  `db:"sender_id"`
	ParentID       *uuid.UUID `db:"parent_id"`
	IsDraft        bool       `db:"is_draft"`
	IsSender       bool       `db:"is_sender"`
	IsStarred      bool       `db:"is_starred"`
	IsTrashed      bool       `db:"is_trashed"`
	IsUnread       bool       `db:"is_unread"`
	IsSpam         bool       `db:"is_spam"`
	IsArchived     bool       `db:"is_archived"`
	HasAttachment  bool       `db:"has_attachments"`
	SentAt         *time.Time `db:"sent_at"`
	ReadAt         *time.Time `db:"read_at"`
	ArchivedAt     *time.Time `db:"archived_at"`
	TrashedAt      *time.Time `db:"trashed_at"`
	MimeID         string     `db:"mime_id"`
	BlobID         *uuid.UUID `db:"blob_id"`
	DraftBlobID    *uuid.UUID `db:"draft_blob_id"`
	SignatureID    *uuid.UUID `db:"signature_id"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// MessageRecipient is one To/Cc/Bcc placement with its delivery state.
type MessageRecipient struct {
	ID              uuid.UUID       `db:"id"`
	MessageID       uuid.UUID       `db:"message_id"`
	ContactID       uuid.UUID       `db:"contact_id"`
	Type            RecipientType   `db:"type"`
	DeliveryStatus  *DeliveryStatus `db:"delivery_status"`
	DeliveryMessage *string         `db:"delivery_message"`
	DeliveredAt     *time.Time      `db:"delivered_at"`
	RetryAt         *time.Time      `db:"retry_at"`
	RetryCount      int             `db:"retry_count"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

// Blob is content-addressed (I5: sha256 of decoded content), owned by one
// Mailbox.
type Blob struct {
	ID               uuid.UUID `db:"id"`
	MailboxID        uuid.UUID `db:"mailbox_id"`
	SHA256           []byte    `db:"sha256"`
	Size             int64     `db:"size"`
	ContentType      string    `db:"content_type"`
	RawContent       []byte    `db:"raw_content"`
	SizeCompressed   *int64    `db:"size_compressed"`
	Compression      *string   `db:"compression"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

// Attachment is a sanitized-name file backed by a Blob, attachable to many
// Messages and optionally carrying a Content-ID for inline images.
type Attachment struct {
	ID        uuid.UUID `db:"id"`
	MailboxID uuid.UUID `db:"mailbox_id"`
	Name      string    `db:"name"`
	BlobID    uuid.UUID `db:"blob_id"`
	CID       *string   `db:"cid"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Label is a slash-hierarchical folder/tag scoped to one Mailbox (C10).
type Label struct {
	ID          uuid.UUID `db:"id"`
	MailboxID   uuid.UUID `db:"mailbox_id"`
	Name        string    `db:"name"`
	Slug        string    `db:"slug"`
	Color       string    `db:"color"`
	Description string    `db:"description"`
	IsAuto      bool      `db:"is_auto"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// MessageTemplate is a reusable signature or canned message, scoped to
// either a Mailbox or a MailDomain.
type MessageTemplate struct {
	ID         uuid.UUID    `db:"id"`
	MailboxID  *uuid.UUID   `db:"mailbox_id"`
	DomainID   *uuid.UUID   `db:"domain_id"`
	Type       TemplateType `db:"type"`
	IsActive   bool         `db:"is_active"`
	IsForced   bool         `db:"is_forced"`
	HTMLBody   string       `db:"html_body"`
	TextBody   string       `db:"text_body"`
	RawBody    []byte       `db:"raw_body"`
	BlobID     *uuid.UUID   `db:"blob_id"`
	CreatedAt  time.Time    `db:"created_at"`
	UpdatedAt  time.Time    `db:"updated_at"`
}

// DKIMKey is one RSA-SHA256 signing key for a domain+selector (C3).
type DKIMKey struct {
	ID         uuid.UUID `db:"id"`
	DomainID   uuid.UUID `db:"domain_id"`
	Selector   string    `db:"selector"`
	Algorithm  string    `db:"algorithm"`
	KeySize    int       `db:"key_size"`
	PrivateKey string    `db:"private_key"`
	PublicKey  string    `db:"public_key"`
	IsActive   bool      `db:"is_active"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

// InboundMessage is the spam-processing queue row (spec.md §4.5 Phase 1/2).
type InboundMessage struct {
	ID           uuid.UUID `db:"id"`
	MailboxID    uuid.UUID `db:"mailbox_id"`
	RawData      []byte    `db:"raw_data"`
	ErrorMessage *string   `db:"error_message"`
	CreatedAt    time.Time `db:"created_at"`
}

// NewID is a small helper kept next to the model so repositories don't each
// import google/uuid separately for primary-key generation.
func NewID() uuid.UUID {
	return uuid.New()
}
