package types

import "time"

// EmailAddress is one entry in a message address list (from/to/cc/bcc).
type EmailAddress struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// AttachmentMeta describes an attachment without its content. Attachment
// bodies are always fetched live and never persisted.
type AttachmentMeta struct {
	BlobID string `json:"blob_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Type   string `json:"type,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// MailItem is one cached message. The id is assigned by the remote server
// and never changes; mailbox membership and keywords are the only mutable
// relations.
type MailItem struct {
	ID            string           `json:"id"`
	ThreadID      string           `json:"thread_id,omitempty"`
	MailboxIDs    []string         `json:"mailbox_ids"`
	Subject       string           `json:"subject"`
	Preview       string           `json:"preview,omitempty"`
	From          []EmailAddress   `json:"from,omitempty"`
	To            []EmailAddress   `json:"to,omitempty"`
	Cc            []EmailAddress   `json:"cc,omitempty"`
	Bcc           []EmailAddress   `json:"bcc,omitempty"`
	ReplyTo       []EmailAddress   `json:"reply_to,omitempty"`
	SentAt        *time.Time       `json:"sent_at,omitempty"`
	ReceivedAt    time.Time        `json:"received_at"`
	Size          int64            `json:"size,omitempty"`
	HasAttachment bool             `json:"has_attachment"`
	Keywords      map[string]bool  `json:"keywords,omitempty"`
	MessageID     string           `json:"message_id,omitempty"`
	InReplyTo     string           `json:"in_reply_to,omitempty"`
	Attachments   []AttachmentMeta `json:"attachments,omitempty"`

	// Body fields are only populated when the caller asked for bodies;
	// list and search results leave them empty.
	BodyText string `json:"body_text,omitempty"`
	BodyHTML string `json:"body_html,omitempty"`
}

// Read reports whether the message carries the seen keyword.
func (m *MailItem) Read() bool {
	return m.Keywords["$seen"]
}

// SenderEmail returns the first from address, or an empty string.
func (m *MailItem) SenderEmail() string {
	if len(m.From) == 0 {
		return ""
	}
	return m.From[0].Email
}

// SenderName returns the first from display name, or an empty string.
func (m *MailItem) SenderName() string {
	if len(m.From) == 0 {
		return ""
	}
	return m.From[0].Name
}

// Mailbox is one cached folder. ParentID, when set, refers to another
// mailbox in the same account; dangling parents are repaired by the next
// full sync.
type Mailbox struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role,omitempty"`
	ParentID    string `json:"parent_id,omitempty"`
	SortOrder   int    `json:"sort_order,omitempty"`
	TotalCount  int    `json:"total_count"`
	UnreadCount int    `json:"unread_count"`
}

// SyncCursor records how far an account's cache has been synchronized.
// A cursor is only trusted while SchemaVersion matches the running code
// and AccountSignature matches the active credentials.
type SyncCursor struct {
	AccountSignature string    `json:"account_signature"`
	MailState        string    `json:"mail_state"`
	MailboxState     string    `json:"mailbox_state"`
	LastSyncAt       time.Time `json:"last_sync_at"`
	SchemaVersion    int       `json:"cache_schema_version"`
}
