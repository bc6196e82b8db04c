package cache

// SchemaVersion is stamped into every sync cursor. A cursor recorded
// under a different version is untrusted and forces a full rebuild.
const SchemaVersion = 1

// Schema contains SQL schema definitions for the cache. Timestamps are
// stored as Unix seconds so range filters and ordering compare as
// integers.
const Schema = `
-- One cursor per account signature
CREATE TABLE IF NOT EXISTS sync_cursors (
    account_signature TEXT PRIMARY KEY,
    mail_state TEXT NOT NULL DEFAULT '',
    mailbox_state TEXT NOT NULL DEFAULT '',
    last_sync_at INTEGER NOT NULL DEFAULT 0,
    schema_version INTEGER NOT NULL
);

-- Cached messages. Body columns stay NULL in metadata-only mode and are
-- backfilled from live fetches otherwise; sync never writes them.
CREATE TABLE IF NOT EXISTS messages (
    account_signature TEXT NOT NULL,
    id TEXT NOT NULL,
    thread_id TEXT,
    subject TEXT,
    preview TEXT,
    sender_name TEXT,
    sender_email TEXT,
    from_json TEXT,
    to_json TEXT,
    cc_json TEXT,
    bcc_json TEXT,
    reply_to_json TEXT,
    sent_at INTEGER,
    received_at INTEGER NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    has_attachment INTEGER NOT NULL DEFAULT 0,
    is_read INTEGER NOT NULL DEFAULT 0,
    keywords_json TEXT,
    message_id TEXT,
    in_reply_to TEXT,
    attachments_json TEXT,
    body_text TEXT,
    body_html TEXT,
    cached_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (account_signature, id)
);

-- Many-to-many message/mailbox membership
CREATE TABLE IF NOT EXISTS message_mailboxes (
    account_signature TEXT NOT NULL,
    message_id TEXT NOT NULL,
    mailbox_id TEXT NOT NULL,
    PRIMARY KEY (account_signature, message_id, mailbox_id)
);

-- Cached mailboxes
CREATE TABLE IF NOT EXISTS mailboxes (
    account_signature TEXT NOT NULL,
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    role TEXT,
    parent_id TEXT,
    sort_order INTEGER NOT NULL DEFAULT 0,
    total_count INTEGER NOT NULL DEFAULT 0,
    unread_count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (account_signature, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages(account_signature, received_at);
CREATE INDEX IF NOT EXISTS idx_messages_sender_email ON messages(account_signature, sender_email);
CREATE INDEX IF NOT EXISTS idx_messages_is_read ON messages(account_signature, is_read);
CREATE INDEX IF NOT EXISTS idx_message_mailboxes_mailbox ON message_mailboxes(account_signature, mailbox_id);
`
