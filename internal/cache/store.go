package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mcp-jmap/pkg/types"
)

// Store provides methods for storing and retrieving cached mail data.
// All mutation goes through ApplySync so a crash can never advance a
// cursor past unapplied rows.
type Store struct {
	cache  *Cache
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(cache *Cache, logger *logrus.Logger) *Store {
	return &Store{
		cache:  cache,
		logger: logger,
	}
}

// SyncBatch is one transactional unit of sync output: every row change
// in the batch is applied together with the cursor, or none are.
type SyncBatch struct {
	UpsertMessages   []types.MailItem
	DeleteMessageIDs []string
	UpsertMailboxes  []types.Mailbox
	DeleteMailboxIDs []string

	// Cursor, when set, is persisted in the same transaction. A nil
	// cursor leaves the stored cursor untouched (full-sync pages commit
	// rows without advancing state).
	Cursor *types.SyncCursor
}

// ApplySync applies one sync batch atomically.
func (s *Store) ApplySync(account string, batch SyncBatch) error {
	tx, err := s.cache.DB().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin sync transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range batch.UpsertMailboxes {
		if err := upsertMailboxTx(tx, account, &batch.UpsertMailboxes[i]); err != nil {
			return err
		}
	}
	for _, id := range batch.DeleteMailboxIDs {
		if _, err := tx.Exec("DELETE FROM mailboxes WHERE account_signature = ? AND id = ?", account, id); err != nil {
			return fmt.Errorf("failed to delete mailbox: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM message_mailboxes WHERE account_signature = ? AND mailbox_id = ?", account, id); err != nil {
			return fmt.Errorf("failed to delete mailbox links: %w", err)
		}
	}

	for i := range batch.UpsertMessages {
		if err := upsertMessageTx(tx, account, &batch.UpsertMessages[i]); err != nil {
			return err
		}
	}
	for _, id := range batch.DeleteMessageIDs {
		if _, err := tx.Exec("DELETE FROM messages WHERE account_signature = ? AND id = ?", account, id); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM message_mailboxes WHERE account_signature = ? AND message_id = ?", account, id); err != nil {
			return fmt.Errorf("failed to delete message links: %w", err)
		}
	}

	if batch.Cursor != nil {
		if err := setCursorTx(tx, batch.Cursor); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync transaction: %w", err)
	}
	return nil
}

func upsertMessageTx(tx *sql.Tx, account string, m *types.MailItem) error {
	fromJSON, err := json.Marshal(m.From)
	if err != nil {
		return fmt.Errorf("failed to marshal from addresses: %w", err)
	}
	toJSON, err := json.Marshal(m.To)
	if err != nil {
		return fmt.Errorf("failed to marshal to addresses: %w", err)
	}
	ccJSON, err := json.Marshal(m.Cc)
	if err != nil {
		return fmt.Errorf("failed to marshal cc addresses: %w", err)
	}
	bccJSON, err := json.Marshal(m.Bcc)
	if err != nil {
		return fmt.Errorf("failed to marshal bcc addresses: %w", err)
	}
	replyToJSON, err := json.Marshal(m.ReplyTo)
	if err != nil {
		return fmt.Errorf("failed to marshal reply-to addresses: %w", err)
	}
	keywordsJSON, err := json.Marshal(m.Keywords)
	if err != nil {
		return fmt.Errorf("failed to marshal keywords: %w", err)
	}
	attachmentsJSON, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("failed to marshal attachments: %w", err)
	}

	var sentAt interface{}
	if m.SentAt != nil {
		sentAt = m.SentAt.Unix()
	}
	isRead := 0
	if m.Read() {
		isRead = 1
	}
	hasAttachment := 0
	if m.HasAttachment {
		hasAttachment = 1
	}

	query := `
		INSERT INTO messages (
			account_signature, id, thread_id, subject, preview,
			sender_name, sender_email, from_json, to_json, cc_json, bcc_json, reply_to_json,
			sent_at, received_at, size, has_attachment, is_read,
			keywords_json, message_id, in_reply_to, attachments_json, cached_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_signature, id) DO UPDATE SET
			thread_id = excluded.thread_id,
			subject = excluded.subject,
			preview = excluded.preview,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			from_json = excluded.from_json,
			to_json = excluded.to_json,
			cc_json = excluded.cc_json,
			bcc_json = excluded.bcc_json,
			reply_to_json = excluded.reply_to_json,
			sent_at = excluded.sent_at,
			received_at = excluded.received_at,
			size = excluded.size,
			has_attachment = excluded.has_attachment,
			is_read = excluded.is_read,
			keywords_json = excluded.keywords_json,
			message_id = excluded.message_id,
			in_reply_to = excluded.in_reply_to,
			attachments_json = excluded.attachments_json,
			cached_at = excluded.cached_at
	`
	_, err = tx.Exec(query,
		account, m.ID, m.ThreadID, m.Subject, m.Preview,
		m.SenderName(), m.SenderEmail(), string(fromJSON), string(toJSON), string(ccJSON), string(bccJSON), string(replyToJSON),
		sentAt, m.ReceivedAt.Unix(), m.Size, hasAttachment, isRead,
		string(keywordsJSON), m.MessageID, m.InReplyTo, string(attachmentsJSON), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}

	// Mailbox membership is replaced wholesale: it is the only mutable
	// relation besides keywords and arrives complete on every fetch.
	if _, err := tx.Exec("DELETE FROM message_mailboxes WHERE account_signature = ? AND message_id = ?", account, m.ID); err != nil {
		return fmt.Errorf("failed to clear message links: %w", err)
	}
	for _, mailboxID := range m.MailboxIDs {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO message_mailboxes (account_signature, message_id, mailbox_id) VALUES (?, ?, ?)",
			account, m.ID, mailboxID,
		); err != nil {
			return fmt.Errorf("failed to insert message link: %w", err)
		}
	}
	return nil
}

func upsertMailboxTx(tx *sql.Tx, account string, mb *types.Mailbox) error {
	query := `
		INSERT INTO mailboxes (account_signature, id, name, role, parent_id, sort_order, total_count, unread_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_signature, id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			parent_id = excluded.parent_id,
			sort_order = excluded.sort_order,
			total_count = excluded.total_count,
			unread_count = excluded.unread_count
	`
	if _, err := tx.Exec(query, account, mb.ID, mb.Name, mb.Role, mb.ParentID, mb.SortOrder, mb.TotalCount, mb.UnreadCount); err != nil {
		return fmt.Errorf("failed to upsert mailbox: %w", err)
	}
	return nil
}

func setCursorTx(tx *sql.Tx, cursor *types.SyncCursor) error {
	query := `
		INSERT INTO sync_cursors (account_signature, mail_state, mailbox_state, last_sync_at, schema_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_signature) DO UPDATE SET
			mail_state = excluded.mail_state,
			mailbox_state = excluded.mailbox_state,
			last_sync_at = excluded.last_sync_at,
			schema_version = excluded.schema_version
	`
	if _, err := tx.Exec(query,
		cursor.AccountSignature, cursor.MailState, cursor.MailboxState,
		cursor.LastSyncAt.Unix(), cursor.SchemaVersion,
	); err != nil {
		return fmt.Errorf("failed to upsert cursor: %w", err)
	}
	return nil
}

// GetCursor returns the stored cursor for an account, or nil when the
// account has never completed a sync.
func (s *Store) GetCursor(account string) (*types.SyncCursor, error) {
	row := s.cache.DB().QueryRow(
		"SELECT account_signature, mail_state, mailbox_state, last_sync_at, schema_version FROM sync_cursors WHERE account_signature = ?",
		account,
	)
	var cursor types.SyncCursor
	var lastSync int64
	err := row.Scan(&cursor.AccountSignature, &cursor.MailState, &cursor.MailboxState, &lastSync, &cursor.SchemaVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}
	cursor.LastSyncAt = time.Unix(lastSync, 0).UTC()
	return &cursor, nil
}

// SetCursor persists a cursor outside a row batch.
func (s *Store) SetCursor(cursor *types.SyncCursor) error {
	return s.ApplySync(cursor.AccountSignature, SyncBatch{Cursor: cursor})
}

// ResetAccount discards every cached row and the cursor for one account.
func (s *Store) ResetAccount(account string) error {
	tx, err := s.cache.DB().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin reset transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"messages", "message_mailboxes", "mailboxes", "sync_cursors"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE account_signature = ?", account); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	s.logger.WithField("account", account).Info("Cache invalidated for account")
	return nil
}

// PurgeStaleAccounts removes rows recorded under any signature other
// than the active one. A signature change means different credentials;
// the old rows must be gone before the next full sync begins.
func (s *Store) PurgeStaleAccounts(active string) error {
	tx, err := s.cache.DB().Begin()
	if err != nil {
		return fmt.Errorf("failed to begin purge transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"messages", "message_mailboxes", "mailboxes", "sync_cursors"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE account_signature != ?", active); err != nil {
			return fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}
	return nil
}

// GetMessage retrieves one cached message by id.
func (s *Store) GetMessage(account, id string) (*types.MailItem, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE account_signature = ? AND id = ?"
	row := s.cache.DB().QueryRow(query, account, id)
	item, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if err := s.loadMailboxLinks(account, item); err != nil {
		return nil, err
	}
	return item, nil
}

// GetMessageBody returns cached body content for a message. ok is false
// when the row is absent or no body has been backfilled yet.
func (s *Store) GetMessageBody(account, id string) (text, html string, ok bool, err error) {
	row := s.cache.DB().QueryRow(
		"SELECT body_text, body_html FROM messages WHERE account_signature = ? AND id = ?",
		account, id,
	)
	var bodyText, bodyHTML sql.NullString
	err = row.Scan(&bodyText, &bodyHTML)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("failed to get message body: %w", err)
	}
	if !bodyText.Valid && !bodyHTML.Valid {
		return "", "", false, nil
	}
	return bodyText.String, bodyHTML.String, true, nil
}

// SetMessageBody backfills body content onto an already-cached row. A
// miss is not an error; bodies are only kept alongside cached metadata.
func (s *Store) SetMessageBody(account, id, text, html string) error {
	_, err := s.cache.DB().Exec(
		"UPDATE messages SET body_text = ?, body_html = ? WHERE account_signature = ? AND id = ?",
		text, html, account, id,
	)
	if err != nil {
		return fmt.Errorf("failed to set message body: %w", err)
	}
	return nil
}

func (s *Store) loadMailboxLinks(account string, item *types.MailItem) error {
	rows, err := s.cache.DB().Query(
		"SELECT mailbox_id FROM message_mailboxes WHERE account_signature = ? AND message_id = ? ORDER BY mailbox_id",
		account, item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to load mailbox links: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var mailboxID string
		if err := rows.Scan(&mailboxID); err != nil {
			return fmt.Errorf("failed to scan mailbox link: %w", err)
		}
		item.MailboxIDs = append(item.MailboxIDs, mailboxID)
	}
	return rows.Err()
}

// ListMailboxes returns all cached mailboxes for an account.
func (s *Store) ListMailboxes(account string) ([]types.Mailbox, error) {
	rows, err := s.cache.DB().Query(
		"SELECT id, name, role, parent_id, sort_order, total_count, unread_count FROM mailboxes WHERE account_signature = ? ORDER BY sort_order, name",
		account,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query mailboxes: %w", err)
	}
	defer rows.Close()

	var mailboxes []types.Mailbox
	for rows.Next() {
		var mb types.Mailbox
		var role, parentID sql.NullString
		if err := rows.Scan(&mb.ID, &mb.Name, &role, &parentID, &mb.SortOrder, &mb.TotalCount, &mb.UnreadCount); err != nil {
			return nil, fmt.Errorf("failed to scan mailbox: %w", err)
		}
		mb.Role = role.String
		mb.ParentID = parentID.String
		mailboxes = append(mailboxes, mb)
	}
	return mailboxes, rows.Err()
}

// CountMessages returns how many messages are cached for an account.
func (s *Store) CountMessages(account string) (int, error) {
	var count int
	err := s.cache.DB().QueryRow("SELECT COUNT(*) FROM messages WHERE account_signature = ?", account).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// Evict deletes rows beyond the retention window or row ceiling, oldest
// received_at first, until the account is within both limits. Runs at
// startup and after every successful sync.
func (s *Store) Evict(account string, retentionDays, maxRows int) (int64, error) {
	tx, err := s.cache.DB().Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin eviction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var evicted int64
	if retentionDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
		res, err := tx.Exec("DELETE FROM messages WHERE account_signature = ? AND received_at < ?", account, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to evict by retention: %w", err)
		}
		n, _ := res.RowsAffected()
		evicted += n
	}

	if maxRows > 0 {
		var count int
		if err := tx.QueryRow("SELECT COUNT(*) FROM messages WHERE account_signature = ?", account).Scan(&count); err != nil {
			return 0, fmt.Errorf("failed to count messages for eviction: %w", err)
		}
		if count > maxRows {
			res, err := tx.Exec(`
				DELETE FROM messages WHERE account_signature = ? AND id IN (
					SELECT id FROM messages WHERE account_signature = ?
					ORDER BY received_at ASC LIMIT ?
				)`, account, account, count-maxRows)
			if err != nil {
				return 0, fmt.Errorf("failed to evict by row count: %w", err)
			}
			n, _ := res.RowsAffected()
			evicted += n
		}
	}

	if evicted > 0 {
		if _, err := tx.Exec(`
			DELETE FROM message_mailboxes WHERE account_signature = ? AND message_id NOT IN (
				SELECT id FROM messages WHERE account_signature = ?
			)`, account, account); err != nil {
			return 0, fmt.Errorf("failed to evict orphaned links: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit eviction: %w", err)
	}
	if evicted > 0 {
		s.logger.WithField("evicted", evicted).Info("Evicted cached messages")
	}
	return evicted, nil
}
