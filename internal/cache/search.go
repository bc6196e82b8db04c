package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/brandon/mcp-jmap/pkg/types"
)

// SearchOptions contains cache query parameters. All predicates combine
// conjunctively.
type SearchOptions struct {
	Sender        *string
	Subject       *string
	MailboxID     *string
	Read          *bool
	HasAttachment *bool
	DateFrom      *time.Time // inclusive
	DateTo        *time.Time // exclusive
	SortBy        string     // received_at (default), sent_at, subject, from
	Ascending     bool
	Limit         int
	Offset        int
}

const messageColumns = `id, thread_id, subject, preview, sender_name, sender_email,
	from_json, to_json, cc_json, bcc_json, reply_to_json,
	sent_at, received_at, size, has_attachment, is_read,
	keywords_json, message_id, in_reply_to, attachments_json`

var sortColumns = map[string]string{
	"received_at": "received_at",
	"sent_at":     "sent_at",
	"subject":     "subject",
	"from":        "sender_email",
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*types.MailItem, error) {
	var m types.MailItem
	var threadID, subject, preview, senderName, senderEmail sql.NullString
	var fromJSON, toJSON, ccJSON, bccJSON, replyToJSON sql.NullString
	var keywordsJSON, messageID, inReplyTo, attachmentsJSON sql.NullString
	var sentAt sql.NullInt64
	var receivedAt int64
	var hasAttachment, isRead int

	err := row.Scan(
		&m.ID, &threadID, &subject, &preview, &senderName, &senderEmail,
		&fromJSON, &toJSON, &ccJSON, &bccJSON, &replyToJSON,
		&sentAt, &receivedAt, &m.Size, &hasAttachment, &isRead,
		&keywordsJSON, &messageID, &inReplyTo, &attachmentsJSON,
	)
	if err != nil {
		return nil, err
	}

	m.ThreadID = threadID.String
	m.Subject = subject.String
	m.Preview = preview.String
	m.MessageID = messageID.String
	m.InReplyTo = inReplyTo.String
	m.ReceivedAt = time.Unix(receivedAt, 0).UTC()
	if sentAt.Valid {
		t := time.Unix(sentAt.Int64, 0).UTC()
		m.SentAt = &t
	}
	m.HasAttachment = hasAttachment != 0

	for _, field := range []struct {
		raw  sql.NullString
		dest interface{}
	}{
		{fromJSON, &m.From},
		{toJSON, &m.To},
		{ccJSON, &m.Cc},
		{bccJSON, &m.Bcc},
		{replyToJSON, &m.ReplyTo},
		{keywordsJSON, &m.Keywords},
		{attachmentsJSON, &m.Attachments},
	} {
		if field.raw.Valid && field.raw.String != "" {
			if err := json.Unmarshal([]byte(field.raw.String), field.dest); err != nil {
				return nil, fmt.Errorf("failed to unmarshal message field: %w", err)
			}
		}
	}
	return &m, nil
}

// Search runs a filtered, ordered, paginated query against the cache and
// returns the matching page together with the total match count.
func (s *Store) Search(account string, opts SearchOptions) ([]types.MailItem, int, error) {
	conditions := []string{"account_signature = ?"}
	args := []interface{}{account}

	if opts.Sender != nil {
		conditions = append(conditions, "(sender_email LIKE ? OR sender_name LIKE ?)")
		term := "%" + *opts.Sender + "%"
		args = append(args, term, term)
	}
	if opts.Subject != nil {
		conditions = append(conditions, "subject LIKE ?")
		args = append(args, "%"+*opts.Subject+"%")
	}
	if opts.MailboxID != nil {
		conditions = append(conditions, `EXISTS (
			SELECT 1 FROM message_mailboxes mm
			WHERE mm.account_signature = messages.account_signature
			  AND mm.message_id = messages.id AND mm.mailbox_id = ?
		)`)
		args = append(args, *opts.MailboxID)
	}
	if opts.Read != nil {
		conditions = append(conditions, "is_read = ?")
		if *opts.Read {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if opts.HasAttachment != nil {
		conditions = append(conditions, "has_attachment = ?")
		if *opts.HasAttachment {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if opts.DateFrom != nil {
		conditions = append(conditions, "received_at >= ?")
		args = append(args, opts.DateFrom.Unix())
	}
	if opts.DateTo != nil {
		conditions = append(conditions, "received_at < ?")
		args = append(args, opts.DateTo.Unix())
	}

	where := "WHERE " + strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM messages " + where
	if err := s.cache.DB().QueryRow(countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count search results: %w", err)
	}

	sortColumn, ok := sortColumns[opts.SortBy]
	if !ok {
		sortColumn = "received_at"
	}
	direction := "DESC"
	if opts.Ascending {
		direction = "ASC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	query := fmt.Sprintf(
		"SELECT %s FROM messages %s ORDER BY %s %s, id %s LIMIT ? OFFSET ?",
		messageColumns, where, sortColumn, direction, direction,
	)
	args = append(args, limit, opts.Offset)

	rows, err := s.cache.DB().Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	var items []types.MailItem
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan message: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate search results: %w", err)
	}

	for i := range items {
		if err := s.loadMailboxLinks(account, &items[i]); err != nil {
			return nil, 0, err
		}
	}
	return items, total, nil
}
