package tools

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mcp-jmap/internal/jmap"
	"github.com/brandon/mcp-jmap/internal/query"
)

// SearchMailTool searches messages with structured filters.
type SearchMailTool struct {
	planner *query.Planner
	logger  *logrus.Logger
}

// NewSearchMailTool creates a new search mail tool
func NewSearchMailTool(planner *query.Planner, logger *logrus.Logger) *SearchMailTool {
	return &SearchMailTool{planner: planner, logger: logger}
}

// Name returns the tool name
func (t *SearchMailTool) Name() string {
	return "search_mail"
}

// Description returns the tool description
func (t *SearchMailTool) Description() string {
	return "Search messages with filters (sender, subject, mailbox, read state, attachments, date range) and pagination"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SearchMailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"sender": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by sender email or name (substring match)",
			},
			"subject": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by subject (substring match)",
			},
			"mailbox_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Filter by mailbox membership",
			},
			"read": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Filter by read (true) or unread (false) state",
			},
			"has_attachment": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Filter by attachment presence",
			},
			"date_start": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Inclusive start date (RFC 3339 or YYYY-MM-DD)",
			},
			"date_end": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Exclusive end date (RFC 3339 or YYYY-MM-DD)",
			},
			"sort_by": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Sort field (received_at, sent_at, subject, from); default received_at",
				"enum":        []string{"received_at", "sent_at", "subject", "from"},
			},
			"ascending": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Sort ascending instead of descending",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Result limit (default: 10, max: 100)",
				"minimum":     1,
				"maximum":     100,
			},
			"offset": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Result offset for pagination",
				"minimum":     0,
			},
		},
	}
}

// Execute executes the tool
func (t *SearchMailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	req := query.Request{
		Limit:         paramInt(params, "limit"),
		Offset:        paramInt(params, "offset"),
		Sender:        paramString(params, "sender"),
		Subject:       paramString(params, "subject"),
		MailboxID:     paramString(params, "mailbox_id"),
		Read:          paramBool(params, "read"),
		HasAttachment: paramBool(params, "has_attachment"),
		SortBy:        paramString(params, "sort_by"),
	}
	if asc := paramBool(params, "ascending"); asc != nil {
		req.Ascending = *asc
	}

	var err error
	if req.DateFrom, err = paramTime(params, "date_start"); err != nil {
		return nil, jmap.ValidationError(err.Error())
	}
	if req.DateTo, err = paramTime(params, "date_end"); err != nil {
		return nil, jmap.ValidationError(err.Error())
	}

	page, err := t.planner.Answer(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return page, nil
}
