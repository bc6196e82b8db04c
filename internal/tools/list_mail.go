package tools

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mcp-jmap/internal/query"
)

// ListMailTool returns recent messages ordered by receipt time.
type ListMailTool struct {
	planner *query.Planner
	logger  *logrus.Logger
}

// NewListMailTool creates a new list mail tool
func NewListMailTool(planner *query.Planner, logger *logrus.Logger) *ListMailTool {
	return &ListMailTool{planner: planner, logger: logger}
}

// Name returns the tool name
func (t *ListMailTool) Name() string {
	return "list_mail"
}

// Description returns the tool description
func (t *ListMailTool) Description() string {
	return "List recent messages for the authenticated account, newest first"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListMailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
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
			"mailbox_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional: Restrict to one mailbox",
			},
		},
	}
}

// Execute executes the tool
func (t *ListMailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	page, err := t.planner.Answer(ctx, query.Request{
		Limit:     paramInt(params, "limit"),
		Offset:    paramInt(params, "offset"),
		MailboxID: paramString(params, "mailbox_id"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return page, nil
}
