package tools

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mcp-jmap/internal/query"
)

// ListMailboxesTool lists the account's folders.
type ListMailboxesTool struct {
	planner *query.Planner
	logger  *logrus.Logger
}

// NewListMailboxesTool creates a new list mailboxes tool
func NewListMailboxesTool(planner *query.Planner, logger *logrus.Logger) *ListMailboxesTool {
	return &ListMailboxesTool{planner: planner, logger: logger}
}

// Name returns the tool name
func (t *ListMailboxesTool) Name() string {
	return "list_mailboxes"
}

// Description returns the tool description
func (t *ListMailboxesTool) Description() string {
	return "List mailboxes/folders for the authenticated account with message counts"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListMailboxesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

// Execute executes the tool
func (t *ListMailboxesTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	mailboxes, stale, err := t.planner.ListMailboxes(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}
	result := map[string]interface{}{
		"mailboxes": mailboxes,
		"count":     len(mailboxes),
	}
	if stale {
		result["stale"] = true
	}
	return result, nil
}
