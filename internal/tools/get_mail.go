package tools

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mcp-jmap/internal/query"
)

// GetMailTool retrieves one message by id.
type GetMailTool struct {
	planner *query.Planner
	logger  *logrus.Logger
}

// NewGetMailTool creates a new get mail tool
func NewGetMailTool(planner *query.Planner, logger *logrus.Logger) *GetMailTool {
	return &GetMailTool{planner: planner, logger: logger}
}

// Name returns the tool name
func (t *GetMailTool) Name() string {
	return "get_mail"
}

// Description returns the tool description
func (t *GetMailTool) Description() string {
	return "Get a specific message by id, optionally including its body content"
}

// InputSchema returns the JSON schema for tool inputs
func (t *GetMailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"message_id": map[string]interface{}{
				"type":        "string",
				"description": "The message id",
			},
			"include_body": map[string]interface{}{
				"type":        "boolean",
				"description": "Optional: Include full body content in the result",
			},
		},
		"required": []string{"message_id"},
	}
}

// Execute executes the tool
func (t *GetMailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	includeBody := false
	if b := paramBool(params, "include_body"); b != nil {
		includeBody = *b
	}

	item, err := t.planner.GetMessage(ctx, paramString(params, "message_id"), includeBody)
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return item, nil
}
