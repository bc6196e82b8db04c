package tools

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mcp-jmap/internal/jmap"
	"github.com/brandon/mcp-jmap/internal/query"
	"github.com/brandon/mcp-jmap/pkg/types"
)

// SendMailTool sends a message. Sends pass through live and never touch
// the cache.
type SendMailTool struct {
	planner *query.Planner
	client  *jmap.Client
	logger  *logrus.Logger
}

// NewSendMailTool creates a new send mail tool
func NewSendMailTool(planner *query.Planner, client *jmap.Client, logger *logrus.Logger) *SendMailTool {
	return &SendMailTool{planner: planner, client: client, logger: logger}
}

// Name returns the tool name
func (t *SendMailTool) Name() string {
	return "send_mail"
}

// Description returns the tool description
func (t *SendMailTool) Description() string {
	return "Send an email message from the authenticated account"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SendMailTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"to": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Recipient email addresses",
			},
			"cc": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional: CC addresses",
			},
			"bcc": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional: BCC addresses",
			},
			"subject": map[string]interface{}{
				"type":        "string",
				"description": "Message subject",
			},
			"body_text": map[string]interface{}{
				"type":        "string",
				"description": "Plain text body (body_text or body_html required)",
			},
			"body_html": map[string]interface{}{
				"type":        "string",
				"description": "Optional: HTML body",
			},
		},
		"required": []string{"to", "subject"},
	}
}

// Execute executes the tool
func (t *SendMailTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	req := jmap.SendRequest{
		To:       toAddresses(paramAddressList(params, "to")),
		Cc:       toAddresses(paramAddressList(params, "cc")),
		Bcc:      toAddresses(paramAddressList(params, "bcc")),
		Subject:  paramString(params, "subject"),
		BodyText: paramString(params, "body_text"),
		BodyHTML: paramString(params, "body_html"),
	}

	// Drafts live in the role=drafts mailbox when the account has one.
	if mailboxes, _, err := t.planner.ListMailboxes(ctx); err == nil {
		for _, mb := range mailboxes {
			if mb.Role == "drafts" {
				req.DraftMailboxID = mb.ID
				break
			}
		}
	}

	emailID, err := t.client.Send(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	return map[string]interface{}{
		"status":   "sent",
		"email_id": emailID,
	}, nil
}

func toAddresses(emails []string) []types.EmailAddress {
	var out []types.EmailAddress
	for _, email := range emails {
		out = append(out, types.EmailAddress{Email: email})
	}
	return out
}
