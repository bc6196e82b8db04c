package tools

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mcp-jmap/internal/config"
	"github.com/brandon/mcp-jmap/internal/jmap"
	"github.com/brandon/mcp-jmap/internal/query"
)

// Registry manages MCP tools
type Registry struct {
	config  *config.Config
	logger  *logrus.Logger
	planner *query.Planner
	client  *jmap.Client
	tools   map[string]Tool
}

// Tool represents an MCP tool
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

// NewRegistry creates a new tool registry
func NewRegistry(cfg *config.Config, planner *query.Planner, client *jmap.Client, logger *logrus.Logger) (*Registry, error) {
	reg := &Registry{
		config:  cfg,
		logger:  logger,
		planner: planner,
		client:  client,
		tools:   make(map[string]Tool),
	}

	// Register all tools
	reg.registerTools()

	return reg, nil
}

// registerTools registers all available tools
func (r *Registry) registerTools() {
	toolList := []Tool{
		NewListMailTool(r.planner, r.logger),
		NewSearchMailTool(r.planner, r.logger),
		NewGetMailTool(r.planner, r.logger),
		NewListMailboxesTool(r.planner, r.logger),
		NewSendMailTool(r.planner, r.client, r.logger),
	}

	for _, tool := range toolList {
		if tool != nil {
			r.tools[tool.Name()] = tool
			r.logger.WithField("tool", tool.Name()).Debug("Registered tool")
		}
	}

	r.logger.WithField("count", len(r.tools)).Info("Registered tools")
}

// GetTool returns a tool by name
func (r *Registry) GetTool(name string) (Tool, bool) {
	tool, exists := r.tools[name]
	return tool, exists
}

// ListTools returns all registered tools
func (r *Registry) ListTools() []Tool {
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	return tools
}

// GetToolDefinitions returns tool definitions for MCP
func (r *Registry) GetToolDefinitions() []map[string]interface{} {
	definitions := make([]map[string]interface{}, 0, len(r.tools))
	for _, tool := range r.tools {
		definitions = append(definitions, map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"inputSchema": tool.InputSchema(),
		})
	}
	return definitions
}
