package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	mcp_sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/agentbridge/internal/auth"
	"github.com/HyphaGroup/agentbridge/internal/metrics"
)

// ToolHandler is a function that handles a tool call
type ToolHandler func(ctx context.Context, arguments json.RawMessage) (any, error)

type ctxKeyCallToolRequest struct{}

// WithCallToolRequest stores the MCP CallToolRequest in context
func WithCallToolRequest(ctx context.Context, req *mcp_sdk.CallToolRequest) context.Context {
	return context.WithValue(ctx, ctxKeyCallToolRequest{}, req)
}

// CallToolRequestFromContext retrieves the MCP CallToolRequest from context
func CallToolRequestFromContext(ctx context.Context) *mcp_sdk.CallToolRequest {
	if req, ok := ctx.Value(ctxKeyCallToolRequest{}).(*mcp_sdk.CallToolRequest); ok {
		return req
	}
	return nil
}

// ToolDef defines a tool with all metadata
type ToolDef struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Access      ToolAccess         `json:"access,omitempty"`
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

// Registry stores tool definitions and handlers
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*ToolDef
	handlers map[string]ToolHandler
	order    []string // preserve registration order
}

// NewRegistry creates a new tool registry
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*ToolDef),
		handlers: make(map[string]ToolHandler),
		order:    make([]string, 0),
	}
}

// Register adds a tool with its handler to the registry.
// The input schema is inferred from P unless def provides one.
func Register[P any](r *Registry, def ToolDef, handler func(ctx context.Context, req *mcp_sdk.CallToolRequest, params P) (*mcp_sdk.CallToolResult, any, error)) {
	if def.InputSchema == nil {
		def.InputSchema = GenerateSchema[P]()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tools[def.Name] = &def
	r.handlers[def.Name] = wrapHandler(def.Name, def.Access, handler)
	r.order = append(r.order, def.Name)
}

// GetTool returns a tool definition by name
func (r *Registry) GetTool(name string) (*ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// GetAllTools returns all tool definitions in registration order
func (r *Registry) GetAllTools() []*ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]*ToolDef, 0, len(r.order))
	for _, name := range r.order {
		if tool, ok := r.tools[name]; ok {
			tools = append(tools, tool)
		}
	}
	return tools
}

// GetToolsFor returns the tools the caller may invoke
func (r *Registry) GetToolsFor(authCtx *auth.AuthContext) []*ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]*ToolDef, 0)
	for _, name := range r.order {
		if def := r.tools[name]; IsToolAllowed(def, authCtx) {
			tools = append(tools, def)
		}
	}
	return tools
}

// CallTool executes a tool by name with JSON arguments
func (r *Registry) CallTool(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return handler(ctx, args)
}

// RegisterWithMCPServer registers all tools with an MCP SDK server
func (r *Registry) RegisterWithMCPServer(server *mcp_sdk.Server) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		def := r.tools[name]

		tool := &mcp_sdk.Tool{
			Name:        name,
			Description: def.Description,
			InputSchema: def.InputSchema,
		}

		h := r.handlers[name]
		server.AddTool(tool, func(ctx context.Context, req *mcp_sdk.CallToolRequest) (*mcp_sdk.CallToolResult, error) {
			ctx = WithCallToolRequest(ctx, req)
			var args json.RawMessage
			if req.Params != nil {
				args = req.Params.Arguments
			}
			result, err := h(ctx, args)
			if err != nil {
				return NewErrorResult(err.Error()), nil
			}
			if ctr, ok := result.(*mcp_sdk.CallToolResult); ok {
				return ctr, nil
			}
			data, err := json.Marshal(result)
			if err != nil {
				return NewErrorResult(err.Error()), nil
			}
			return NewTextResult(string(data)), nil
		})
	}
}

// wrapHandler decodes arguments, enforces access and counts the call
func wrapHandler[P any](name string, access ToolAccess, handler func(ctx context.Context, req *mcp_sdk.CallToolRequest, params P) (*mcp_sdk.CallToolResult, any, error)) ToolHandler {
	return func(ctx context.Context, args json.RawMessage) (result any, err error) {
		defer func() {
			status := "success"
			if err != nil {
				status = "error"
			}
			metrics.RecordToolCall(name, status)
		}()

		if !isAllowed(access, auth.FromContext(ctx)) {
			return nil, fmt.Errorf("tool %s is not permitted for this token", name)
		}

		var params P
		if len(args) > 0 && string(args) != "null" {
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, fmt.Errorf("invalid parameters: %w", err)
			}
		}

		req := CallToolRequestFromContext(ctx)
		if req == nil {
			req = &mcp_sdk.CallToolRequest{
				Params: &mcp_sdk.CallToolParamsRaw{
					Arguments: args,
				},
			}
		}

		ctr, data, err := handler(ctx, req, params)
		if err != nil {
			return nil, err
		}

		if ctr != nil && ctr.IsError {
			errMsg := "tool execution failed"
			if len(ctr.Content) > 0 {
				if textContent, ok := ctr.Content[0].(*mcp_sdk.TextContent); ok {
					errMsg = textContent.Text
				}
			}
			return nil, fmt.Errorf("%s", errMsg)
		}

		if data != nil {
			return data, nil
		}
		return ctr, nil
	}
}

// GenerateSchema infers a JSON Schema for P. Params types are plain
// structs, so inference failing is a programming error.
func GenerateSchema[P any]() *jsonschema.Schema {
	schema, err := jsonschema.For[P](nil)
	if err != nil {
		panic(fmt.Sprintf("mcp: cannot infer schema for %T: %v", *new(P), err))
	}
	return schema
}
