package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/config"
	"github.com/tandemhq/tandem/internal/common/errors"
	"github.com/tandemhq/tandem/internal/common/logger"
)

// MCPSource connects to external MCP servers over stdio and registers their
// tools into a registry. Registered names are prefixed with the server name
// so two servers exposing the same tool cannot collide.
type MCPSource struct {
	logger *logger.Logger

	mu      sync.Mutex
	clients []*client.Client
}

// NewMCPSource creates an MCP source with no connections yet.
func NewMCPSource(log *logger.Logger) *MCPSource {
	if log == nil {
		log = logger.Default()
	}
	return &MCPSource{logger: log}
}

// Connect starts each configured server, lists its tools, and registers an
// adapter per tool. A server that fails to connect aborts the whole call;
// servers started before the failure stay connected until Close.
func (s *MCPSource) Connect(ctx context.Context, registry *Registry, servers []config.MCPServerConfig) error {
	for _, server := range servers {
		if err := s.connect(ctx, registry, server); err != nil {
			return err
		}
	}
	return nil
}

func (s *MCPSource) connect(ctx context.Context, registry *Registry, server config.MCPServerConfig) error {
	mcpClient, err := client.NewStdioMCPClient(server.Command, envList(server.Env), server.Args...)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("create mcp client for server %s", server.Name))
	}
	if err := mcpClient.Start(ctx); err != nil {
		return errors.Wrap(err, fmt.Sprintf("start mcp server %s", server.Name))
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "tandem", Version: "1.0.0"}
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return errors.Wrap(err, fmt.Sprintf("initialize mcp server %s", server.Name))
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return errors.Wrap(err, fmt.Sprintf("list tools on mcp server %s", server.Name))
	}

	for _, mcpTool := range listResp.Tools {
		adapter, err := adaptMCPTool(mcpClient, server.Name, mcpTool)
		if err != nil {
			mcpClient.Close()
			return err
		}
		if err := registry.Register(adapter); err != nil {
			mcpClient.Close()
			return err
		}
	}

	s.mu.Lock()
	s.clients = append(s.clients, mcpClient)
	s.mu.Unlock()

	s.logger.Info("connected to mcp server",
		zap.String("server", server.Name),
		zap.String("command", server.Command),
		zap.Int("tools", len(listResp.Tools)))
	return nil
}

// Close shuts down every connected server.
func (s *MCPSource) Close() {
	s.mu.Lock()
	clients := s.clients
	s.clients = nil
	s.mu.Unlock()

	for _, c := range clients {
		if err := c.Close(); err != nil {
			s.logger.Warn("closing mcp client", zap.Error(err))
		}
	}
}

// adaptMCPTool wraps a remote MCP tool as a registry tool. The remote input
// schema passes through verbatim so the provider sees what the server
// declared.
func adaptMCPTool(mcpClient *client.Client, serverName string, mcpTool mcp.Tool) (Tool, error) {
	schemaBytes, err := json.Marshal(mcpTool.InputSchema)
	if err != nil {
		return Tool{}, errors.Wrap(err, fmt.Sprintf("encode schema for mcp tool %s", mcpTool.Name))
	}

	description := mcpTool.Description
	if description == "" {
		description = fmt.Sprintf("MCP tool %s from server %s", mcpTool.Name, serverName)
	}

	remoteName := mcpTool.Name
	return Tool{
		Name:        serverName + "_" + mcpTool.Name,
		Description: description,
		InputSchema: schemaBytes,
		Handler: func(ctx context.Context, _ Call, input json.RawMessage) (string, error) {
			args := map[string]any{}
			if len(input) > 0 {
				if err := json.Unmarshal(input, &args); err != nil {
					return "", errors.Validation("input", fmt.Sprintf("mcp tool %s input is not valid JSON: %v", remoteName, err))
				}
			}

			req := mcp.CallToolRequest{}
			req.Params.Name = remoteName
			req.Params.Arguments = args

			resp, err := mcpClient.CallTool(ctx, req)
			if err != nil {
				return "", errors.Wrap(err, fmt.Sprintf("call mcp tool %s", remoteName))
			}

			text := flattenContent(resp.Content)
			if resp.IsError {
				if text == "" {
					text = fmt.Sprintf("mcp tool %s failed", remoteName)
				}
				return "", fmt.Errorf("%s", text)
			}
			return text, nil
		},
	}, nil
}

// flattenContent joins the text blocks of an MCP result. Non-text content is
// dropped.
func flattenContent(content []mcp.Content) string {
	var texts []string
	for _, c := range content {
		if textContent, ok := c.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// envList renders an env map as KEY=VALUE pairs with values expanded against
// the daemon's environment. Sorted so subprocess spawns are reproducible.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for key, value := range env {
		out = append(out, fmt.Sprintf("%s=%s", key, os.ExpandEnv(value)))
	}
	sort.Strings(out)
	return out
}
