// Package research connects the engine to external MCP research servers.
// News and catalyst agents use it for headline retrieval beyond what the
// market data provider carries; without configured servers the agents
// simply work from provider data.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/stockcouncil/stockcouncil/internal/config"
	"github.com/stockcouncil/stockcouncil/internal/metrics"
)

const (
	clientName    = "stockcouncil-research"
	clientVersion = "1.0.0"

	toolCallTimeout = 60 * time.Second

	// SearchNewsTool is the tool name research servers are expected to
	// expose for headline search.
	SearchNewsTool = "search_news"
)

// Headline is one research result returned by a news tool
type Headline struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Summary     string    `json:"summary"`
}

// session is the part of *mcp.ClientSession the gateway uses. Tests
// substitute scripted sessions here.
type session interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	Close() error
}

// Gateway maintains MCP sessions to the configured research servers and
// routes tool calls to them.
type Gateway struct {
	client  *mcp.Client
	servers []config.ResearchServerConfig

	mu       sync.RWMutex
	sessions map[string]session
	tools    map[string][]string // server name -> advertised tool names
}

// NewGateway creates a research gateway. Call Connect before use.
func NewGateway(cfg config.ResearchConfig) *Gateway {
	return &Gateway{
		client: mcp.NewClient(
			&mcp.Implementation{
				Name:    clientName,
				Version: clientVersion,
			},
			nil,
		),
		servers:  cfg.Servers,
		sessions: make(map[string]session),
		tools:    make(map[string][]string),
	}
}

// Connect establishes sessions to every configured server. Servers that
// fail to connect are skipped with a warning; research is enrichment,
// not a hard dependency. An error is returned only when servers were
// configured and none came up. The context should span the engine
// lifetime because stdio servers are child processes bound to it.
func (g *Gateway) Connect(ctx context.Context) error {
	if len(g.servers) == 0 {
		log.Debug().Msg("No research servers configured")
		return nil
	}

	successCount := 0
	var lastErr error

	for _, sc := range g.servers {
		sess, err := g.connect(ctx, sc)
		if err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Str("server", sc.Name).
				Str("transport", sc.Transport).
				Msg("Failed to connect research server, continuing without it")
			continue
		}

		init := sess.InitializeResult()
		log.Info().
			Str("server", sc.Name).
			Str("server_name", init.ServerInfo.Name).
			Str("server_version", init.ServerInfo.Version).
			Msg("Research server connected")

		g.addSession(sc.Name, sess, g.discoverTools(ctx, sc.Name, sess))
		successCount++
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all %d research servers failed to connect: %w", len(g.servers), lastErr)
	}
	return nil
}

func (g *Gateway) connect(ctx context.Context, sc config.ResearchServerConfig) (*mcp.ClientSession, error) {
	switch sc.Transport {
	case "stdio":
		cmd := exec.CommandContext(ctx, sc.Command, sc.Args...) // #nosec G204 command comes from operator config
		if len(sc.Env) > 0 {
			cmd.Env = os.Environ()
			for key, val := range sc.Env {
				cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, val))
			}
		}
		return g.client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)

	case "sse":
		return g.client.Connect(ctx, &mcp.SSEClientTransport{Endpoint: sc.URL}, nil)

	default:
		return nil, fmt.Errorf("unknown research transport %q for %s", sc.Transport, sc.Name)
	}
}

func (g *Gateway) discoverTools(ctx context.Context, name string, sess session) []string {
	result, err := sess.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		log.Warn().Err(err).Str("server", name).Msg("Failed to list research tools")
		return nil
	}

	names := make([]string, 0, len(result.Tools))
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func (g *Gateway) addSession(name string, sess session, tools []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[name] = sess
	g.tools[name] = tools
}

// Available reports whether at least one research server is connected
func (g *Gateway) Available() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions) > 0
}

// Servers returns the connected server names, sorted
func (g *Gateway) Servers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.sessions))
	for name := range g.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// serversWithTool returns connected servers advertising the tool; when
// none advertise it (tool listing may have failed) every connected
// server is a candidate.
func (g *Gateway) serversWithTool(tool string) []string {
	all := g.Servers()

	g.mu.RLock()
	defer g.mu.RUnlock()

	var matched []string
	for _, name := range all {
		for _, t := range g.tools[name] {
			if t == tool {
				matched = append(matched, name)
				break
			}
		}
	}
	if len(matched) == 0 {
		return all
	}
	return matched
}

// CallTool invokes a tool on a specific server and returns the raw JSON
// payload of the first text content block.
func (g *Gateway) CallTool(ctx context.Context, server, tool string, arguments map[string]interface{}) (json.RawMessage, error) {
	g.mu.RLock()
	sess, ok := g.sessions[server]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("research server %s not connected", server)
	}

	toolCtx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()

	start := time.Now()
	result, err := sess.CallTool(toolCtx, &mcp.CallToolParams{
		Name:      tool,
		Arguments: arguments,
	})
	metrics.RecordResearchToolCall(server, err)
	if err != nil {
		return nil, fmt.Errorf("tool %s on %s failed: %w", tool, server, err)
	}

	log.Debug().
		Str("server", server).
		Str("tool", tool).
		Dur("duration", time.Since(start)).
		Msg("Research tool call completed")

	text, err := firstText(result)
	if err != nil {
		return nil, fmt.Errorf("tool %s on %s: %w", tool, server, err)
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %s on %s returned error: %s", tool, server, text)
	}
	return json.RawMessage(text), nil
}

func firstText(result *mcp.CallToolResult) (string, error) {
	if len(result.Content) == 0 {
		return "", fmt.Errorf("empty result content")
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		return "", fmt.Errorf("unexpected content type %T", result.Content[0])
	}
	return text.Text, nil
}

// SearchNews queries research servers for headlines about a symbol or
// topic. Servers advertising the search_news tool are tried in name
// order until one answers.
func (g *Gateway) SearchNews(ctx context.Context, query string, limit int) ([]Headline, error) {
	if !g.Available() {
		return nil, fmt.Errorf("no research servers connected")
	}
	if limit <= 0 {
		limit = 10
	}

	arguments := map[string]interface{}{
		"query": query,
		"limit": limit,
	}

	var lastErr error
	for _, server := range g.serversWithTool(SearchNewsTool) {
		payload, err := g.CallTool(ctx, server, SearchNewsTool, arguments)
		if err != nil {
			lastErr = err
			continue
		}

		headlines, err := decodeHeadlines(payload)
		if err != nil {
			lastErr = fmt.Errorf("server %s: %w", server, err)
			continue
		}
		return headlines, nil
	}

	return nil, fmt.Errorf("news search failed on all research servers: %w", lastErr)
}

// decodeHeadlines accepts either a bare array or a {"headlines": [...]}
// wrapper; external servers use both shapes.
func decodeHeadlines(payload json.RawMessage) ([]Headline, error) {
	var headlines []Headline
	if err := json.Unmarshal(payload, &headlines); err == nil {
		return headlines, nil
	}

	var wrapped struct {
		Headlines []Headline `json:"headlines"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, fmt.Errorf("failed to parse headlines payload: %w", err)
	}
	return wrapped.Headlines, nil
}

// Close shuts down all sessions
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var lastErr error
	for name, sess := range g.sessions {
		if err := sess.Close(); err != nil {
			lastErr = err
			log.Error().Err(err).Str("server", name).Msg("Failed to close research session")
		}
	}
	g.sessions = make(map[string]session)
	g.tools = make(map[string][]string)
	return lastErr
}
