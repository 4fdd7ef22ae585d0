// Package mcpserver exposes one owner's conversation engine as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/comigor/chatsync/internal/codec"
	"github.com/comigor/chatsync/internal/engine"
	"github.com/comigor/chatsync/internal/logger"
)

// Server binds the tool handlers to an engine.
type Server struct {
	eng *engine.Engine
	mcp *server.MCPServer
}

// New registers the chat tools for eng.
func New(eng *engine.Engine, version string) *Server {
	s := &Server{
		eng: eng,
		mcp: server.NewMCPServer("chatsync", version, server.WithToolCapabilities(false)),
	}

	s.mcp.AddTool(mcp.NewTool("send_message",
		mcp.WithDescription("Send a message in the active chat session and wait for the assistant reply"),
		mcp.WithString("message", mcp.Required(), mcp.Description("Text to send")),
	), s.handleSendMessage)

	s.mcp.AddTool(mcp.NewTool("new_session",
		mcp.WithDescription("Start a new, empty chat session and make it active"),
		mcp.WithString("label", mcp.Description("Optional display label")),
	), s.handleNewSession)

	s.mcp.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List chat sessions, most recent first"),
	), s.handleListSessions)

	s.mcp.AddTool(mcp.NewTool("switch_session",
		mcp.WithDescription("Load a chat session from the store and make it active"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to activate")),
	), s.handleSwitchSession)

	s.mcp.AddTool(mcp.NewTool("get_transcript",
		mcp.WithDescription("Return the messages of a session, the active one by default"),
		mcp.WithString("session_id", mcp.Description("Session to read")),
	), s.handleGetTranscript)

	return s
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (s *Server) ServeStdio() error {
	logger.L.Info("serving MCP over stdio", "owner", s.eng.Owner())
	return server.ServeStdio(s.mcp)
}

type sessionView struct {
	ID           string `json:"id"`
	FirstMessage string `json:"first_message"`
	Active       bool   `json:"active"`
}

// entryView carries the message text with code fences normalized, plus the
// segments it was rendered from.
type entryView struct {
	ID          string          `json:"id,omitempty"`
	Role        string          `json:"role"`
	Text        string          `json:"text"`
	Segments    []codec.Segment `json:"segments,omitempty"`
	Pending     bool            `json:"pending,omitempty"`
	Synthetic   bool            `json:"synthetic,omitempty"`
	Placeholder bool            `json:"placeholder,omitempty"`
}

func (s *Server) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text := stringArg(request, "message")
	turn, err := s.eng.Submit(ctx, text)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if turn.Failed {
		return mcp.NewToolResultError(turn.Reply.Message.Text), nil
	}
	return mcp.NewToolResultText(turn.Reply.Message.Text), nil
}

func (s *Server) handleNewSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.eng.NewSession(ctx, stringArg(request, "label"))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(sessionView{ID: sess.ID, FirstMessage: sess.FirstMessage, Active: true})
}

func (s *Server) handleListSessions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	active, _ := s.eng.Active()
	out := []sessionView{}
	for _, sess := range s.eng.Sessions() {
		out = append(out, sessionView{ID: sess.ID, FirstMessage: sess.FirstMessage, Active: sess.ID == active.ID})
	}
	return jsonResult(out)
}

func (s *Server) handleSwitchSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := stringArg(request, "session_id")
	if id == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}
	if err := s.eng.SwitchSession(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(entryViews(engine.Render(s.eng.TranscriptOf(id))))
}

func (s *Server) handleGetTranscript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := stringArg(request, "session_id")
	if id == "" {
		return jsonResult(entryViews(s.eng.View()))
	}
	if err := s.eng.Load(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(entryViews(engine.Render(s.eng.TranscriptOf(id))))
}

func stringArg(request mcp.CallToolRequest, key string) string {
	v, _ := request.GetArguments()[key].(string)
	return strings.TrimSpace(v)
}

func entryViews(rendered []engine.Rendered) []entryView {
	out := make([]entryView, 0, len(rendered))
	for _, r := range rendered {
		out = append(out, entryView{
			ID:          r.Message.ID,
			Role:        string(r.Message.Role),
			Text:        codec.Render(r.Segments),
			Segments:    r.Segments,
			Pending:     !r.Confirmed() && !r.Synthetic,
			Synthetic:   r.Synthetic,
			Placeholder: r.Placeholder,
		})
	}
	return out
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}
