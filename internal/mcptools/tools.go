// Package mcptools exposes session control over the Model Context Protocol.
package mcptools

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/sjawhar/voice-tutor/internal/display"
	"github.com/sjawhar/voice-tutor/internal/session"
	"github.com/sjawhar/voice-tutor/internal/storage"
)

type Controller interface {
	StartSession(cfg session.Config) (string, error)
	Pause() error
	Resume() error
	EndSession(ctx context.Context) (session.Summary, bool)
	Snapshot() session.Snapshot
}

type History interface {
	GetSessionsByDate(date string) ([]storage.Session, error)
	GetSession(id string) (storage.Session, error)
}

type TranscriptSource interface {
	Items() []display.Item
}

type Tools struct {
	ctrl       Controller
	history    History
	transcript TranscriptSource
	logger     *slog.Logger
}

func New(ctrl Controller, history History, transcript TranscriptSource, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{ctrl: ctrl, history: history, transcript: transcript, logger: logger}
}

// Server builds an MCP server with every tool registered.
func (t *Tools) Server(version string) *server.MCPServer {
	s := server.NewMCPServer("voice-tutor", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("start_session",
		mcp.WithDescription("Start a tutoring session for a student"),
		mcp.WithString("identity", mcp.Required(), mcp.Description("Student identity")),
		mcp.WithString("topic", mcp.Description("Lesson topic")),
		mcp.WithNumber("grade", mcp.Description("School grade, 1-12")),
		mcp.WithString("chapter", mcp.Description("Curriculum chapter")),
	), t.StartSession)
	s.AddTool(mcp.NewTool("pause_session", mcp.WithDescription("Pause the active session")), t.Pause)
	s.AddTool(mcp.NewTool("resume_session", mcp.WithDescription("Resume a paused session")), t.Resume)
	s.AddTool(mcp.NewTool("end_session", mcp.WithDescription("End the current session and return its summary")), t.EndSession)
	s.AddTool(mcp.NewTool("session_status", mcp.WithDescription("Current session state, metrics and connection")), t.Status)
	s.AddTool(mcp.NewTool("get_transcript", mcp.WithDescription("Display items of the current session")), t.Transcript)
	if t.history != nil {
		s.AddTool(mcp.NewTool("list_sessions",
			mcp.WithDescription("List stored sessions for a date"),
			mcp.WithString("date", mcp.Required(), mcp.Description("Date as YYYY-MM-DD")),
		), t.ListSessions)
		s.AddTool(mcp.NewTool("get_session",
			mcp.WithDescription("Fetch a stored session with its recap"),
			mcp.WithString("id", mcp.Required(), mcp.Description("Session id")),
		), t.GetSession)
	}
	return s
}

// ServeStdio blocks serving MCP over stdin/stdout.
func (t *Tools) ServeStdio(version string) error {
	return server.ServeStdio(t.Server(version))
}

func (t *Tools) StartSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg := session.Config{
		Identity: req.GetString("identity", ""),
		Topic:    req.GetString("topic", ""),
		Grade:    req.GetInt("grade", 0),
		Chapter:  req.GetString("chapter", ""),
	}
	id, err := t.ctrl.StartSession(cfg)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t.logger.Info("session started via mcp", "session_id", id)
	return jsonResult(map[string]string{"session_id": id})
}

func (t *Tools) Pause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := t.ctrl.Pause(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("paused"), nil
}

func (t *Tools) Resume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := t.ctrl.Resume(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("resumed"), nil
}

func (t *Tools) EndSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summary, ended := t.ctrl.EndSession(ctx)
	if !ended {
		return mcp.NewToolResultText("no session in progress"), nil
	}
	return jsonResult(summary)
}

func (t *Tools) Status(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(t.ctrl.Snapshot())
}

func (t *Tools) Transcript(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	items := []display.Item{}
	if t.transcript != nil {
		if got := t.transcript.Items(); got != nil {
			items = got
		}
	}
	return jsonResult(items)
}

func (t *Tools) ListSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	date, err := req.RequireString("date")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sessions, err := t.history.GetSessionsByDate(date)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if sessions == nil {
		sessions = []storage.Session{}
	}
	return jsonResult(sessions)
}

func (t *Tools) GetSession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := t.history.GetSession(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mcp.NewToolResultError(fmt.Sprintf("session %s not found", id)), nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return jsonResult(sess)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}
