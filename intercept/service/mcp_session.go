package service

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

func (m *mcpServer) addSessionTools() {
	m.server.AddTool(m.sessionInfoTool(), m.handleSessionInfo)
	m.server.AddTool(m.sessionNewTool(), m.handleSessionNew)
	m.server.AddTool(m.sessionLoadTool(), m.handleSessionLoad)
	m.server.AddTool(m.sessionSaveTool(), m.handleSessionSave)
	m.server.AddTool(m.sessionSnapshotTool(), m.handleSessionSnapshot)
}

const sessionNameDescription = "Session name or path; relative names are stored in the sessions directory and .session is appended when missing"

func (m *mcpServer) sessionInfoTool() mcp.Tool {
	return mcp.NewTool("session_info",
		mcp.WithDescription("Describe the open session."),
	)
}

func (m *mcpServer) handleSessionInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{"session": m.core.SessionInfo()})
}

func (m *mcpServer) sessionNewTool() mcp.Tool {
	return mcp.NewTool("session_new",
		mcp.WithDescription("Start a new session. Without a name the session is unnamed and unsaved data of the current unnamed session is discarded."),
		mcp.WithString("name", mcp.Description(sessionNameDescription)),
		mcp.WithBoolean("overwrite", mcp.Description("Replace an existing session file")),
	)
}

func (m *mcpServer) handleSessionNew(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	overwrite, err := flagArg(req, "overwrite", false)
	if err != nil {
		return m.failure(err), nil
	}
	info, err := m.core.NewSession(ctx, req.GetString("name", ""), overwrite)
	if err != nil {
		return m.failure(err), nil
	}
	m.log.Info().Str("session", info.ID).Msg("new session")
	return jsonResult(map[string]any{"session": info})
}

func (m *mcpServer) sessionLoadTool() mcp.Tool {
	return mcp.NewTool("session_load",
		mcp.WithDescription("Open a saved session, replacing the recorded messages, findings and site tree."),
		mcp.WithString("name", mcp.Required(), mcp.Description(sessionNameDescription)),
	)
}

func (m *mcpServer) handleSessionLoad(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := m.core.LoadSession(ctx, req.GetString("name", ""))
	if err != nil {
		return m.failure(err), nil
	}
	m.log.Info().Str("session", info.ID).Str("path", info.Path).Msg("session loaded")
	return jsonResult(map[string]any{"session": info})
}

func (m *mcpServer) sessionSaveTool() mcp.Tool {
	return mcp.NewTool("session_save",
		mcp.WithDescription("Save the open session under name and continue working in the saved file. Blocks until the save completes."),
		mcp.WithString("name", mcp.Required(), mcp.Description(sessionNameDescription)),
		mcp.WithBoolean("overwrite", mcp.Description("Replace an existing session file (never the open session)")),
	)
}

func (m *mcpServer) handleSessionSave(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	overwrite, err := flagArg(req, "overwrite", false)
	if err != nil {
		return m.failure(err), nil
	}
	info, err := m.core.SaveSession(ctx, req.GetString("name", ""), overwrite)
	if err != nil {
		return m.failure(err), nil
	}
	return jsonResult(map[string]any{"session": info})
}

func (m *mcpServer) sessionSnapshotTool() mcp.Tool {
	return mcp.NewTool("session_snapshot",
		mcp.WithDescription("Write a timestamped copy of the open, saved session next to it. Refused while long-running actions are active."),
	)
}

func (m *mcpServer) handleSessionSnapshot(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := m.core.SnapshotSession(ctx)
	if err != nil {
		return m.failure(err), nil
	}
	return jsonResult(map[string]string{"snapshot": path})
}
