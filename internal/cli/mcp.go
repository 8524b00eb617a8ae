package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/edututor/internal/domain"
	"github.com/ashureev/edututor/internal/store"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
)

const mcpDefaultListLimit = 10

func newMCPCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start an MCP stdio server over the tutoring database",
		Long: `Start an MCP (Model Context Protocol) server on stdin/stdout that lets
an assistant look up student profiles, session history and transcripts.

Example client configuration:
  {
    "mcpServers": {
      "edututor": {
        "command": "tutorctl",
        "args": ["--db", "/var/lib/edututor/tutor.db", "mcp"]
      }
    }
  }
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := opts.openStore()
			if err != nil {
				return err
			}
			defer func() {
				_ = repo.Close()
			}()

			if err := server.ServeStdio(newMCPServer(repo)); err != nil {
				return fmt.Errorf("MCP server failed: %w", err)
			}
			return nil
		},
	}
}

func newMCPServer(repo store.Repository) *server.MCPServer {
	s := server.NewMCPServer("EduTutor", versionInfo)

	s.AddTool(mcp.NewTool("get_profile",
		mcp.WithDescription("Retrieve a student profile including the cumulative learning summary"),
		mcp.WithString("profile_id",
			mcp.Required(),
			mcp.Description("Profile UUID")),
	), makeGetProfileHandler(repo))

	s.AddTool(mcp.NewTool("list_sessions",
		mcp.WithDescription("List a student's sessions, most recently active first"),
		mcp.WithString("profile_id",
			mcp.Required(),
			mcp.Description("Profile UUID")),
		mcp.WithNumber("limit",
			mcp.Description("Max sessions to return (default: 10)")),
		mcp.WithString("since",
			mcp.Description("Only sessions started after this time, e.g. '2024-07-01' or 'last monday'")),
	), makeListSessionsHandler(repo))

	s.AddTool(mcp.NewTool("get_transcript",
		mcp.WithDescription("Retrieve the full ordered transcript of one session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session UUID")),
	), makeGetTranscriptHandler(repo))

	return s
}

func makeGetProfileHandler(repo store.Repository) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		profileID, err := request.RequireString("profile_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		p, err := repo.GetProfile(ctx, profileID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load profile: %v", err)), nil
		}
		if p == nil {
			return mcp.NewToolResultError(fmt.Sprintf("profile %s not found", profileID)), nil
		}
		return jsonResult(p)
	}
}

func makeListSessionsHandler(repo store.Repository) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		profileID, err := request.RequireString("profile_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		opts := store.ListOptions{Limit: request.GetInt("limit", mcpDefaultListLimit)}
		if since := request.GetString("since", ""); since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			opts.Since = t
		}

		sessions, err := repo.ListSessions(ctx, profileID, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list sessions: %v", err)), nil
		}
		if sessions == nil {
			sessions = []*domain.Session{}
		}
		return jsonResult(map[string]any{"sessions": sessions})
	}
}

func makeGetTranscriptHandler(repo store.Repository) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessionID, err := request.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		sess, err := repo.GetSession(ctx, sessionID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load session: %v", err)), nil
		}
		if sess == nil {
			return mcp.NewToolResultError(fmt.Sprintf("session %s not found", sessionID)), nil
		}
		messages, err := repo.ListMessages(ctx, sess.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("load transcript: %v", err)), nil
		}
		if messages == nil {
			messages = []domain.Message{}
		}
		return jsonResult(map[string]any{"session": sess, "messages": messages})
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
