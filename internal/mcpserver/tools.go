// Package mcpserver registers MCP tools that expose the synchronized chat
// state. Tools read from facade snapshots and drive the facade's user
// operations; they never touch the store directly.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Syncer is the subset of the sync facade the tools drive.
type Syncer interface {
	Snapshot() models.Snapshot
	Open(ctx context.Context, conversationID string) error
	LoadMore(ctx context.Context, conversationID, beforeMessageID string) error
	MarkRead(conversationID, lastMessageID string) error
	Refresh(ctx context.Context) error
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, s Syncer) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_status",
		Description: "Connection state of the event stream, active conversation, total unread count and the last fetch error if any.",
	}, statusHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_conversations",
		Description: "List conversations in display order (pinned first, then most recent activity) with unread counts, previews and who is typing.",
	}, listConversationsHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_open_conversation",
		Description: "Make a conversation active and load its newest page of messages. Returns the loaded messages, oldest first.",
	}, openHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_read_messages",
		Description: "Return the newest messages of the active conversation, oldest first. Does not fetch; use chat_load_more for history.",
	}, readHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_load_more",
		Description: "Fetch the page of messages older than the oldest loaded one in the active conversation and prepend it.",
	}, loadMoreHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_mark_read",
		Description: "Mark a conversation read up to a message (defaults to the newest loaded message) and clear its unread count.",
	}, markReadHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_refresh",
		Description: "Refetch the conversation list and the active conversation's newest page from the server.",
	}, refreshHandler(s))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// ListConversationsInput holds parameters for chat_list_conversations.
type ListConversationsInput struct {
	UnreadOnly      bool `json:"unread_only,omitempty" jsonschema:"only conversations with unread messages"`
	IncludeArchived bool `json:"include_archived,omitempty" jsonschema:"include archived conversations"`
	Limit           int  `json:"limit,omitempty" jsonschema:"maximum number of conversations, defaults to 50"`
}

// OpenInput holds parameters for chat_open_conversation.
type OpenInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,conversation to open"`
	Limit          int    `json:"limit,omitempty" jsonschema:"number of newest messages to return, defaults to 30"`
}

// ReadInput holds parameters for chat_read_messages.
type ReadInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"number of newest messages to return, defaults to 30"`
}

// LoadMoreInput holds parameters for chat_load_more.
type LoadMoreInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"number of oldest messages to return after loading, defaults to 30"`
}

// MarkReadInput holds parameters for chat_mark_read.
type MarkReadInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"required,conversation to mark read"`
	MessageID      string `json:"message_id,omitempty" jsonschema:"last read message, defaults to the newest loaded message"`
}

// RefreshInput has no parameters.
type RefreshInput struct{}

// --- Handlers ---

func statusHandler(s Syncer) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		result := newStatusResult(s.Snapshot())
		return textResult(result), result, nil
	}
}

func listConversationsHandler(s Syncer) mcp.ToolHandlerFor[ListConversationsInput, *ConversationsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListConversationsInput) (*mcp.CallToolResult, *ConversationsResult, error) {
		result := newConversationsResult(s.Snapshot(), input, now())
		return textResult(result), result, nil
	}
}

func openHandler(s Syncer) mcp.ToolHandlerFor[OpenInput, *MessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input OpenInput) (*mcp.CallToolResult, *MessagesResult, error) {
		if input.ConversationID == "" {
			return nil, nil, fmt.Errorf("conversation_id is required")
		}

		if err := s.Open(ctx, input.ConversationID); err != nil {
			return nil, nil, fmt.Errorf("opening %s: %w", input.ConversationID, err)
		}

		result := newMessagesResult(s.Snapshot(), input.Limit, false, now())

		return textResult(result), result, nil
	}
}

func readHandler(s Syncer) mcp.ToolHandlerFor[ReadInput, *MessagesResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ReadInput) (*mcp.CallToolResult, *MessagesResult, error) {
		snap := s.Snapshot()
		if snap.ActiveConversationID == "" {
			return nil, nil, fmt.Errorf("no conversation is open; call chat_open_conversation first")
		}

		result := newMessagesResult(snap, input.Limit, false, now())

		return textResult(result), result, nil
	}
}

func loadMoreHandler(s Syncer) mcp.ToolHandlerFor[LoadMoreInput, *MessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input LoadMoreInput) (*mcp.CallToolResult, *MessagesResult, error) {
		snap := s.Snapshot()
		if snap.ActiveConversationID == "" {
			return nil, nil, fmt.Errorf("no conversation is open; call chat_open_conversation first")
		}

		if !snap.HasMoreBefore || len(snap.Messages) == 0 {
			result := newMessagesResult(snap, input.Limit, true, now())
			return textResult(result), result, nil
		}

		if err := s.LoadMore(ctx, snap.ActiveConversationID, snap.Messages[0].ID); err != nil {
			return nil, nil, fmt.Errorf("loading older messages: %w", err)
		}

		result := newMessagesResult(s.Snapshot(), input.Limit, true, now())

		return textResult(result), result, nil
	}
}

func markReadHandler(s Syncer) mcp.ToolHandlerFor[MarkReadInput, *MarkReadResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input MarkReadInput) (*mcp.CallToolResult, *MarkReadResult, error) {
		if input.ConversationID == "" {
			return nil, nil, fmt.Errorf("conversation_id is required")
		}

		if err := s.MarkRead(input.ConversationID, input.MessageID); err != nil {
			return nil, nil, fmt.Errorf("marking %s read: %w", input.ConversationID, err)
		}

		result := &MarkReadResult{ConversationID: input.ConversationID}
		if c, ok := s.Snapshot().Conversation(input.ConversationID); ok {
			result.UnreadCount = c.UnreadCount
		}

		return textResult(result), result, nil
	}
}

func refreshHandler(s Syncer) mcp.ToolHandlerFor[RefreshInput, *StatusResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ RefreshInput) (*mcp.CallToolResult, *StatusResult, error) {
		if err := s.Refresh(ctx); err != nil {
			return nil, nil, fmt.Errorf("refreshing: %w", err)
		}

		result := newStatusResult(s.Snapshot())

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
