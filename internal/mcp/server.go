// Package mcp exposes the diagnostic pipeline as Model Context Protocol
// tools, so editor agents and other MCP clients can run diagnoses and
// search the evidence index directly.
package mcp

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wrenchai/wrench/internal/conversation"
	"github.com/wrenchai/wrench/internal/engine"
	"github.com/wrenchai/wrench/internal/retrieval"
)

// TurnRunner runs one diagnostic turn. Implemented by *engine.Engine.
type TurnRunner interface {
	Handle(ctx context.Context, q conversation.Query, history *conversation.History) (*engine.Answer, error)
}

// Retriever executes the retrieval plan without generation. Implemented by
// *retrieval.Planner.
type Retriever interface {
	Retrieve(ctx context.Context, query string) (*retrieval.Result, error)
}

// Server wraps the MCP SDK server around the diagnostic pipeline.
type Server struct {
	mcpServer *mcp.Server
	runner    TurnRunner
	retriever Retriever
	store     *conversation.MemoryStore
	logger    *slog.Logger
}

// Config holds MCP server configuration.
type Config struct {
	Name    string
	Version string
}

// NewServer creates an MCP server exposing the diagnose and
// search_evidence tools.
func NewServer(cfg Config, runner TurnRunner, retriever Retriever, logger *slog.Logger) (*Server, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("server name is required")
	}
	if cfg.Version == "" {
		return nil, fmt.Errorf("server version is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("turn runner is required")
	}
	if retriever == nil {
		return nil, fmt.Errorf("retriever is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		runner:    runner,
		retriever: retriever,
		store:     conversation.NewMemoryStore(),
		logger:    logger,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}

	return s, nil
}

// Run starts the MCP server on the given transport. Blocks until the
// transport closes or ctx is canceled.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.mcpServer.Run(ctx, transport)
}

func (s *Server) registerTools() error {
	diagnoseSchema, err := jsonschema.For[DiagnoseInput](nil)
	if err != nil {
		return fmt.Errorf("schema for diagnose tool: %w", err)
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "diagnose",
		Description: "Answer an automotive diagnostic question using indexed workshop " +
			"manuals and, when local evidence is weak, a single web search. " +
			"Pass conversation_id to continue a previous diagnosis.",
		InputSchema: diagnoseSchema,
	}, s.Diagnose)

	searchSchema, err := jsonschema.For[SearchEvidenceInput](nil)
	if err != nil {
		return fmt.Errorf("schema for search_evidence tool: %w", err)
	}

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name: "search_evidence",
		Description: "Search the workshop manual index for passages relevant to a query, " +
			"without generating an answer. Returns passages ranked by similarity.",
		InputSchema: searchSchema,
	}, s.SearchEvidence)

	return nil
}

// DiagnoseInput defines the input schema for the diagnose tool.
type DiagnoseInput struct {
	Query          string `json:"query" jsonschema:"The diagnostic question, e.g. a symptom or fault code"`
	ConversationID string `json:"conversation_id,omitempty" jsonschema:"UUID of a conversation to continue; omit to start a new one"`
}

// DiagnoseOutput is the structured result of the diagnose tool.
type DiagnoseOutput struct {
	ConversationID string `json:"conversation_id"`
	*engine.Answer
}

// Diagnose handles the diagnose MCP tool call.
func (s *Server) Diagnose(ctx context.Context, _ *mcp.CallToolRequest, input DiagnoseInput) (*mcp.CallToolResult, any, error) {
	conversationID := uuid.Nil
	if input.ConversationID != "" {
		id, err := uuid.Parse(input.ConversationID)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "conversation_id must be a UUID"}},
				IsError: true,
			}, nil, nil
		}
		conversationID = id
	}

	q, err := conversation.NewQuery(input.Query, conversationID, "")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "query is required"}},
			IsError: true,
		}, nil, nil
	}

	history := s.store.GetOrCreate(q.ConversationID)
	answer, err := s.runner.Handle(ctx, q, history)
	if err != nil {
		s.logger.Error("diagnose tool failed", "error", err)
		return nil, nil, fmt.Errorf("diagnose failed: %w", err)
	}

	return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: answer.Text}},
		}, DiagnoseOutput{
			ConversationID: q.ConversationID.String(),
			Answer:         answer,
		}, nil
}

// SearchEvidenceInput defines the input schema for the search_evidence tool.
type SearchEvidenceInput struct {
	Query string `json:"query" jsonschema:"Text to search the workshop manual index for"`
}

// SearchEvidence handles the search_evidence MCP tool call.
func (s *Server) SearchEvidence(ctx context.Context, _ *mcp.CallToolRequest, input SearchEvidenceInput) (*mcp.CallToolResult, any, error) {
	if input.Query == "" {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "query is required"}},
			IsError: true,
		}, nil, nil
	}

	result, err := s.retriever.Retrieve(ctx, input.Query)
	if err != nil {
		s.logger.Error("search_evidence tool failed", "error", err)
		return nil, nil, fmt.Errorf("evidence search failed: %w", err)
	}

	var text string
	if len(result.Passages) == 0 {
		text = "No relevant passages found."
	} else {
		text = fmt.Sprintf("%d passages found (%s)", len(result.Passages), result.Rationale)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}, result, nil
}
