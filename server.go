package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/licitabot/licitabot/docstore"
	"github.com/licitabot/licitabot/rag"
)

type ragEngine interface {
	Ingest(ctx context.Context, filename string, data []byte) (rag.Receipt, error)
	Ask(ctx context.Context, question string) (rag.Answer, error)
	Remove(ctx context.Context, filename string) (bool, error)
	Documents(ctx context.Context) ([]docstore.DocumentRecord, error)
}

// NewRagServer exposes the engine over MCP: ask a question, upload a
// document, remove one, list what is indexed.
func NewRagServer(engine ragEngine, log *slog.Logger) *server.MCPServer {
	srv := server.NewMCPServer("Licitabot", "0.1.0", server.WithToolCapabilities(false))

	ask := mcp.NewTool("ask",
		mcp.WithDescription("Answer a question about the ingested procurement documents, with citations"),
		mcp.WithString("question",
			mcp.Required(),
			mcp.Description("Natural language question"),
		))
	srv.AddTool(ask, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		q, err := request.RequireString("question")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		answer, err := engine.Ask(ctx, q)
		if err != nil {
			log.Error("ask failed", slog.String("error", err.Error()))
			return mcp.NewToolResultError(err.Error()), nil
		}

		raw, err := json.Marshal(answer)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(raw)), nil
	})

	upload := mcp.NewTool("upload_document",
		mcp.WithDescription("Ingest a document into the index, replacing any previous version"),
		mcp.WithString("filename",
			mcp.Required(),
			mcp.Description("Document name, e.g. Edital123.pdf"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Base64-encoded file content"),
		))
	srv.AddTool(upload, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filename, err := request.RequireString("filename")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		content, err := request.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid base64 content: %s", err)), nil
		}

		receipt, err := engine.Ingest(ctx, filename, data)
		if errors.Is(err, rag.ErrConflict) {
			return mcp.NewToolResultError(fmt.Sprintf("ingestion of %s already in progress, try again later", filename)), nil
		}
		if err != nil {
			log.Error("upload failed", slog.String("document", filename), slog.String("error", err.Error()))
			return mcp.NewToolResultError(err.Error()), nil
		}

		raw, err := json.Marshal(receipt)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(string(raw)), nil
	})

	remove := mcp.NewTool("remove_document",
		mcp.WithDescription("Remove a document and all its chunks from the index"),
		mcp.WithString("filename",
			mcp.Required(),
			mcp.Description("Name of the document to remove"),
		))
	srv.AddTool(remove, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filename, err := request.RequireString("filename")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		found, err := engine.Remove(ctx, filename)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !found {
			return mcp.NewToolResultText(fmt.Sprintf("document %s was not in the index", filename)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("document %s removed", filename)), nil
	})

	list := mcp.NewTool("list_documents",
		mcp.WithDescription("List the documents currently in the index"))
	srv.AddTool(list, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		docs, err := engine.Documents(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		var response string
		for _, d := range docs {
			raw, err := json.Marshal(struct {
				Name       string `json:"name"`
				Pages      int    `json:"pages"`
				Chunks     int    `json:"chunks"`
				IngestedAt string `json:"ingested_at"`
			}{
				Name:       d.Name,
				Pages:      d.Pages,
				Chunks:     d.Chunks,
				IngestedAt: d.IngestedAt.Format("2006-01-02T15:04:05Z07:00"),
			})
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			response += fmt.Sprintf("%s\n", string(raw))
		}

		return mcp.NewToolResultText(response), nil
	})

	return srv
}
