package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/citeseek/citeseek/internal/pipeline"
	"github.com/citeseek/citeseek/internal/storage"
	"github.com/citeseek/citeseek/internal/synthesis"
)

// MCPIngestor abstracts ingestion for the MCP layer.
type MCPIngestor interface {
	IngestURL(ctx context.Context, url string) (storage.Document, error)
}

// MCPAnswerer abstracts question answering for the MCP layer.
type MCPAnswerer interface {
	AnswerAll(ctx context.Context, documentID string, questions []string) ([]pipeline.Result, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    DocumentStore
	Ingestor MCPIngestor
	Answerer MCPAnswerer
}

// NewMCPServer creates an MCP server exposing ingestion and answering as
// tools, plus the document list as a resource.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"citeseek",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("citeseek — answer questions about ingested documents with cited passages."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ingest_document",
			mcp.WithDescription("Download a document by URL, split it into passages, and index it for question answering."),
			mcp.WithString("url", mcp.Description("URL of the document to ingest"), mcp.Required()),
		),
		mcpIngestDocument(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_document",
			mcp.WithDescription("Answer a question about an ingested document, with passage citations."),
			mcp.WithString("document_id", mcp.Description("ID of the ingested document"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpAskDocument(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"citeseek://documents",
			"Ingested Documents",
			mcp.WithResourceDescription("All ingested documents as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDocuments(deps),
	)

	return s
}

func mcpIngestDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcpErrorResult("url is required"), nil
		}

		doc, err := deps.Ingestor.IngestURL(ctx, url)
		if err != nil {
			return mcpErrorResult(fmt.Sprintf("ingest failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Ingested %s as document %s", doc.Name, doc.ID)), nil
	}
}

func mcpAskDocument(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		documentID, err := req.RequireString("document_id")
		if err != nil {
			return mcpErrorResult("document_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpErrorResult("question is required"), nil
		}

		results, err := deps.Answerer.AnswerAll(ctx, documentID, []string{question})
		if err != nil {
			return mcpErrorResult(fmt.Sprintf("answering failed: %v", err)), nil
		}
		if len(results) != 1 {
			return mcpErrorResult("unexpected result count"), nil
		}
		if results[0].Err != nil {
			return mcpErrorResult(fmt.Sprintf("answering failed: %v", results[0].Err)), nil
		}

		payload, err := json.Marshal(answerPayload(results[0].Answer))
		if err != nil {
			return mcpErrorResult(fmt.Sprintf("encoding answer: %v", err)), nil
		}
		return mcpText(string(payload)), nil
	}
}

func answerPayload(answer synthesis.Answer) map[string]any {
	sources := make([]map[string]any, len(answer.Sources))
	for i, s := range answer.Sources {
		sources[i] = map[string]any{
			"id":      s.ID,
			"score":   s.Score,
			"page":    s.Page,
			"section": s.Section,
		}
	}
	return map[string]any{
		"answer":        answer.Text,
		"justification": answer.Justification,
		"confidence":    answer.Confidence,
		"sources":       sources,
	}
}

func mcpResourceDocuments(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs, err := deps.Store.ListDocuments(100)
		if err != nil {
			return nil, fmt.Errorf("listing documents: %w", err)
		}
		payload, err := json.Marshal(docs)
		if err != nil {
			return nil, fmt.Errorf("encoding documents: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(payload),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpErrorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
