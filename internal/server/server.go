// Package server exposes the memory operations as MCP tools over the
// official SDK: remember, recall, forget, and status.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"engram/internal/config"
	"engram/internal/embeddings"
	"engram/internal/ingest"
	"engram/internal/jobs"
	"engram/internal/memerr"
	"engram/internal/retrieval"
	"engram/internal/store"
	"engram/internal/telemetry"
	"engram/internal/vectorstore"
)

// Version is stamped by the build.
var Version = "dev"

type Server struct {
	ingestor *ingest.Ingestor
	engine   *retrieval.Engine
	st       *store.Store
	queue    *jobs.Queue
	vectors  vectorstore.Store
	embedder embeddings.Embedder
	qcfg     config.QdrantConfig
	metrics  *telemetry.Metrics
}

// WithMetrics attaches telemetry instruments; nil metrics record nothing.
func (s *Server) WithMetrics(m *telemetry.Metrics) *Server {
	s.metrics = m
	return s
}

func New(ingestor *ingest.Ingestor, engine *retrieval.Engine, st *store.Store,
	queue *jobs.Queue, vectors vectorstore.Store, embedder embeddings.Embedder,
	qcfg config.QdrantConfig) *Server {
	return &Server{
		ingestor: ingestor,
		engine:   engine,
		st:       st,
		queue:    queue,
		vectors:  vectors,
		embedder: embedder,
		qcfg:     qcfg,
	}
}

// MCPServer builds the SDK server with all four tools registered.
func (s *Server) MCPServer() *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "engram", Version: Version}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "remember",
		Description: "Store a text artifact in semantic memory and queue event extraction",
	}, s.handleRemember)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "recall",
		Description: "Search memory with hybrid vector retrieval and graph expansion",
	}, s.handleRecall)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "forget",
		Description: "Delete an artifact revision and everything scoped to it",
	}, s.handleForget)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "status",
		Description: "Health summary: stores, embedding provider, and queue depth",
	}, s.handleStatus)
	return srv
}

// Run serves MCP over stdio until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.MCPServer().Run(ctx, &mcp.StdioTransport{})
}

// RememberArgs mirror the remember tool schema.
type RememberArgs struct {
	Content         string   `json:"content" jsonschema:"the text to store"`
	Context         string   `json:"context" jsonschema:"artifact type: email, doc, chat, transcript, or note"`
	Title           string   `json:"title,omitempty"`
	SourceSystem    string   `json:"source_system,omitempty" jsonschema:"originating system, defaults to mcp"`
	SourceID        string   `json:"source_id,omitempty" jsonschema:"stable id within the source system"`
	Author          string   `json:"author,omitempty"`
	Participants    []string `json:"participants,omitempty"`
	DocumentDate    string   `json:"document_date,omitempty"`
	Sensitivity     string   `json:"sensitivity,omitempty" jsonschema:"normal or sensitive"`
	Visibility      string   `json:"visibility,omitempty" jsonschema:"me, team, or public"`
	RetentionPolicy string   `json:"retention_policy,omitempty"`
}

func (s *Server) handleRemember(ctx context.Context, _ *mcp.CallToolRequest, args RememberArgs) (*mcp.CallToolResult, any, error) {
	res, err := s.ingestor.Remember(ctx, ingest.Request{
		Content:         args.Content,
		Context:         args.Context,
		Title:           args.Title,
		SourceSystem:    args.SourceSystem,
		SourceID:        args.SourceID,
		Author:          args.Author,
		Participants:    args.Participants,
		DocumentDate:    args.DocumentDate,
		Sensitivity:     args.Sensitivity,
		Visibility:      args.Visibility,
		RetentionPolicy: args.RetentionPolicy,
	})
	if err != nil {
		return errorResult(err), nil, nil
	}
	if res.Status != "unchanged" {
		s.metrics.AddArtifact(ctx)
	}
	return jsonResult(res), nil, nil
}

// RecallArgs mirror the recall tool schema.
type RecallArgs struct {
	Query           string   `json:"query,omitempty" jsonschema:"natural-language query"`
	ID              string   `json:"id,omitempty" jsonschema:"artifact id for a direct lookup instead of a search"`
	Limit           int      `json:"limit,omitempty" jsonschema:"maximum primary results, default 10"`
	Expand          *bool    `json:"expand,omitempty" jsonschema:"graph-expand related artifacts, default true"`
	IncludeEvents   bool     `json:"include_events,omitempty"`
	IncludeEntities bool     `json:"include_entities,omitempty"`
	IncludeEdges    bool     `json:"include_edges,omitempty"`
	EdgeTypes       []string `json:"edge_types,omitempty"`
	GraphBudget     int      `json:"graph_budget,omitempty"`
}

func (s *Server) handleRecall(ctx context.Context, _ *mcp.CallToolRequest, args RecallArgs) (*mcp.CallToolResult, any, error) {
	if args.Query == "" && args.ID == "" {
		return errorResult(memerr.New(memerr.KindValidation, "either query or id is required")), nil, nil
	}
	expand := true
	if args.Expand != nil {
		expand = *args.Expand
	}
	started := time.Now()
	resp, err := s.engine.Recall(ctx, args.Query, retrieval.Options{
		Limit:           args.Limit,
		Expand:          expand,
		IncludeEvents:   args.IncludeEvents,
		IncludeEntities: args.IncludeEntities,
		IncludeEdges:    args.IncludeEdges,
		EdgeTypes:       args.EdgeTypes,
		GraphBudget:     args.GraphBudget,
		ID:              args.ID,
	})
	if err != nil {
		return errorResult(err), nil, nil
	}
	s.metrics.AddRecall(ctx, time.Since(started))
	return jsonResult(resp), nil, nil
}

// ForgetArgs mirror the forget tool schema.
type ForgetArgs struct {
	ID      string `json:"id" jsonschema:"artifact id to delete"`
	Confirm bool   `json:"confirm" jsonschema:"must be true to actually delete"`
}

// ForgetResult reports the cascade.
type ForgetResult struct {
	ArtifactID string              `json:"artifact_id"`
	Deleted    store.DeletedCounts `json:"deleted"`
}

func (s *Server) handleForget(ctx context.Context, _ *mcp.CallToolRequest, args ForgetArgs) (*mcp.CallToolResult, any, error) {
	if args.ID == "" {
		return errorResult(memerr.New(memerr.KindValidation, "id is required")), nil, nil
	}
	if !args.Confirm {
		return errorResult(memerr.New(memerr.KindValidation, "confirm must be true to delete")), nil, nil
	}
	rev, ok, err := s.st.RevisionByArtifactID(ctx, args.ID, "")
	if err != nil {
		return errorResult(err), nil, nil
	}
	if !ok {
		return errorResult(memerr.New(memerr.KindNotFound, "artifact %s", args.ID)), nil, nil
	}

	chunks, err := s.st.ChunksByArtifactID(ctx, rev.ArtifactID)
	if err != nil {
		return errorResult(err), nil, nil
	}
	chunkIDs := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		chunkIDs = append(chunkIDs, ch.ChunkID)
	}

	counts, err := s.st.DeleteRevision(ctx, rev.ArtifactUID, rev.RevisionID)
	if err != nil {
		return errorResult(err), nil, nil
	}
	// Vector cleanup after the relational cascade; stale points are also
	// filtered at read time, so failures here only cost space.
	if err := s.vectors.Delete(ctx, s.qcfg.ContentCollection, []string{rev.ArtifactID}); err != nil {
		log.Error().Err(err).Str("artifact_id", rev.ArtifactID).Msg("vector_forget_incomplete")
	}
	if err := s.vectors.Delete(ctx, s.qcfg.ChunksCollection, chunkIDs); err != nil {
		log.Error().Err(err).Str("artifact_id", rev.ArtifactID).Msg("vector_forget_incomplete")
	}
	log.Info().Str("artifact_id", args.ID).Interface("deleted", counts).Msg("artifact_forgotten")
	return jsonResult(ForgetResult{ArtifactID: args.ID, Deleted: counts}), nil, nil
}

// StatusArgs is empty; status takes no parameters.
type StatusArgs struct{}

// StatusResult is the health summary.
type StatusResult struct {
	VectorStore     string     `json:"vector_store"`
	RelationalStore string     `json:"relational_store"`
	Embeddings      string     `json:"embeddings"`
	Queue           jobs.Depth `json:"queue"`
	Version         string     `json:"version"`
}

func (s *Server) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, _ StatusArgs) (*mcp.CallToolResult, any, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := StatusResult{Version: Version}
	result.VectorStore = pingStatus(s.vectors.Ping(pingCtx))
	result.RelationalStore = pingStatus(s.st.Ping(pingCtx))
	result.Embeddings = pingStatus(s.embedder.Ping(pingCtx))
	depth, err := s.queue.QueueDepth(ctx, jobs.JobTypeExtractEvents)
	if err != nil {
		return errorResult(err), nil, nil
	}
	result.Queue = depth
	return jsonResult(result), nil, nil
}

func pingStatus(err error) string {
	if err != nil {
		return "unreachable"
	}
	return "ok"
}

// errorBody is the stable error envelope carried in tool results.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func errorResult(err error) *mcp.CallToolResult {
	body := errorBody{Code: string(memerr.KindOf(err)), Message: err.Error()}
	var me *memerr.Error
	if errors.As(err, &me) && me.Details != nil {
		body.Details = me.Details
	}
	payload, _ := json.Marshal(map[string]errorBody{"error": body})
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
	}
}

func jsonResult(v any) *mcp.CallToolResult {
	payload, err := json.Marshal(v)
	if err != nil {
		return errorResult(memerr.Wrap(memerr.KindInternal, err, "encode response"))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
	}
}
