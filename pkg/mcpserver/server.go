// Package mcpserver exposes design history to MCP clients: agents can read
// a design, list its events and step it backward or forward.
package mcpserver

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wilhg/designsync/pkg/errmodel"
	"github.com/wilhg/designsync/pkg/versionstore"
)

// DesignRef selects a design.
type DesignRef struct {
	ID string `json:"id" jsonschema:"the design record id"`
}

type ListInput struct{}

type DesignSummary struct {
	ID              string `json:"id"`
	Version         int64  `json:"version"`
	EventVersion    int64  `json:"event_version"`
	MaxEventVersion int64  `json:"max_event_version"`
}

type ListOutput struct {
	Designs []DesignSummary `json:"designs"`
}

type GetOutput struct {
	DesignSummary
	Document any `json:"document" jsonschema:"the current design document"`
}

type HistoryEntry struct {
	Version    int64  `json:"version"`
	Timestamp  int64  `json:"timestamp" jsonschema:"unix milliseconds"`
	Operations int    `json:"operations"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Current    bool   `json:"current"`
}

type HistoryOutput struct {
	ID     string         `json:"id"`
	Events []HistoryEntry `json:"events"`
}

type StepOutput struct {
	Success         bool   `json:"success"`
	Message         string `json:"message,omitempty"`
	PreviousVersion int64  `json:"previous_version"`
	CurrentVersion  int64  `json:"current_version"`
	Document        any    `json:"document"`
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithVersion sets the implementation version reported to clients.
func WithVersion(v string) Option { return func(s *Server) { s.version = v } }

type Server struct {
	store   versionstore.Store
	logger  *slog.Logger
	version string
	srv     *mcp.Server
}

// New registers the design tools on a fresh MCP server.
func New(st versionstore.Store, opts ...Option) *Server {
	s := &Server{store: st, logger: slog.Default(), version: "dev"}
	for _, o := range opts {
		o(s)
	}
	s.srv = mcp.NewServer(&mcp.Implementation{Name: "designsync", Version: s.version}, nil)
	mcp.AddTool(s.srv, &mcp.Tool{Name: "design_list", Description: "List designs with their version cursors."}, s.list)
	mcp.AddTool(s.srv, &mcp.Tool{Name: "design_get", Description: "Read the current document of a design."}, s.get)
	mcp.AddTool(s.srv, &mcp.Tool{Name: "design_history", Description: "List the recorded events of a design, marking the current position."}, s.history)
	mcp.AddTool(s.srv, &mcp.Tool{Name: "design_undo", Description: "Step a design back one event."}, s.undo)
	mcp.AddTool(s.srv, &mcp.Tool{Name: "design_redo", Description: "Step a design forward one event."}, s.redo)
	return s
}

// Run serves the tools over t until the client disconnects or ctx ends.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	return s.srv.Run(ctx, t)
}

// ServeStdio serves on the process's stdin and stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

func summary(r versionstore.Record) DesignSummary {
	return DesignSummary{ID: r.ID, Version: r.Version, EventVersion: r.EventVersion, MaxEventVersion: r.MaxEventVersion}
}

func (s *Server) lookup(ctx context.Context, id string) (*versionstore.Record, error) {
	if id == "" {
		return nil, errmodel.Validation("missing_id", "id is required", nil)
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errmodel.NotFound("design not found", map[string]any{"design_id": id})
	}
	return rec, nil
}

func (s *Server) list(ctx context.Context, _ *mcp.CallToolRequest, _ ListInput) (*mcp.CallToolResult, ListOutput, error) {
	recs, err := s.store.List(ctx)
	if err != nil {
		return nil, ListOutput{}, err
	}
	out := ListOutput{Designs: make([]DesignSummary, 0, len(recs))}
	for _, r := range recs {
		out.Designs = append(out.Designs, summary(r))
	}
	return nil, out, nil
}

func (s *Server) get(ctx context.Context, _ *mcp.CallToolRequest, in DesignRef) (*mcp.CallToolResult, GetOutput, error) {
	rec, err := s.lookup(ctx, in.ID)
	if err != nil {
		return nil, GetOutput{}, err
	}
	return nil, GetOutput{DesignSummary: summary(*rec), Document: rec.Document.ToAny()}, nil
}

func (s *Server) history(ctx context.Context, _ *mcp.CallToolRequest, in DesignRef) (*mcp.CallToolResult, HistoryOutput, error) {
	rec, err := s.lookup(ctx, in.ID)
	if err != nil {
		return nil, HistoryOutput{}, err
	}
	events, err := s.store.History(ctx, in.ID)
	if err != nil {
		return nil, HistoryOutput{}, err
	}
	out := HistoryOutput{ID: in.ID, Events: make([]HistoryEntry, 0, len(events))}
	for _, e := range events {
		out.Events = append(out.Events, HistoryEntry{
			Version:    e.Version,
			Timestamp:  e.Timestamp,
			Operations: len(e.Patches),
			Checkpoint: e.Checkpoint,
			Current:    e.Version == rec.EventVersion,
		})
	}
	return nil, out, nil
}

func (s *Server) undo(ctx context.Context, _ *mcp.CallToolRequest, in DesignRef) (*mcp.CallToolResult, StepOutput, error) {
	if in.ID == "" {
		return nil, StepOutput{}, errmodel.Validation("missing_id", "id is required", nil)
	}
	res, err := s.store.Undo(ctx, in.ID)
	if err != nil {
		return nil, StepOutput{}, err
	}
	s.logger.Info("mcp undo", "design.id", in.ID, "success", res.Success, "current_version", res.CurrentVersion)
	return nil, stepOutput(res), nil
}

func (s *Server) redo(ctx context.Context, _ *mcp.CallToolRequest, in DesignRef) (*mcp.CallToolResult, StepOutput, error) {
	if in.ID == "" {
		return nil, StepOutput{}, errmodel.Validation("missing_id", "id is required", nil)
	}
	res, err := s.store.Redo(ctx, in.ID)
	if err != nil {
		return nil, StepOutput{}, err
	}
	s.logger.Info("mcp redo", "design.id", in.ID, "success", res.Success, "current_version", res.CurrentVersion)
	return nil, stepOutput(res), nil
}

func stepOutput(r versionstore.StepResult) StepOutput {
	return StepOutput{
		Success:         r.Success,
		Message:         r.Message,
		PreviousVersion: r.PreviousVersion,
		CurrentVersion:  r.CurrentVersion,
		Document:        r.Document.ToAny(),
	}
}
