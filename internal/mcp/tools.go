package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/ingest"
	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/recall"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	s.registerLearningTools()
	s.registerSessionTools()
	s.registerClaimTools()
	s.registerHandoffTools()
}

// sessionArgs lets a call act for another session of the same machine.
type sessionArgs struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Session to act as (default: the server's session)"`
	Project   string `json:"project,omitempty" jsonschema:"Project to act in (default: the server's project)"`
}

// ===== LEARNING TOOLS =====

type learningStoreInput struct {
	SessionID  string   `json:"session_id,omitempty" jsonschema:"Session to act as (default: the server's session)"`
	Project    string   `json:"project,omitempty" jsonschema:"Project to act in (default: the server's project)"`
	Content    string   `json:"content" jsonschema:"The learning, one or two sentences"`
	Type       string   `json:"type" jsonschema:"WORKING_SOLUTION, FAILED_APPROACH, CODEBASE_PATTERN, ARCHITECTURAL_DECISION, ERROR_FIX, USER_PREFERENCE or OPEN_THREAD"`
	Context    string   `json:"context,omitempty" jsonschema:"Surrounding context that explains the learning"`
	Tags       []string `json:"tags,omitempty" jsonschema:"Free-form tags"`
	Confidence string   `json:"confidence,omitempty" jsonschema:"low, medium or high (default: medium)"`
}

type learningRecallInput struct {
	Query       string   `json:"query" jsonschema:"What to look for"`
	Mode        string   `json:"mode,omitempty" jsonschema:"hybrid, text_only or vector_only (default: hybrid)"`
	Limit       int      `json:"limit,omitempty" jsonschema:"Maximum results (default: 10)"`
	Project     string   `json:"project,omitempty" jsonschema:"Project to search (default: the server's project)"`
	AllProjects bool     `json:"all_projects,omitempty" jsonschema:"Search every project"`
	Types       []string `json:"types,omitempty" jsonschema:"Only these learning types"`
	Tags        []string `json:"tags,omitempty" jsonschema:"Only learnings carrying all of these tags"`
	Rerank      bool     `json:"rerank,omitempty" jsonschema:"Rerank the top results"`
}

type recallHit struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Type    string  `json:"type"`
	Content string  `json:"content"`
}

type learningRecallOutput struct {
	Results         []recallHit `json:"results"`
	Degraded        bool        `json:"degraded"`
	DegradedReasons []string    `json:"degraded_reasons,omitempty"`
}

func (s *Server) registerLearningTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "learning_store",
		Description: "Store a learning. Near-duplicates of an existing learning are skipped.",
	}, instrument(s, "learning_store", func(ctx context.Context, _ *mcp.CallToolRequest, args learningStoreInput) (*mcp.CallToolResult, ingest.StoreResult, error) {
		res, err := s.app.Ingest.Store(ctx, s.session(args.SessionID, args.Project), ingest.StoreRequest{
			Content:    args.Content,
			Type:       args.Type,
			Context:    args.Context,
			Tags:       args.Tags,
			Confidence: args.Confidence,
		})
		if err != nil {
			return nil, res, err
		}
		if res.Status == ingest.StatusSkipped {
			return text("Skipped: duplicate of %s", res.ExistingID), res, nil
		}
		msg := fmt.Sprintf("Stored: %s", res.ID)
		if !res.VectorEligible {
			msg += " (lexical only)"
		}
		return text("%s", msg), res, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "learning_recall",
		Description: "Find stored learnings by text and meaning, best match first.",
	}, instrument(s, "learning_recall", func(ctx context.Context, _ *mcp.CallToolRequest, args learningRecallInput) (*mcp.CallToolResult, learningRecallOutput, error) {
		q, err := s.recallQuery(args)
		if err != nil {
			return nil, learningRecallOutput{}, err
		}
		resp, err := s.app.Recall.Recall(ctx, q)
		if err != nil {
			return nil, learningRecallOutput{}, err
		}
		out := learningRecallOutput{
			Results:         make([]recallHit, 0, len(resp.Results)),
			Degraded:        resp.Degraded,
			DegradedReasons: resp.DegradedReasons,
		}
		for _, r := range resp.Results {
			out.Results = append(out.Results, recallHit{
				ID:      r.Learning.ID,
				Score:   r.Score,
				Type:    string(r.Learning.Type),
				Content: r.Learning.Content,
			})
		}
		return text("%s", renderRecall(out)), out, nil
	}))
}

func (s *Server) recallQuery(args learningRecallInput) (recall.Query, error) {
	mode, err := recall.ParseMode(args.Mode)
	if err != nil {
		return recall.Query{}, err
	}
	f := store.Filter{Tags: args.Tags}
	if !args.AllProjects {
		f.Project = s.session("", args.Project).Project
	}
	for _, t := range args.Types {
		typ, err := learning.ParseType(t)
		if err != nil {
			return recall.Query{}, err
		}
		f.Types = append(f.Types, typ)
	}
	return recall.Query{Text: args.Query, Filter: f, Mode: mode, Limit: args.Limit, Rerank: args.Rerank}, nil
}

// renderRecall writes one "[score] (type) content" line per result.
func renderRecall(out learningRecallOutput) string {
	var b strings.Builder
	if len(out.Results) == 0 {
		b.WriteString("No learnings found.")
	}
	for i, r := range out.Results {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%.3f] (%s) %s", r.Score, r.Type, r.Content)
	}
	if out.Degraded {
		fmt.Fprintf(&b, "\n(degraded: %s)", strings.Join(out.DegradedReasons, ", "))
	}
	return b.String()
}

// ===== SESSION TOOLS =====

type sessionRegisterInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Session to act as (default: the server's session)"`
	Project   string `json:"project,omitempty" jsonschema:"Project to act in (default: the server's project)"`
	WorkingOn string `json:"working_on,omitempty" jsonschema:"What this session is working on"`
}

type sessionPeersInput struct {
	SessionID   string `json:"session_id,omitempty" jsonschema:"Session to act as (default: the server's session)"`
	Project     string `json:"project,omitempty" jsonschema:"Project to act in (default: the server's project)"`
	IncludeSelf bool   `json:"include_self,omitempty" jsonschema:"Include the calling session"`
}

type coordOutput struct {
	OK       bool     `json:"ok"`
	Warnings []string `json:"warnings,omitempty"`
}

func (o coordOutput) warned() bool { return !o.OK }

type peer struct {
	ID            string `json:"id"`
	WorkingOn     string `json:"working_on,omitempty"`
	LastHeartbeat string `json:"last_heartbeat"`
}

type sessionPeersOutput struct {
	OK       bool     `json:"ok"`
	Warnings []string `json:"warnings,omitempty"`
	Sessions []peer   `json:"sessions"`
}

func (o sessionPeersOutput) warned() bool { return !o.OK }

// advisory turns a coordination error into a warning. Validation errors are
// still returned.
func (s *Server) advisory(op string, err error) (coordOutput, error) {
	if err == nil {
		return coordOutput{OK: true}, nil
	}
	if errors.Is(err, learning.ErrInvalidQuery) || errors.Is(err, learning.ErrInvalidLearning) {
		return coordOutput{}, err
	}
	s.logger.Warn("coordination failed", zap.String("op", op), zap.Error(err))
	return coordOutput{Warnings: []string{op + ": " + err.Error()}}, nil
}

func warningText(out coordOutput, ok string) *mcp.CallToolResult {
	if out.OK {
		return text("%s", ok)
	}
	return text("Warning: %s", strings.Join(out.Warnings, "; "))
}

func (s *Server) registerSessionTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_register",
		Description: "Announce this session and what it is working on to other sessions of the project.",
	}, instrument(s, "session_register", func(ctx context.Context, _ *mcp.CallToolRequest, args sessionRegisterInput) (*mcp.CallToolResult, coordOutput, error) {
		sc := s.session(args.SessionID, args.Project)
		out, err := s.advisory("register", s.app.Registry.Register(ctx, sc, args.WorkingOn))
		if err != nil {
			return nil, out, err
		}
		return warningText(out, "Registered "+sc.SessionID), out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_heartbeat",
		Description: "Keep this session in the active set.",
	}, instrument(s, "session_heartbeat", func(ctx context.Context, _ *mcp.CallToolRequest, args sessionArgs) (*mcp.CallToolResult, coordOutput, error) {
		out, err := s.advisory("heartbeat", s.app.Registry.Heartbeat(ctx, s.session(args.SessionID, args.Project)))
		if err != nil {
			return nil, out, err
		}
		return warningText(out, "OK"), out, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "session_peers",
		Description: "List other sessions active in the project.",
	}, instrument(s, "session_peers", func(ctx context.Context, _ *mcp.CallToolRequest, args sessionPeersInput) (*mcp.CallToolResult, sessionPeersOutput, error) {
		sc := s.session(args.SessionID, args.Project)
		sessions, err := s.app.Registry.ActiveSessions(ctx, sc, sc.Project, !args.IncludeSelf)
		co, err := s.advisory("peers", err)
		out := sessionPeersOutput{OK: co.OK, Warnings: co.Warnings, Sessions: []peer{}}
		for _, p := range sessions {
			out.Sessions = append(out.Sessions, peer{
				ID:            p.ID,
				WorkingOn:     p.WorkingOn,
				LastHeartbeat: p.LastHeartbeat.Format(time.RFC3339),
			})
		}
		if err != nil {
			return nil, out, err
		}
		if !co.OK {
			return warningText(co, ""), out, nil
		}
		if len(sessions) == 0 {
			return text("No active peers."), out, nil
		}
		lines := make([]string, 0, len(sessions))
		for _, p := range sessions {
			line := p.ID
			if p.WorkingOn != "" {
				line += ": " + p.WorkingOn
			}
			lines = append(lines, line)
		}
		return text("%s", strings.Join(lines, "\n")), out, nil
	}))
}

// ===== CLAIM TOOLS =====

type fileInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Session to act as (default: the server's session)"`
	Project   string `json:"project,omitempty" jsonschema:"Project to act in (default: the server's project)"`
	FilePath  string `json:"file_path" jsonschema:"Path of the file, relative to the project root"`
}

type fileCheckOutput struct {
	OK        bool     `json:"ok"`
	Warnings  []string `json:"warnings,omitempty"`
	Claimed   bool     `json:"claimed"`
	ClaimedBy string   `json:"claimed_by,omitempty"`
	Stale     bool     `json:"stale,omitempty"`
}

func (o fileCheckOutput) warned() bool { return !o.OK }

type fileClaimOutput struct {
	OK       bool     `json:"ok"`
	Warnings []string `json:"warnings,omitempty"`
	Conflict bool     `json:"conflict"`
	Previous string   `json:"previous_session,omitempty"`
}

func (o fileClaimOutput) warned() bool { return !o.OK }

func (s *Server) registerClaimTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "file_check",
		Description: "Check whether another session has claimed a file. Claims are advisory.",
	}, instrument(s, "file_check", func(ctx context.Context, _ *mcp.CallToolRequest, args fileInput) (*mcp.CallToolResult, fileCheckOutput, error) {
		res, err := s.app.Ledger.Check(ctx, s.session(args.SessionID, args.Project), args.FilePath)
		co, err := s.advisory("check", err)
		out := fileCheckOutput{OK: co.OK, Warnings: co.Warnings, Claimed: res.Claimed, ClaimedBy: res.ClaimedBy, Stale: res.Stale}
		switch {
		case err != nil:
			return nil, out, err
		case !co.OK:
			return warningText(co, ""), out, nil
		case !res.Claimed:
			return text("Unclaimed."), out, nil
		case res.Stale:
			return text("Claimed by %s (stale since %s).", res.ClaimedBy, res.ClaimedAt.Format("2006-01-02 15:04:05")), out, nil
		default:
			return text("Claimed by %s.", res.ClaimedBy), out, nil
		}
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "file_claim",
		Description: "Claim a file for this session. An existing claim by another session is taken over and reported.",
	}, instrument(s, "file_claim", func(ctx context.Context, _ *mcp.CallToolRequest, args fileInput) (*mcp.CallToolResult, fileClaimOutput, error) {
		res, err := s.app.Ledger.Claim(ctx, s.session(args.SessionID, args.Project), args.FilePath)
		co, err := s.advisory("claim", err)
		out := fileClaimOutput{OK: co.OK, Warnings: co.Warnings, Conflict: res.Conflict}
		if res.Previous != nil {
			out.Previous = res.Previous.SessionID
		}
		switch {
		case err != nil:
			return nil, out, err
		case !co.OK:
			return warningText(co, ""), out, nil
		case res.Conflict:
			return text("Claimed. Took over from %s.", out.Previous), out, nil
		default:
			return text("Claimed."), out, nil
		}
	}))
}

// ===== HANDOFF TOOLS =====

type handoffCreateInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Session to act as (default: the server's session)"`
	Project   string `json:"project,omitempty" jsonschema:"Project to act in (default: the server's project)"`
	Content   string `json:"content" jsonschema:"What the next session needs to know"`
}

type handoffMarkInput struct {
	ID      string `json:"id" jsonschema:"Handoff id"`
	Outcome string `json:"outcome" jsonschema:"SUCCEEDED, PARTIAL_PLUS, PARTIAL_MINUS, FAILED or UNKNOWN"`
	Notes   string `json:"notes,omitempty" jsonschema:"Why the handoff went the way it did"`
}

type handoffOutput struct {
	ID string `json:"id"`
}

func (s *Server) registerHandoffTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "handoff_create",
		Description: "Write this session's handoff. Each session has exactly one.",
	}, instrument(s, "handoff_create", func(ctx context.Context, _ *mcp.CallToolRequest, args handoffCreateInput) (*mcp.CallToolResult, handoffOutput, error) {
		h, err := s.app.Handoffs.Create(ctx, s.session(args.SessionID, args.Project), args.Content)
		if err != nil {
			return nil, handoffOutput{}, err
		}
		return text("Handoff created: %s", h.ID), handoffOutput{ID: h.ID}, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "handoff_mark",
		Description: "Record how a handoff worked out.",
	}, instrument(s, "handoff_mark", func(ctx context.Context, _ *mcp.CallToolRequest, args handoffMarkInput) (*mcp.CallToolResult, handoffOutput, error) {
		outcome, err := learning.ParseOutcome(args.Outcome)
		if err != nil {
			return nil, handoffOutput{}, err
		}
		if err := s.app.Handoffs.Mark(ctx, args.ID, outcome, args.Notes); err != nil {
			return nil, handoffOutput{}, err
		}
		return text("Handoff %s marked %s", args.ID, outcome), handoffOutput{ID: args.ID}, nil
	}))
}
