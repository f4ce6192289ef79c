package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/learnd/internal/config"
	"github.com/fyrsmithlabs/learnd/internal/coord"
	"github.com/fyrsmithlabs/learnd/internal/extraction"
	"github.com/fyrsmithlabs/learnd/internal/ingest"
	"github.com/fyrsmithlabs/learnd/internal/learning"
	"github.com/fyrsmithlabs/learnd/internal/recall"
	"github.com/fyrsmithlabs/learnd/internal/store"
)

// statusFor maps domain errors to HTTP errors.
func statusFor(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, learning.ErrInvalidLearning), errors.Is(err, learning.ErrInvalidQuery):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, learning.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, learning.ErrHandoffExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, learning.ErrBackendUnreachable), errors.Is(err, extraction.ErrQueueFull),
		errors.Is(err, extraction.ErrQueueStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

func (s *Server) handleStore(c echo.Context) error {
	var req ingest.StoreRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.app.Ingest.Store(c.Request().Context(), s.session(c), req)
	if err != nil {
		return statusFor(err)
	}
	markDegraded(c, res.Degraded)
	if res.Status == ingest.StatusSkipped {
		return c.JSON(http.StatusOK, res)
	}
	return c.JSON(http.StatusCreated, res)
}

// AnnotateRequest is the body of PATCH /api/v1/learnings/:id.
type AnnotateRequest struct {
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleAnnotate(c echo.Context) error {
	var req AnnotateRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if err := s.app.Ingest.Annotate(c.Request().Context(), c.Param("id"), req.Metadata); err != nil {
		return statusFor(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// RecallRequest is the body of POST /api/v1/recall. Project defaults to the
// caller's project; AllProjects searches everything.
type RecallRequest struct {
	Query         string          `json:"query"`
	Mode          string          `json:"mode,omitempty"`
	Limit         int             `json:"limit,omitempty"`
	Project       string          `json:"project,omitempty"`
	AllProjects   bool            `json:"all_projects,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	Types         []string        `json:"types,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Since         time.Time       `json:"since,omitempty"`
	RecencyWeight float64         `json:"recency_weight,omitempty"`
	HalfLife      config.Duration `json:"half_life,omitempty"`
	Rerank        bool            `json:"rerank,omitempty"`
}

func (s *Server) recallQuery(c echo.Context, req RecallRequest) (recall.Query, error) {
	mode, err := recall.ParseMode(req.Mode)
	if err != nil {
		return recall.Query{}, err
	}
	f := store.Filter{SessionID: req.SessionID, Tags: req.Tags, Since: req.Since}
	if !req.AllProjects {
		f.Project = req.Project
		if f.Project == "" {
			f.Project = s.session(c).Project
		}
	}
	for _, t := range req.Types {
		typ, err := learning.ParseType(t)
		if err != nil {
			return recall.Query{}, err
		}
		f.Types = append(f.Types, typ)
	}
	return recall.Query{
		Text:          req.Query,
		Filter:        f,
		Mode:          mode,
		Limit:         req.Limit,
		RecencyWeight: req.RecencyWeight,
		HalfLife:      req.HalfLife.Duration(),
		Rerank:        req.Rerank,
	}, nil
}

func (s *Server) handleRecall(c echo.Context) error {
	var req RecallRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	q, err := s.recallQuery(c, req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := s.app.Recall.Recall(c.Request().Context(), q)
	if err != nil {
		return statusFor(err)
	}
	markDegraded(c, resp.Degraded)
	return c.JSON(http.StatusOK, resp)
}

// CoordResponse is returned by every coordination endpoint. Coordination
// is advisory, so backend failures surface as warnings with a 200.
type CoordResponse struct {
	OK       bool               `json:"ok"`
	Warnings []string           `json:"warnings,omitempty"`
	Sessions []learning.Session `json:"sessions,omitempty"`
	Check    *coord.CheckResult `json:"check,omitempty"`
	Claim    *coord.ClaimResult `json:"claim,omitempty"`
	Released *int               `json:"released,omitempty"`
}

// coordResult writes resp, or turns err into a 400 or a warning.
func (s *Server) coordResult(c echo.Context, op string, resp CoordResponse, err error) error {
	if err != nil {
		if errors.Is(err, learning.ErrInvalidQuery) || errors.Is(err, learning.ErrInvalidLearning) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Warn("coordination failed", zap.String("op", op), zap.Error(err))
		resp = CoordResponse{Warnings: []string{op + ": " + err.Error()}}
		markDegraded(c, true)
		return c.JSON(http.StatusOK, resp)
	}
	resp.OK = true
	return c.JSON(http.StatusOK, resp)
}

// RegisterRequest is the body of POST /api/v1/sessions.
type RegisterRequest struct {
	WorkingOn string `json:"working_on,omitempty"`
}

func (s *Server) handleRegister(c echo.Context) error {
	var req RegisterRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	err := s.app.Registry.Register(c.Request().Context(), s.session(c), req.WorkingOn)
	return s.coordResult(c, "register", CoordResponse{}, err)
}

func (s *Server) handleHeartbeat(c echo.Context) error {
	err := s.app.Registry.Heartbeat(c.Request().Context(), s.session(c))
	return s.coordResult(c, "heartbeat", CoordResponse{}, err)
}

func (s *Server) handlePeers(c echo.Context) error {
	sc := s.session(c)
	project := c.QueryParam("project")
	if project == "" {
		project = sc.Project
	}
	excludeSelf := true
	if v := c.QueryParam("exclude_self"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "exclude_self must be a boolean")
		}
		excludeSelf = b
	}
	sessions, err := s.app.Registry.ActiveSessions(c.Request().Context(), sc, project, excludeSelf)
	if sessions == nil {
		sessions = []learning.Session{}
	}
	return s.coordResult(c, "peers", CoordResponse{Sessions: sessions}, err)
}

// ClaimRequest is the body of the claim check and claim endpoints.
type ClaimRequest struct {
	FilePath string `json:"file_path"`
}

func (s *Server) handleCheck(c echo.Context) error {
	var req ClaimRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.app.Ledger.Check(c.Request().Context(), s.session(c), req.FilePath)
	return s.coordResult(c, "check", CoordResponse{Check: &res}, err)
}

func (s *Server) handleClaim(c echo.Context) error {
	var req ClaimRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := s.app.Ledger.Claim(c.Request().Context(), s.session(c), req.FilePath)
	return s.coordResult(c, "claim", CoordResponse{Claim: &res}, err)
}

func (s *Server) handleRelease(c echo.Context) error {
	n, err := s.app.Ledger.Release(c.Request().Context(), s.session(c))
	return s.coordResult(c, "release", CoordResponse{Released: &n}, err)
}

// HandoffRequest is the body of POST /api/v1/handoffs.
type HandoffRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleHandoffCreate(c echo.Context) error {
	var req HandoffRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	h, err := s.app.Handoffs.Create(c.Request().Context(), s.session(c), req.Content)
	if err != nil {
		return statusFor(err)
	}
	return c.JSON(http.StatusCreated, h)
}

// OutcomeRequest is the body of POST /api/v1/handoffs/:id/outcome.
type OutcomeRequest struct {
	Outcome string `json:"outcome"`
	Notes   string `json:"notes,omitempty"`
}

func (s *Server) handleHandoffMark(c echo.Context) error {
	var req OutcomeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	outcome, err := learning.ParseOutcome(req.Outcome)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.app.Handoffs.Mark(c.Request().Context(), c.Param("id"), outcome, req.Notes); err != nil {
		return statusFor(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleHandoffSearch(c echo.Context) error {
	project := c.QueryParam("project")
	if project == "" {
		project = s.session(c).Project
	}
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
		limit = n
	}
	hs, err := s.app.Handoffs.Search(c.Request().Context(), project, c.QueryParam("q"), limit)
	if err != nil {
		return statusFor(err)
	}
	if hs == nil {
		hs = []learning.Handoff{}
	}
	return c.JSON(http.StatusOK, hs)
}

// ExtractRequest is the body of POST /api/v1/extract.
type ExtractRequest struct {
	Messages []extraction.Message `json:"messages"`
}

// ExtractResponse reports an enqueued or finished extraction job.
type ExtractResponse struct {
	JobID  string                `json:"job_id"`
	Result *extraction.JobResult `json:"result,omitempty"`
	Error  string                `json:"error,omitempty"`
}

func (s *Server) handleExtract(c echo.Context) error {
	var req ExtractRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if len(req.Messages) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "messages are required")
	}
	jobID := uuid.NewString()
	done, err := s.app.Queue.Submit(extraction.Job{ID: jobID, Session: s.session(c), Messages: req.Messages})
	if err != nil {
		return statusFor(err)
	}

	wait, _ := strconv.ParseBool(c.QueryParam("wait"))
	if !wait {
		return c.JSON(http.StatusAccepted, ExtractResponse{JobID: jobID})
	}
	select {
	case res := <-done:
		resp := ExtractResponse{JobID: res.JobID, Result: &res}
		if res.Err != nil {
			resp.Error = res.Err.Error()
		}
		return c.JSON(http.StatusOK, resp)
	case <-c.Request().Context().Done():
		return echo.NewHTTPError(http.StatusRequestTimeout, "client went away before the job finished")
	}
}
