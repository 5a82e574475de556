package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/david/bandi-engine/internal/engine"
	"github.com/david/bandi-engine/internal/match"
	"github.com/david/bandi-engine/internal/models"
	"github.com/david/bandi-engine/internal/report"
)

// runTimeout bounds a background aggregation run.
const runTimeout = 30 * time.Minute

// RunLister exposes the run bookkeeping table.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error)
}

// Options configures the HTTP surface.
type Options struct {
	AdminSecret string
	CORSOrigins []string
	// Now is the clock used for runs and read-time flags; defaults to time.Now.
	Now func() time.Time
}

type Server struct {
	Engine *engine.Engine
	Runs   RunLister
	Echo   *echo.Echo

	secret string
	now    func() time.Time

	// Background job tracking. Only one run at a time.
	jobMu      sync.Mutex
	runningJob *backgroundJob
}

type backgroundJob struct {
	ID        string             `json:"id"`
	Status    string             `json:"status"` // running, completed, failed, canceled
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at,omitempty"`
	Result    any                `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	Cancel    context.CancelFunc `json:"-"`

	done chan struct{}
}

func NewServer(eng *engine.Engine, runs RunLister, opts Options) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	allowedOrigins := opts.CORSOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Admin-Secret"},
	}))

	secret := strings.TrimSpace(opts.AdminSecret)
	if secret == "" {
		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate admin secret fallback: %w", err)
		}
		secret = base64.RawURLEncoding.EncodeToString(buf)
		log.Print("[api] ADMIN_SECRET is not set; using ephemeral in-memory fallback secret")
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		Engine: eng,
		Runs:   runs,
		Echo:   e,
		secret: secret,
		now:    now,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	api := s.Echo.Group("/api/v1")
	api.GET("/grants", s.handleListGrants)
	api.GET("/matches", s.handleListMatches)
	api.GET("/report", s.handleReport)
	api.GET("/report.xlsx", s.handleReportXLSX)
	api.GET("/runs", s.handleListRuns)

	admin := api.Group("")
	admin.Use(s.adminMiddleware)
	admin.POST("/runs", s.handleTriggerRun)
	admin.GET("/admin/job/:id", s.handleJobStatus)
	admin.POST("/admin/job/:id/cancel", s.handleCancelJob)
	admin.DELETE("/grants/:key", s.handleDeleteGrant)
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleListGrants(c echo.Context) error {
	q := engine.GrantQuery{
		Source:         c.QueryParam("source"),
		NewOnly:        c.QueryParam("new") == "true",
		ExcludeExpired: c.QueryParam("exclude_expired") == "true",
	}
	views, err := s.Engine.Grants(c.Request().Context(), q, s.now())
	if err != nil {
		return s.storeFailure(c, "list grants", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"grants": views, "total": len(views)})
}

func (s *Server) handleListMatches(c echo.Context) error {
	from, to, err := parseRange(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	f := match.Filter{
		ClientID: c.QueryParam("client_id"),
		GrantKey: c.QueryParam("grant_key"),
		From:     from,
		To:       to,
	}
	if v := c.QueryParam("min_score"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "min_score must be an integer in [0,100]"})
		}
		f.MinScore = n
	}

	results, err := s.Engine.Matches(c.Request().Context(), f)
	if err != nil {
		return s.storeFailure(c, "list matches", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"matches": results, "total": len(results)})
}

func (s *Server) snapshot(c echo.Context) (models.ReportSnapshot, error) {
	from, to, err := parseRange(c)
	if err != nil {
		return models.ReportSnapshot{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if to.IsZero() {
		to = s.now()
	}
	return s.Engine.Snapshot(c.Request().Context(), report.Range{From: from, To: to})
}

func (s *Server) handleReport(c echo.Context) error {
	snap, err := s.snapshot(c)
	if err != nil {
		return s.reportFailure(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (s *Server) handleReportXLSX(c echo.Context) error {
	snap, err := s.snapshot(c)
	if err != nil {
		return s.reportFailure(c, err)
	}
	var buf bytes.Buffer
	if err := report.WriteXLSX(&buf, snap); err != nil {
		c.Logger().Errorf("Failed to render report: %v", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	name := fmt.Sprintf("report-%s.xlsx", snap.To.Format("2006-01-02"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

func (s *Server) reportFailure(c echo.Context, err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return c.JSON(he.Code, map[string]any{"error": he.Message})
	}
	var stale *models.StaleReadError
	if errors.As(err, &stale) {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	return s.storeFailure(c, "build report", err)
}

func (s *Server) storeFailure(c echo.Context, op string, err error) error {
	c.Logger().Errorf("Failed to %s: %v", op, err)
	var se *models.StoreError
	if errors.As(err, &se) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Store unavailable"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

func (s *Server) handleListRuns(c echo.Context) error {
	if s.Runs == nil {
		return c.JSON(http.StatusOK, []models.RunSummary{})
	}
	limit := 20
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	runs, err := s.Runs.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return s.storeFailure(c, "list runs", err)
	}
	if runs == nil {
		runs = []models.RunSummary{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) handleTriggerRun(c echo.Context) error {
	s.jobMu.Lock()
	if s.runningJob != nil && s.runningJob.Status == "running" {
		job := s.runningJob
		s.jobMu.Unlock()
		return c.JSON(http.StatusConflict, map[string]any{
			"error":  "An aggregation run is already in progress",
			"job_id": job.ID,
		})
	}

	// Detached from the request; the job outlives it.
	jobCtx, jobCancel := context.WithTimeout(context.WithoutCancel(c.Request().Context()), runTimeout)

	jobID := uuid.New().String()[:8]
	job := &backgroundJob{
		ID:        jobID,
		Status:    "running",
		StartedAt: s.now(),
		Cancel:    jobCancel,
		done:      make(chan struct{}),
	}
	s.runningJob = job
	s.jobMu.Unlock()

	go func() {
		defer close(job.done)
		defer jobCancel()

		res, err := s.Engine.Run(jobCtx, s.now())

		s.jobMu.Lock()
		defer s.jobMu.Unlock()
		job.EndedAt = s.now()
		switch {
		case err == nil:
			job.Status = "completed"
			job.Result = res.Run
			log.Printf("[run-job %s] completed: %d matches", jobID, res.Run.Matches)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			job.Status = "canceled"
			job.Error = err.Error()
			log.Printf("[run-job %s] canceled: %v", jobID, err)
		default:
			job.Status = "failed"
			job.Error = err.Error()
			log.Printf("[run-job %s] failed: %v", jobID, err)
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]any{
		"message": "Aggregation run started",
		"job_id":  jobID,
		"poll":    fmt.Sprintf("/api/v1/admin/job/%s", jobID),
	})
}

// lookupJob returns the tracked job when it has the given ID.
func (s *Server) lookupJob(id string) *backgroundJob {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	if s.runningJob == nil || s.runningJob.ID != id {
		return nil
	}
	return s.runningJob
}

func (s *Server) handleJobStatus(c echo.Context) error {
	job := s.lookupJob(c.Param("id"))
	if job == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}

	s.jobMu.Lock()
	resp := map[string]any{
		"id":         job.ID,
		"status":     job.Status,
		"started_at": job.StartedAt,
	}
	if !job.EndedAt.IsZero() {
		resp["ended_at"] = job.EndedAt
		resp["duration"] = job.EndedAt.Sub(job.StartedAt).String()
	}
	if job.Result != nil {
		resp["result"] = job.Result
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	s.jobMu.Unlock()

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCancelJob(c echo.Context) error {
	job := s.lookupJob(c.Param("id"))
	if job == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	s.jobMu.Lock()
	running := job.Status == "running"
	s.jobMu.Unlock()
	if !running {
		return c.JSON(http.StatusConflict, map[string]string{"error": "job is not running"})
	}
	job.Cancel()
	return c.JSON(http.StatusAccepted, map[string]string{"message": "Cancellation requested", "job_id": job.ID})
}

func (s *Server) handleDeleteGrant(c echo.Context) error {
	key, err := url.PathUnescape(c.Param("key"))
	if err != nil || key == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid grant key"})
	}
	n, err := s.Engine.DeleteGrant(c.Request().Context(), key)
	if errors.Is(err, engine.ErrGrantNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
	}
	if err != nil {
		return s.storeFailure(c, "delete grant", err)
	}
	return c.JSON(http.StatusOK, map[string]any{"deleted": key, "matches_removed": n})
}

func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.validSecret(c.Request().Header.Get("X-Admin-Secret")) {
			return next(c)
		}
		authHeader := c.Request().Header.Get("Authorization")
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") && s.validSecret(authHeader[7:]) {
			return next(c)
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized admin access"})
	}
}

func (s *Server) validSecret(got string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) == 1
}

// parseRange reads the optional from/to query parameters. A bare date in
// "to" covers that whole day.
func parseRange(c echo.Context) (time.Time, time.Time, error) {
	from, err := parseTimeParam(c.QueryParam("from"), false)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := parseTimeParam(c.QueryParam("to"), true)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, errors.New("to is before from")
	}
	return from, to, nil
}

func parseTimeParam(v string, endOfDay bool) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD or RFC3339, got %q", v)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}
