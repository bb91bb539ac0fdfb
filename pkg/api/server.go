// Package api exposes the REST surface: authenticated summarization,
// summary retrieval, schedule management, and health.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/recapd/recapd/pkg/config"
	"github.com/recapd/recapd/pkg/llm"
	"github.com/recapd/recapd/pkg/models"
	"github.com/recapd/recapd/pkg/ratelimit"
)

// Summarizer is the engine surface the API drives.
type Summarizer interface {
	Summarize(ctx context.Context, req models.SummaryRequest) (*models.Summary, error)
}

// SummaryReader serves stored summaries.
type SummaryReader interface {
	Get(ctx context.Context, id string) (*models.Summary, error)
	Find(ctx context.Context, criteria models.SummaryCriteria, limit, offset int, orderAsc bool) ([]*models.Summary, error)
	Count(ctx context.Context, criteria models.SummaryCriteria) (int, error)
}

// TaskStore persists scheduled tasks.
type TaskStore interface {
	Create(ctx context.Context, task *models.ScheduledTask) error
	Get(ctx context.Context, id string) (*models.ScheduledTask, error)
	Delete(ctx context.Context, id string) error
}

// NextRunFunc validates a schedule descriptor and returns its first trigger.
type NextRunFunc interface {
	NextRun(descriptor string, now time.Time) (time.Time, error)
}

// NextRunFn adapts a plain function to NextRunFunc.
type NextRunFn func(descriptor string, now time.Time) (time.Time, error)

// NextRun implements NextRunFunc.
func (f NextRunFn) NextRun(descriptor string, now time.Time) (time.Time, error) {
	return f(descriptor, now)
}

// MetricsSource reports LLM dispatcher counters for the health payload.
type MetricsSource interface {
	Metrics() llm.Metrics
}

// Deps bundles the server's collaborators.
type Deps struct {
	Engine    Summarizer
	Summaries SummaryReader
	Tasks     TaskStore
	NextRun   NextRunFunc
	Reload    func()
	DB        *sql.DB
	Keys      *config.APIKeyTable
	LLM       MetricsSource
	Logger    *slog.Logger

	// Extras are additional health components reported by name, e.g. the
	// scheduler loop or the gateway connection.
	Extras map[string]func() any

	JWTSecret      string
	RateLimit      int
	RateWindow     time.Duration
	RequestTimeout time.Duration
}

// Server is the REST adapter over the engine, stores, and scheduler.
type Server struct {
	engine    Summarizer
	summaries SummaryReader
	tasks     TaskStore
	nextRun   NextRunFunc
	reload    func()
	db        *sql.DB
	keys      *config.APIKeyTable
	llm       MetricsSource
	logger    *slog.Logger
	extras    map[string]func() any

	jwtSecret      string
	limiter        *ratelimit.Limiter
	requestTimeout time.Duration

	jobs *jobRegistry

	httpServer *http.Server
}

// NewServer builds the server and its router.
func NewServer(deps Deps) *Server {
	if deps.RateLimit <= 0 {
		deps.RateLimit = 100
	}
	if deps.RateWindow <= 0 {
		deps.RateWindow = time.Minute
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 60 * time.Second
	}
	if deps.Reload == nil {
		deps.Reload = func() {}
	}
	return &Server{
		engine:         deps.Engine,
		summaries:      deps.Summaries,
		tasks:          deps.Tasks,
		nextRun:        deps.NextRun,
		reload:         deps.Reload,
		db:             deps.DB,
		keys:           deps.Keys,
		llm:            deps.LLM,
		extras:         deps.Extras,
		logger:         deps.Logger.With("component", "api"),
		jwtSecret:      deps.JWTSecret,
		limiter:        ratelimit.New(deps.RateLimit, deps.RateWindow),
		requestTimeout: deps.RequestTimeout,
		jobs:           newJobRegistry(),
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)

	v1 := r.Group("/v1", s.authMiddleware(), s.rateLimitMiddleware())
	{
		v1.POST("/summarize", s.handleSummarize)
		v1.GET("/summary/:id", s.handleGetSummary)
		v1.GET("/summaries", s.handleListSummaries)
		v1.POST("/schedule", s.handleCreateSchedule)
		v1.DELETE("/schedule/:id", s.handleDeleteSchedule)
		v1.GET("/jobs/:id", s.handleGetJob)
	}
	return r
}

// Start begins serving on addr. Returns the listener error channel.
func (s *Server) Start(addr string) <-chan error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// job tracks an async summarization handed off when the caller's timeout
// budget ran out.
type job struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"` // running, completed, failed
	SummaryID  string    `json:"summaryId,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
}

type jobRegistry struct {
	mu   sync.Mutex
	jobs map[string]*job
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{jobs: map[string]*job{}}
}

func (r *jobRegistry) create() *job {
	j := &job{ID: uuid.NewString(), Status: "running", StartedAt: time.Now().UTC()}
	r.mu.Lock()
	r.jobs[j.ID] = j
	r.mu.Unlock()
	return j
}

func (r *jobRegistry) finish(id, summaryID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return
	}
	j.FinishedAt = time.Now().UTC()
	if err != nil {
		j.Status = "failed"
		j.Error = err.Error()
		return
	}
	j.Status = "completed"
	j.SummaryID = summaryID
}

func (r *jobRegistry) get(id string) (*job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	copied := *j
	return &copied, true
}
