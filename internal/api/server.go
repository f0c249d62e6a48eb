package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/StoryForge/internal/credits"
	"github.com/digkill/StoryForge/internal/events"
	"github.com/digkill/StoryForge/internal/models"
	"github.com/digkill/StoryForge/internal/service"
	"github.com/digkill/StoryForge/internal/storage"
)

type Jobs interface {
	QueueMascotJob(ctx context.Context, userID string, req service.MascotRequest) (service.QueueResult, error)
	QueueStoryJob(ctx context.Context, userID string, req service.StoryRequest) (service.QueueResult, error)
	CancelJob(ctx context.Context, userID, jobID string) (bool, error)
	RetryJob(ctx context.Context, userID, jobID string) error
}

type Queries interface {
	GetJob(ctx context.Context, userID, jobID string) (*service.JobView, error)
	GetLatestJob(ctx context.Context, userID string, kind models.JobKind) (*service.JobView, error)
	GetActiveJobs(ctx context.Context, userID string) ([]service.JobView, error)
	GetCreditState(ctx context.Context, userID string) (credits.State, error)
}

type Books interface {
	GetBook(ctx context.Context, userID, bookID string) (*service.BookView, error)
	GetBookPages(ctx context.Context, userID, bookID string) ([]service.PageView, error)
	GetUserBooks(ctx context.Context, userID string, limit int) ([]service.BookView, error)
	RateBook(ctx context.Context, userID, bookID string, rating int) error
	UpdateReadingProgress(ctx context.Context, userID, bookID string, progress int) error
}

type Profiles interface {
	Get(ctx context.Context, userID string) (*models.UserProfile, error)
	Upsert(ctx context.Context, userID string, in service.ProfileInput) (*models.UserProfile, error)
}

type Packages interface {
	List(ctx context.Context) ([]models.CreditPackage, error)
	Create(ctx context.Context, input service.CreatePackageInput) (*models.CreditPackage, error)
}

type Purchases interface {
	ApplyPurchase(ctx context.Context, in service.PurchaseInput) (*models.Purchase, bool, error)
}

type Ledger interface {
	Grant(ctx context.Context, userID string, amount int) (int, error)
	ActivatePremium(ctx context.Context, userID string, durationDays int) error
	GrantEntitlement(ctx context.Context, userID string) error
}

type Uploader interface {
	Upload(ctx context.Context, scope, userID string, data []byte, contentType string) (string, error)
}

type EventStream interface {
	Subscribe(ctx context.Context, jobID string, handler func(events.JobEvent) bool) error
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

type Deps struct {
	Jobs      Jobs
	Queries   Queries
	Books     Books
	Profiles  Profiles
	Packages  Packages
	Purchases Purchases
	Ledger    Ledger
	Uploads   Uploader
	Events    EventStream
	DB        Pinger
	Metrics   http.Handler
}

type Config struct {
	Addr          string
	AdminUsername string
	AdminPassword string
}

type Server struct {
	cfg    Config
	deps   Deps
	log    *slog.Logger
	router *chi.Mux
}

func NewServer(cfg Config, deps Deps, log *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{cfg: cfg, deps: deps, log: log, router: r}

	r.Get("/healthz", s.handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/mascot-jobs", s.handleQueueMascot)
		r.Post("/story-jobs/quote", s.handleQuoteStory)
		r.Post("/story-jobs", s.handleQueueStory)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/latest", s.handleLatestJob)
			r.Get("/active", s.handleActiveJobs)
			r.Get("/{id}", s.handleGetJob)
			r.Get("/{id}/events", s.handleJobEvents)
			r.Post("/{id}/cancel", s.handleCancelJob)
			r.Post("/{id}/retry", s.handleRetryJob)
		})
		r.Get("/credits", s.handleCredits)
		r.Route("/books", func(r chi.Router) {
			r.Get("/", s.handleListBooks)
			r.Get("/{id}", s.handleGetBook)
			r.Get("/{id}/pages", s.handleBookPages)
			r.Post("/{id}/rating", s.handleRateBook)
			r.Post("/{id}/progress", s.handleReadingProgress)
		})
		r.Post("/uploads", s.handleUpload)
		r.Get("/profile", s.handleGetProfile)
		r.Put("/profile", s.handlePutProfile)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.basicAuthMiddleware())
		r.Get("/packages", s.handleListPackages)
		r.Post("/packages", s.handleCreatePackage)
		r.Post("/purchases", s.handleApplyPurchase)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Post("/credits", s.handleGrantCredits)
			r.Post("/premium", s.handleActivatePremium)
			r.Post("/entitlement", s.handleGrantEntitlement)
		})
	})
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("http api listening", "addr", s.cfg.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.PingContext(ctx); err != nil {
			s.log.Warn("health check failed", "err", err)
			writeError(w, http.StatusServiceUnavailable, "unavailable", "")
			return
		}
	}
	writeOK(w, http.StatusOK, map[string]string{"status": "ok"})
}

type ctxKey struct{}

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_:@-]{1,128}$`)

// requireUser reads the caller identity set by the gateway.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if !userIDPattern.MatchString(userID) {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid X-User-ID")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userFrom(r *http.Request) string {
	userID, _ := r.Context().Value(ctxKey{}).(string)
	return userID
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.cfg.AdminUsername || pass != s.cfg.AdminPassword {
				w.Header().Set("WWW-Authenticate", `Basic realm="storyforge"`)
				writeError(w, http.StatusUnauthorized, "unauthorized", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Error: code, Message: message})
}

// fail maps service errors to structured responses. Anything unknown is
// logged and reported as internal.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, service.ErrInsufficientCredits):
		status, code = http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, service.ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, service.ErrInvalidDuration):
		status, code = http.StatusBadRequest, "invalid_duration"
	case errors.Is(err, service.ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_input"
	case errors.Is(err, service.ErrPriceChanged):
		status, code = http.StatusConflict, "price_changed"
	case errors.Is(err, service.ErrWrongState):
		status, code = http.StatusConflict, "wrong_state"
	case errors.Is(err, service.ErrJobNotFound):
		status, code = http.StatusNotFound, "job_not_found"
	case errors.Is(err, service.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, storage.ErrNotImage):
		status, code = http.StatusUnsupportedMediaType, "unsupported_image"
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "err", err, "method", r.Method, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
		writeError(w, status, code, "")
		return
	}
	writeError(w, status, code, err.Error())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}
