package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/susu3304/sessionbot/internal/attendance"
	"github.com/susu3304/sessionbot/internal/lifecycle"
	"github.com/susu3304/sessionbot/internal/recurrence"
	"github.com/susu3304/sessionbot/internal/scheduler"
	"github.com/susu3304/sessionbot/internal/series"
	"github.com/susu3304/sessionbot/internal/session"
	"github.com/susu3304/sessionbot/internal/store"
)

type Sessions interface {
	Create(ctx context.Context, d lifecycle.Draft) (*store.Session, error)
	Get(ctx context.Context, id int64) (*store.Session, error)
	List(ctx context.Context, q store.SessionQuery) ([]store.Session, error)
	Update(ctx context.Context, id int64, p lifecycle.Patch) (*store.Session, error)
	Delete(ctx context.Context, id int64) error
	Cancel(ctx context.Context, id int64, reason string) (*store.Session, error)
}

type Series interface {
	CreateSeries(ctx context.Context, d lifecycle.Draft, rule recurrence.Rule) (*series.Series, error)
	Get(ctx context.Context, id int64) (*store.Session, error)
	Instances(ctx context.Context, templateID int64, upcomingOnly bool, limit int) ([]store.Session, error)
	UpdateTemplate(ctx context.Context, id int64, p series.TemplatePatch) (*store.Session, int, error)
	DeleteTemplate(ctx context.Context, id int64, deleteFuture bool) (int, error)
	Extend(ctx context.Context, templateID int64, count int) ([]store.Session, error)
}

type Attendance interface {
	RecordResponse(ctx context.Context, sessionID int64, p store.Participant, raw string, extra attendance.Extra) (attendance.Result, error)
	RemoveResponse(ctx context.Context, sessionID int64, participantID string) (session.Counts, bool, error)
	Records(ctx context.Context, sessionID int64) ([]store.Attendance, error)
}

type Outbox interface {
	Abandoned(ctx context.Context, limit int) ([]store.OutboxMessage, error)
}

type Sweeps interface {
	Names() []string
	Run(ctx context.Context, name string) (scheduler.Result, error)
}

// Deps are the services the API drives.
type Deps struct {
	Sessions   Sessions
	Series     Series
	Attendance Attendance
	Outbox     Outbox
	Sweeps     Sweeps
	// Health is called by /healthz. Nil means always healthy.
	Health func(ctx context.Context) error
}

type API struct {
	router  *mux.Router
	deps    Deps
	logger  *slog.Logger
	bind    string
	origins []string
}

func New(bind string, origins []string, deps Deps, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	api := &API{
		router:  mux.NewRouter(),
		deps:    deps,
		logger:  logger,
		bind:    bind,
		origins: origins,
	}
	api.setupRoutes()
	return api
}

func (a *API) setupRoutes() {
	a.router.HandleFunc("/healthz", a.handleHealth).Methods("GET")

	r := a.router.PathPrefix("/api").Subrouter()
	r.Use(a.logRequests)

	r.HandleFunc("/sessions", a.handleListSessions).Methods("GET")
	r.HandleFunc("/sessions", a.handleCreateSession).Methods("POST")
	r.HandleFunc("/sessions/{id:[0-9]+}", a.handleGetSession).Methods("GET")
	r.HandleFunc("/sessions/{id:[0-9]+}", a.handleUpdateSession).Methods("PATCH")
	r.HandleFunc("/sessions/{id:[0-9]+}", a.handleDeleteSession).Methods("DELETE")
	r.HandleFunc("/sessions/{id:[0-9]+}/cancel", a.handleCancelSession).Methods("POST")
	r.HandleFunc("/sessions/{id:[0-9]+}/attendance/{participant}", a.handlePutAttendance).Methods("PUT")
	r.HandleFunc("/sessions/{id:[0-9]+}/attendance/{participant}", a.handleDeleteAttendance).Methods("DELETE")

	r.HandleFunc("/series", a.handleCreateSeries).Methods("POST")
	r.HandleFunc("/series/{id:[0-9]+}", a.handleGetSeries).Methods("GET")
	r.HandleFunc("/series/{id:[0-9]+}", a.handleUpdateSeries).Methods("PATCH")
	r.HandleFunc("/series/{id:[0-9]+}", a.handleDeleteSeries).Methods("DELETE")
	r.HandleFunc("/series/{id:[0-9]+}/extend", a.handleExtendSeries).Methods("POST")

	r.HandleFunc("/outbox/failed", a.handleFailedOutbox).Methods("GET")
	r.HandleFunc("/sweeps", a.handleListSweeps).Methods("GET")
	r.HandleFunc("/sweeps/{name}", a.handleRunSweep).Methods("POST")
}

// Handler is the router wrapped in CORS handling.
func (a *API) Handler() http.Handler {
	corsOptions := cors.Options{
		AllowedOrigins:   a.origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
	}
	return cors.New(corsOptions).Handler(a.router)
}

// Serve listens on the configured address until ctx is done.
func (a *API) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.bind,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.logger.Info("api: listening", "addr", a.bind)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		a.logger.Debug("api: request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.deps.Health != nil {
		if err := a.deps.Health(r.Context()); err != nil {
			a.logger.Warn("api: health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
