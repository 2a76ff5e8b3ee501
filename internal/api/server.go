package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"vidbatch/internal/infra/docstore"
	"vidbatch/internal/ports"
	"vidbatch/internal/usecase"
)

// Deps are the collaborators the HTTP layer serves. Queue and Enqueuer are
// nil when Redis is not configured.
type Deps struct {
	Docs      *docstore.Store
	Tasks     ports.TaskStore
	Runner    usecase.BatchRunner
	Queue     ports.Queue
	Enqueuer  *usecase.Enqueuer
	PublicDir string
}

type Server struct {
	router   *chi.Mux
	deps     Deps
	validate *validator.Validate
}

func NewServer(d Deps) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		deps:     d,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.health)

		r.Get("/documents/{name}", s.getDocument)
		r.Put("/documents/{name}", s.putDocument)

		r.Route("/video", func(r chi.Router) {
			r.Get("/tasks", s.listTasks)
			r.Post("/tasks", s.createTask)
			r.Get("/tasks/{number}", s.getTask)
			r.Delete("/tasks/{number}", s.deleteTask)
			r.Post("/tasks/{number}/reset", s.resetTask)

			r.Post("/batch", s.startBatch)
			r.Post("/batch/async", s.enqueueBatch)
			r.Get("/batch/{id}", s.getBatch)
		})
	})

	if s.deps.PublicDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.deps.PublicDir)))
	}
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		recoverHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool { return r.URL.Path == "/api/health" }),
		realIPHandler,
		requestIDHandler,
		corsHandler,
	)
}

// Run method of the Server struct runs the HTTP server on the specified port
// until SIGINT or SIGTERM.
func (s *Server) Run(port int) {
	addr := fmt.Sprintf(":%d", port)

	// batches can take tens of minutes, so there is no write timeout
	httpServer := http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Failed to listen and serve")
	}

	<-done
	log.Info().Msg("Server stopped")
}
