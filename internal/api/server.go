package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bulkops/internal/config"
	"bulkops/internal/ports"
	"bulkops/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func NewServer(svc *usecase.TaskService, bus ports.EventBus, cfg config.HTTP) *Server {
	s := &Server{
		svc: svc,
		bus: bus,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || originAllowed(cfg.AllowedOrigins, origin)
			},
		},
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.health)
	r.Get("/ws/tasks", s.serveWS)
	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Use(requireUser)
		r.Post("/", s.createTask)
		r.Get("/", s.listTasks)
		r.Get("/history", s.taskHistory)
		r.Get("/{id}", s.getTask)
		r.Post("/{id}/cancel", s.cancelTask)
	})
	s.router = r
	return s
}

type Server struct {
	router   *chi.Mux
	svc      *usecase.TaskService
	bus      ports.EventBus
	cfg      config.HTTP
	upgrader websocket.Upgrader
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool { return r.URL.Path == "/healthz" }),
		realIPHandler,
		requestIDHandler,
		recoverHandler,
		corsHandler(s.cfg.AllowedOrigins),
	)
}

// Run method of the Server struct runs the HTTP server on the specified port
// until SIGINT or SIGTERM, then drains in-flight requests.
func (s *Server) Run(port int) {
	addr := fmt.Sprintf(":%d", port)

	httpServer := http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
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
			log.Fatal().Err(err).Msg("Server forced to shutdown")
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
