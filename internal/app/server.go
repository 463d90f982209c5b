package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/markdave123-py/mediawhisperer/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/mediawhisperer/internal/api/middlewares"
	"github.com/markdave123-py/mediawhisperer/internal/config"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, docHandler *handlers.DocumentHandler, convHandler *handlers.ConversationHandler) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appMiddleware.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout(cfg)))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// API routes, all protected
	r.Route("/api", func(api chi.Router) {
		api.Use(appMiddleware.JWTMiddleware(cfg.JWTSecret))

		api.Route("/documents", func(docs chi.Router) {
			docs.Post("/upload", docHandler.UploadDocument)
			docs.Post("/from-url", docHandler.CreateFromURL)
			docs.Get("/", docHandler.GetDocuments)
			docs.Get("/{id}", docHandler.GetDocument)
			docs.Get("/{id}/content", docHandler.GetContent)
			docs.Get("/{id}/images", docHandler.GetImages)
			docs.Post("/{id}/submit", docHandler.SubmitDocument)
			docs.Post("/{id}/cancel", docHandler.CancelDocument)
			docs.Post("/{id}/search", docHandler.SearchDocument)
			docs.Delete("/{id}", docHandler.DeleteDocument)
		})

		api.Route("/conversations", func(convs chi.Router) {
			convs.Post("/", convHandler.CreateConversation)
			convs.Get("/", convHandler.ListConversations)
			convs.Get("/{id}", convHandler.GetConversation)
			convs.Post("/{id}/messages", convHandler.PostMessage)
			convs.Post("/{id}/respond", convHandler.Respond)
			convs.Delete("/{id}", convHandler.DeleteConversation)
		})
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{httpServer: httpSrv}
}

// requestTimeout leaves room for every completion attempt of one exchange.
func requestTimeout(cfg *config.Config) time.Duration {
	d := cfg.CompletionTimeout*time.Duration(max(cfg.RetryMaxAttempts, 1)) + 30*time.Second
	return max(d, 60*time.Second)
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	zap.S().Infow("Server: HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	zap.S().Infow("Server: shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
