package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/gijiroku/internal/config"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(cfg *config.Config, h *Handlers, log zerolog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      Router(h, log),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: log,
	}
}

// Router builds the chi routing tree. Split out so tests can mount the
// handlers without binding a socket.
func Router(h *Handlers, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORS)

	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/transcriptions", func(r chi.Router) {
			r.Post("/", h.CreateTranscription)
			r.Get("/", h.ListTranscriptions)
			r.Get("/{id}", h.GetTranscription)
			r.Get("/{id}/summary", h.GetSummary)
			r.Get("/{id}/logs", h.GetLogs)
			r.Delete("/{id}", h.DeleteTranscription)
		})

		r.Route("/files/{id}", func(r chi.Router) {
			r.Get("/transcription.txt", h.DownloadTranscriptionTxt)
			r.Get("/transcription.json", h.DownloadTranscriptionJSON)
			r.Get("/summary.txt", h.DownloadSummaryTxt)
			r.Get("/export", h.Export)
		})
	})

	return r
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
