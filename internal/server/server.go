package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/jo-hoe/heic2png/internal/common"
	"github.com/jo-hoe/heic2png/internal/config"
	"github.com/jo-hoe/heic2png/internal/convert"
	"github.com/jo-hoe/heic2png/internal/jobs"
	"github.com/jo-hoe/heic2png/internal/storage"
)

// Dispatcher hands accepted uploads to background conversion. *jobs.Queue implements it.
type Dispatcher interface {
	Enqueue(item jobs.WorkItem) error
}

type Service struct {
	Log       *slog.Logger
	Cfg       *config.Config
	Registry  jobs.Registry
	Queue     Dispatcher
	Uploader  *storage.Uploader
	Artifacts storage.ArtifactStore
	Converter convert.Converter
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	return &http.Server{
		Addr:         svc.Cfg.Server.Addr(),
		Handler:      svc.Routes(),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

// Routes returns the chi router serving the job API.
func (svc *Service) Routes() http.Handler {
	if svc.Log == nil {
		svc.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	r := chi.NewRouter()
	r.Use(svc.loggingMiddleware)
	r.Use(svc.recoveryMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: svc.Cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get(common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post(common.PathUpload, svc.handleUpload)
	r.Get(common.PathProcessed+"/{id}", svc.handleStatus)
	r.Get(common.PathDownload+"/{id}", svc.handleDownload)
	return r
}

// response is the envelope every job endpoint answers with.
type response struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Status  string `json:"status,omitempty"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, response{Success: false, Error: msg})
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}
