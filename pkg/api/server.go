// Package api implements the controller's external HTTP/SSE surface
// (spec.md §6) as a thin chi router delegating to the Lab Manager, the
// File-Server Manager, and the Image Service.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"

	"github.com/lsst-sqre/nublado/internal/config"
	"github.com/lsst-sqre/nublado/pkg/events"
	"github.com/lsst-sqre/nublado/pkg/fileserver"
	"github.com/lsst-sqre/nublado/pkg/images"
	"github.com/lsst-sqre/nublado/pkg/lab"
)

// ImageService is the slice of Component C the API needs.
type ImageService interface {
	Snapshot() *images.ImageCatalog
	NodeView() images.NodeView
}

// LabManager is the slice of Component E the API needs.
type LabManager interface {
	Create(ctx context.Context, username string, req lab.Request) error
	Delete(ctx context.Context, username string) error
	Status(username string) (lab.Snapshot, error)
	Events(username string, afterID uint64) (*events.Subscription, error)
	List() []lab.Snapshot
}

// FileServerManager is the slice of Component F the API needs.
type FileServerManager interface {
	Create(ctx context.Context, username string) error
	Delete(ctx context.Context, username string) error
	Status(username string) (fileserver.Snapshot, bool)
}

// Server bundles the router and its dependencies.
type Server struct {
	router   chi.Router
	lab      LabManager
	files    FileServerManager
	images   ImageService
	cfg      config.PrepullerSettings
	log      logr.Logger
	validate *validator.Validate
}

// NewServer constructs the chi router wired to every component, with CORS
// and HTTP metrics middleware installed.
func NewServer(labMgr LabManager, filesMgr FileServerManager, imageSvc ImageService, prepullCfg config.PrepullerSettings, metrics *Metrics, log logr.Logger) *Server {
	s := &Server{
		lab:      labMgr,
		files:    filesMgr,
		images:   imageSvc,
		cfg:      prepullCfg,
		log:      log,
		validate: validator.New(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(tracingMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if metrics != nil {
		r.Use(metrics.Middleware)
	}

	r.Get("/images", s.handleImages)
	r.Get("/prepulls", s.handlePrepulls)

	r.Get("/labs", s.handleListLabs)
	r.Post("/labs/{user}", s.handleCreateLab)
	r.Get("/labs/{user}", s.handleGetLab)
	r.Delete("/labs/{user}", s.handleDeleteLab)
	r.Get("/labs/{user}/events", s.handleLabEvents)

	r.Post("/files/{user}", s.handleCreateFileServer)
	r.Get("/files/{user}", s.handleGetFileServer)
	r.Delete("/files/{user}", s.handleDeleteFileServer)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonEncode(w, body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
