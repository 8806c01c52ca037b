package api

import (
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"clustervisor/internal/handlers"
	"clustervisor/internal/logging"
	"clustervisor/internal/middleware"

	"github.com/gorilla/mux"
)

type Router struct {
	*mux.Router
}

// Options carries what the router needs beyond the pool itself.
type Options struct {
	Logs            *logging.LogBuffer
	Logger          *slog.Logger
	Templates       fs.FS
	ShutdownTimeout time.Duration
	AfterShutdown   func()
}

func NewRouter(pool handlers.Pool, opts Options) (*Router, error) {
	r := mux.NewRouter()

	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logs := opts.Logs
	if logs == nil {
		logs = logging.NewLogBuffer(1000)
	}

	tmplHandler, err := handlers.NewTemplateHandler(opts.Templates, pool, logs, logger)
	if err != nil {
		return nil, err
	}
	poolHandler := handlers.NewPoolHandler(pool, logs, opts.ShutdownTimeout, opts.AfterShutdown)
	eventsHandler := handlers.NewEventsHandler(pool, logger)

	// Health check endpoints (no middleware for faster response)
	r.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/ready", handlers.ReadyCheck(pool)).Methods(http.MethodGet)

	r.HandleFunc("/", tmplHandler.ServeTemplate("dashboard")).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/pool", poolHandler.GetPool).Methods(http.MethodGet)
	api.HandleFunc("/pool/start", poolHandler.StartPool).Methods(http.MethodPost)
	api.HandleFunc("/pool/restart", poolHandler.RollingRestart).Methods(http.MethodPost)
	api.HandleFunc("/pool/shutdown", poolHandler.Shutdown).Methods(http.MethodPost)
	api.HandleFunc("/pool/slots/{slot:[0-9]+}/revive", poolHandler.ReviveSlot).Methods(http.MethodPost)
	api.HandleFunc("/workers", poolHandler.GetWorkers).Methods(http.MethodGet)
	api.HandleFunc("/workers/{id:[0-9]+}", poolHandler.GetWorker).Methods(http.MethodGet)
	api.HandleFunc("/workers/{id:[0-9]+}/restart", poolHandler.RestartWorker).Methods(http.MethodPost)
	api.HandleFunc("/workers/{id:[0-9]+}/kill", poolHandler.KillWorker).Methods(http.MethodPost)
	api.HandleFunc("/workers/{id:[0-9]+}/send", poolHandler.SendToWorker).Methods(http.MethodPost)
	api.HandleFunc("/broadcast", poolHandler.Broadcast).Methods(http.MethodPost)
	api.HandleFunc("/logs", poolHandler.GetLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs/worker/{id:[0-9]+}", poolHandler.GetWorkerLogs).Methods(http.MethodGet)
	api.HandleFunc("/events", eventsHandler.Stream).Methods(http.MethodGet)

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logging(logger))

	return &Router{Router: r}, nil
}
