// routes.go - Route registration helpers
package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/cnc-iiot/backend/internal/storage"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Reader   storage.Reader
	Ingester Ingester
	Logger   *slog.Logger
	Version  string
}

// Handlers holds all handler instances
type Handlers struct {
	Health HealthHandler
	Jobs   JobHandler
	Runs   RunHandler
	Ingest IngestHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health: NewHealthHandler(deps.Version, deps.Reader),
		Jobs:   NewJobHandler(deps.Reader),
		Runs:   NewRunHandler(deps.Reader),
		Ingest: NewIngestHandler(deps.Ingester, deps.Logger),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	e.GET("/api/health", handlers.Health.HandleHealth)

	// Consumer queries; these never touch pipeline state
	jobGroup := e.Group("/api/jobs")
	jobGroup.GET("", handlers.Jobs.HandleListJobs)
	jobGroup.GET("/:id", handlers.Jobs.HandleGetJob)
	jobGroup.GET("/:id/transitions", handlers.Jobs.HandleGetTransitions)
	jobGroup.GET("/:id/telemetry", handlers.Jobs.HandleGetTelemetry)
	jobGroup.GET("/:id/telemetry/msgpack", handlers.Jobs.HandleGetTelemetryMsgpack)

	e.GET("/api/runs", handlers.Runs.HandleRecentRuns)

	// Batch ingestion
	machineGroup := e.Group("/api/machines")
	machineGroup.GET("", handlers.Ingest.HandleListMachines)
	machineGroup.POST("/:machineId/ingest", handlers.Ingest.HandleIngest)
}

// MiddlewareConfig selects optional middleware
type MiddlewareConfig struct {
	Logger         *slog.Logger
	RequestLogging bool
	EnableCORS     bool
	AllowOrigins   string
	BodyLimit      string
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, cfg MiddlewareConfig) {
	e.HTTPErrorHandler = ErrorHandler

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return !cfg.RequestLogging || c.Request().URL.Path == "/api/health"
		},
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				logger.Warn("request", append(attrs, "error", v.Error)...)
			} else {
				logger.Info("request", attrs...)
			}
			return nil
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	if cfg.EnableCORS {
		origins := strings.Split(cfg.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		}))
	}
}
