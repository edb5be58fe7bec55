package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ue1live/internal/config"
	"ue1live/internal/metrics"
	"ue1live/internal/router"
	"ue1live/pkg/interfaces"
	"ue1live/pkg/types"
)

// ClientIDHeader lets a client name itself for rate limiting; the remote
// IP is used otherwise.
const ClientIDHeader = "X-Client-ID"

// Registry interface to avoid tight coupling to websocket.Registry implementation
type Registry interface {
	GetStats() map[string]int
}

// FeedHandler serves the WebSocket change feed.
type FeedHandler interface {
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

// HealthChecker is implemented by stores that can probe their backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and the store
// Clean separation - no business logic, only HTTP handling and JSON serialization
type Server struct {
	store    interfaces.RealtimeStore
	registry Registry
	feed     FeedHandler
	limiter  *router.RateLimiter
	config   *config.HTTPConfig
	engine   *gin.Engine
	started  time.Time
}

// NewServer wires the row API, the change feed and the operational endpoints.
// registry and feed may be nil.
func NewServer(store interfaces.RealtimeStore, registry Registry, feed FeedHandler, cfg *config.HTTPConfig) *Server {
	if cfg == nil {
		cfg = config.DefaultConfig().HTTP
	}
	s := &Server{
		store:    store,
		registry: registry,
		feed:     feed,
		limiter:  router.NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		config:   cfg,
		engine:   gin.New(),
		started:  time.Now(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.Use(gin.Recovery())
	s.engine.Use(cors.New(s.corsConfig()))

	rows := s.engine.Group("/api/rows")
	{
		rows.GET("/:table", s.selectRows)
		rows.POST("/:table/upsert", s.rateLimit, s.upsertRow)
		rows.PATCH("/:table", s.rateLimit, s.updateRows)
	}

	s.engine.GET("/health", s.healthCheck)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if s.feed != nil {
		s.engine.GET("/ws", gin.WrapF(s.feed.HandleWebSocket))
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// RunMaintenance evicts idle rate limiter entries until ctx is done.
func (s *Server) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(s.config.RateWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.limiter.Cleanup()
		case <-ctx.Done():
			return
		}
	}
}

// UpsertRequest is the body of POST /api/rows/:table/upsert.
type UpsertRequest struct {
	Row         types.Row `json:"row" binding:"required"`
	ConflictKey []string  `json:"conflict_key" binding:"required,min=1,dive,required"`
}

// UpdateRequest is the body of PATCH /api/rows/:table.
type UpdateRequest struct {
	Set   types.Row    `json:"set" binding:"required"`
	Match types.Filter `json:"match" binding:"required"`
}

// RowResponse carries one stored row.
type RowResponse struct {
	Row types.Row `json:"row"`
}

// RowsResponse carries a selection.
type RowsResponse struct {
	Rows []types.Row `json:"rows"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

// ErrorResponse is the body of every failed request. Reason carries the
// store error token clients map back onto sentinel errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func (s *Server) upsertRow(c *gin.Context) {
	var req UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, http.StatusBadRequest, err.Error(), "")
		return
	}

	row, err := s.store.Upsert(c.Request.Context(), c.Param("table"), req.Row, req.ConflictKey)
	if err != nil {
		s.sendStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, RowResponse{Row: row})
}

func (s *Server) updateRows(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.sendError(c, http.StatusBadRequest, err.Error(), "")
		return
	}

	row, err := s.store.Update(c.Request.Context(), c.Param("table"), req.Set, req.Match)
	if err != nil {
		s.sendStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, RowResponse{Row: row})
}

// selectRows reads equality filters from the query string: ?status=active
func (s *Server) selectRows(c *gin.Context) {
	filter := types.Filter{}
	for column, values := range c.Request.URL.Query() {
		if len(values) != 1 {
			s.sendError(c, http.StatusBadRequest, fmt.Sprintf("filter %s must have exactly one value", column), "")
			return
		}
		filter[column] = values[0]
	}

	rows, err := s.store.Select(c.Request.Context(), c.Param("table"), filter)
	if err != nil {
		s.sendStoreError(c, err)
		return
	}
	if rows == nil {
		rows = []types.Row{}
	}
	c.JSON(http.StatusOK, RowsResponse{Rows: rows})
}

// rateLimit guards the write endpoints, 100 writes a minute per client by default.
func (s *Server) rateLimit(c *gin.Context) {
	clientID := c.GetHeader(ClientIDHeader)
	if clientID == "" {
		clientID = c.ClientIP()
	}
	if !s.limiter.Allow(clientID) {
		metrics.RateLimited.Inc()
		s.sendError(c, http.StatusTooManyRequests, router.ErrRateLimitExceeded.Error(), "")
		c.Abort()
		return
	}
	c.Next()
}

// FUNCTIONAL DISCOVERY: GET /health - System health check with component validation
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if checker, ok := s.store.(HealthChecker); ok {
		if err := checker.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	connections := map[string]int{}
	if s.registry != nil {
		connections = s.registry.GetStats()
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: connections,
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response)
}

func (s *Server) sendStoreError(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Printf("Store error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	s.sendError(c, code, err.Error(), interfaces.Reason(err))
}

// FUNCTIONAL DISCOVERY: Consistent error response format
func (s *Server) sendError(c *gin.Context, code int, message, reason string) {
	c.JSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
		Reason:  reason,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrRowNotFound), errors.Is(err, interfaces.ErrUnknownTable):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrStoreClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case interfaces.Reason(err) != "":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "Content-Length", "Accept-Encoding", "Authorization", ClientIDHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.config.AllowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	for _, origin := range s.config.AllowedOrigins {
		if origin == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = s.config.AllowedOrigins
	cfg.AllowCredentials = true
	return cfg
}
