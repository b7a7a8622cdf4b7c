// Package api exposes the ingest service, graph reads and the realtime feed over HTTP.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"convograph/backend/internal/ingest"
	"convograph/backend/internal/metrics"
	"convograph/backend/internal/realtime"
	apperrors "convograph/backend/pkg/errors"
)

// Options configures the router
type Options struct {
	// Release switches gin to release mode
	Release          bool
	SubscriberBuffer int
	Metrics          *metrics.Collector
	Logger           *zap.Logger
}

// Handler serves the HTTP API
type Handler struct {
	service *ingest.Service
	hub     *realtime.Hub
	// baseCtx outlives individual requests; websocket subscriptions hang off it
	baseCtx context.Context
	opts    Options
	log     *zap.Logger
}

// NewRouter builds the gin engine with every route registered
func NewRouter(ctx context.Context, svc *ingest.Service, hub *realtime.Hub, opts Options) *gin.Engine {
	if opts.Release {
		gin.SetMode(gin.ReleaseMode)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{service: svc, hub: hub, baseCtx: ctx, opts: opts, log: log}

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(cors())
	router.Use(instrument(opts.Metrics))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "subscribers": hub.Count()})
	})

	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	router.GET("/ws", h.serveWS)

	api := router.Group("/api")
	{
		api.POST("/ingest", h.ingest)
		api.GET("/graph", h.graph)
		api.GET("/graph/stats", h.graphStats)
		api.GET("/persons/:id", h.personDetail)
		api.POST("/persons/:id/media", h.addMedia)
		api.POST("/reset", h.reset)
	}

	return router
}

func (h *Handler) ingest(c *gin.Context) {
	var req ingest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.NewInvalidInput("body", err.Error()))
		return
	}

	resp, err := h.service.Ingest(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) graph(c *gin.Context) {
	view, err := h.service.Graph(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) graphStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) personDetail(c *gin.Context) {
	id, ok := h.personID(c)
	if !ok {
		return
	}
	detail, err := h.service.PersonDetail(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *Handler) addMedia(c *gin.Context) {
	id, ok := h.personID(c)
	if !ok {
		return
	}
	var req ingest.MediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.NewInvalidInput("body", err.Error()))
		return
	}
	media, err := h.service.AddMedia(c.Request.Context(), id, &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, media)
}

func (h *Handler) reset(c *gin.Context) {
	graph, err := h.service.Reset(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, graph)
}

func (h *Handler) serveWS(c *gin.Context) {
	realtime.ServeWS(h.baseCtx, h.hub, c.Writer, c.Request, h.opts.SubscriberBuffer)
}

func (h *Handler) personID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.fail(c, apperrors.NewInvalidInput("id", "must be a positive integer"))
		return 0, false
	}
	return id, true
}

// fail writes err with the status its type maps to
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": "internal error", "type": string(apperrors.TypeOf(err))})
		return
	}
	c.JSON(status, gin.H{"error": err.Error(), "type": string(apperrors.TypeOf(err))})
}

func statusFor(err error) int {
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case apperrors.ErrorTypeExtraction:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// ginLogger is a custom logger middleware for Gin
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// instrument records request counts and latency by route template
func instrument(m *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RecordHTTP(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}
