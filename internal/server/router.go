// Package server exposes the read-only HTTP query surface. Reporting and
// graphing collaborators consume it; there are no write endpoints.
package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openfitlab/fitstore/internal/domain"
	"github.com/openfitlab/fitstore/internal/query"
	"github.com/openfitlab/fitstore/internal/summary"
)

var errMissingServices = errors.New("at least one query service is required")

// Dependencies wires the router to its per-source query services.
type Dependencies struct {
	Services map[domain.Source]*query.Service
	Logger   *zap.Logger
}

// NewHTTPHandler builds the read-only API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if len(deps.Services) == 0 {
		return nil, errMissingServices
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{services: deps.Services, logger: logger}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/sources", handler.handleSources)

	scoped := router.Group("/sources/:source")
	scoped.Use(handler.resolveSource)
	scoped.GET("/activities", handler.handleActivities)
	scoped.GET("/activities/:external_id", handler.handleActivity)
	scoped.GET("/monitoring", handler.handleMonitoring)
	scoped.GET("/sleep", handler.handleSleep)
	scoped.GET("/weight", handler.handleWeight)
	scoped.GET("/summary/:period", handler.handleSummary)
	scoped.GET("/marks", handler.handleMarks)

	return router, nil
}

type httpHandler struct {
	services map[domain.Source]*query.Service
	logger   *zap.Logger
}

const (
	sourceContextKey  = "fitstore_source"
	serviceContextKey = "fitstore_service"
)

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSources(c *gin.Context) {
	sources := make([]string, 0, len(h.services))
	for source := range h.services {
		sources = append(sources, source.String())
	}
	c.JSON(http.StatusOK, gin.H{"sources": sources})
}

// resolveSource validates the :source parameter and stashes its service.
func (h *httpHandler) resolveSource(c *gin.Context) {
	source, err := domain.NewSource(c.Param("source"))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_source"})
		return
	}
	service, ok := h.services[source]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_source"})
		return
	}
	c.Set(sourceContextKey, source)
	c.Set(serviceContextKey, service)
	c.Next()
}

func (h *httpHandler) service(c *gin.Context) *query.Service {
	return c.MustGet(serviceContextKey).(*query.Service)
}

func (h *httpHandler) source(c *gin.Context) domain.Source {
	return c.MustGet(sourceContextKey).(domain.Source)
}

// timeRange parses optional RFC 3339 from/to query parameters.
func timeRange(c *gin.Context) (query.TimeRange, bool) {
	var timeRange query.TimeRange
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_from"})
			return timeRange, false
		}
		timeRange.From = parsed
	}
	if raw := c.Query("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_to"})
			return timeRange, false
		}
		timeRange.To = parsed
	}
	return timeRange, true
}

func (h *httpHandler) handleActivities(c *gin.Context) {
	bounds, ok := timeRange(c)
	if !ok {
		return
	}
	activities, err := h.service(c).Activities(c.Request.Context(), bounds)
	if err != nil {
		h.fail(c, "activity query failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activities": activities})
}

func (h *httpHandler) handleActivity(c *gin.Context) {
	externalID, err := domain.NewExternalID(c.Param("external_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_external_id"})
		return
	}
	activity, err := h.service(c).Activity(c.Request.Context(), h.source(c), externalID)
	if err != nil {
		h.fail(c, "activity lookup failed", err)
		return
	}
	if activity == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, activity)
}

func (h *httpHandler) handleMonitoring(c *gin.Context) {
	bounds, ok := timeRange(c)
	if !ok {
		return
	}
	samples, err := h.service(c).MonitoringSamples(c.Request.Context(), bounds)
	if err != nil {
		h.fail(c, "monitoring query failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"samples": samples})
}

func (h *httpHandler) handleSleep(c *gin.Context) {
	bounds, ok := timeRange(c)
	if !ok {
		return
	}
	periods, err := h.service(c).SleepPeriods(c.Request.Context(), bounds)
	if err != nil {
		h.fail(c, "sleep query failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"periods": periods})
}

func (h *httpHandler) handleWeight(c *gin.Context) {
	bounds, ok := timeRange(c)
	if !ok {
		return
	}
	entries, err := h.service(c).WeightEntries(c.Request.Context(), bounds)
	if err != nil {
		h.fail(c, "weight query failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *httpHandler) handleSummary(c *gin.Context) {
	period, err := summary.NewPeriod(c.Param("period"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_period"})
		return
	}
	bounds, ok := timeRange(c)
	if !ok {
		return
	}
	records, err := h.service(c).Summaries(c.Request.Context(), period, bounds)
	if err != nil {
		h.fail(c, "summary query failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summaries": records})
}

func (h *httpHandler) handleMarks(c *gin.Context) {
	marks, err := h.service(c).Marks(c.Request.Context())
	if err != nil {
		h.fail(c, "mark query failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marks": marks})
}

func (h *httpHandler) fail(c *gin.Context, message string, err error) {
	h.logger.Error(message, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
}
