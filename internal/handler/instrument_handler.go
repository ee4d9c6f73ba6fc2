// internal/handler/instrument_handler.go
package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"picoammeter-service/internal/model"
	"picoammeter-service/internal/repository"
	"picoammeter-service/internal/service"
	"picoammeter-service/internal/utils"
)

// InstrumentHandler exposes the instrument service over HTTP
type InstrumentHandler struct {
	service *service.InstrumentService
	logger  *utils.ServiceLogger
}

// NewInstrumentHandler creates a new instrument handler
func NewInstrumentHandler(instrumentService *service.InstrumentService, logger *zap.Logger) *InstrumentHandler {
	return &InstrumentHandler{
		service: instrumentService,
		logger:  utils.NewServiceLogger(logger, "instrument-handler"),
	}
}

// RegisterRoutes registers instrument, sampling, export and archive routes
func (h *InstrumentHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/ports", h.ListPorts)

	instrument := router.Group("/instrument")
	{
		instrument.POST("/connect", h.Connect)
		instrument.POST("/zero-correct", h.ZeroCorrect)
		instrument.POST("/close", h.Close)
		instrument.GET("/status", h.Status)
	}

	sampling := router.Group("/sampling")
	{
		sampling.GET("/frequencies", h.Frequencies)
		sampling.POST("/start", h.StartSampling)
		sampling.POST("/stop", h.StopSampling)
		sampling.GET("/samples", h.Samples)
		sampling.POST("/clear", h.Clear)
	}

	router.POST("/export", h.Export)

	sessions := router.Group("/sessions")
	{
		sessions.GET("", h.ListSessions)
		sessions.GET("/:id/samples", h.SessionSamples)
	}
}

// ListPorts lists the serial ports that can be opened
func (h *InstrumentHandler) ListPorts(c *gin.Context) {
	ports, err := h.service.ListPorts(c.Request.Context())
	if err != nil {
		h.respondError(c, "Failed to list serial ports", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Serial ports retrieved successfully", gin.H{
		"ports": ports,
		"count": len(ports),
	})
}

// Connect opens the instrument on the requested port
func (h *InstrumentHandler) Connect(c *gin.Context) {
	var req service.ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.service.Connect(c.Request.Context(), req.Port); err != nil {
		h.respondError(c, "Failed to connect instrument", err)
		return
	}

	h.logger.Info("Instrument connected", zap.String("port", req.Port))
	utils.SuccessResponse(c, http.StatusOK, "Instrument connected successfully", h.service.Status())
}

// ZeroCorrect runs the zero-correction sequence
func (h *InstrumentHandler) ZeroCorrect(c *gin.Context) {
	startTime := time.Now()

	if err := h.service.ZeroCorrect(c.Request.Context()); err != nil {
		h.respondError(c, "Zero correction failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Zero correction completed", gin.H{
		"duration_ms": time.Since(startTime).Milliseconds(),
	})
}

// Close stops sampling and releases the port
func (h *InstrumentHandler) Close(c *gin.Context) {
	if err := h.service.Close(c.Request.Context()); err != nil {
		h.respondError(c, "Failed to close instrument", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Instrument closed", h.service.Status())
}

// Status reports connection, sampling and buffer state
func (h *InstrumentHandler) Status(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Instrument status retrieved successfully", h.service.Status())
}

// Frequencies lists the selectable poll rates
func (h *InstrumentHandler) Frequencies(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Frequencies retrieved successfully", h.service.Frequencies())
}

// StartSampling begins a new session. An empty body selects the default
// frequency.
func (h *InstrumentHandler) StartSampling(c *gin.Context) {
	var req service.StartRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	rec, err := h.service.StartSampling(req.Frequency)
	if err != nil {
		h.respondError(c, "Failed to start sampling", err)
		return
	}

	utils.SuccessResponse(c, http.StatusCreated, "Sampling started", rec)
}

// StopSampling ends the current session
func (h *InstrumentHandler) StopSampling(c *gin.Context) {
	rec, err := h.service.StopSampling(c.Request.Context())
	if err != nil {
		h.respondError(c, "Failed to stop sampling", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Sampling stopped", rec)
}

// Samples returns the samples recorded since index from
func (h *InstrumentHandler) Samples(c *gin.Context) {
	from := 0
	if raw := c.Query("from"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			utils.ValidationErrorResponse(c, map[string]string{"from": "must be a non-negative integer"})
			return
		}
		from = n
	}

	utils.SuccessResponse(c, http.StatusOK, "Samples retrieved successfully", h.service.Samples(from))
}

// Clear empties the session buffer
func (h *InstrumentHandler) Clear(c *gin.Context) {
	if err := h.service.Clear(); err != nil {
		h.respondError(c, "Failed to clear samples", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Samples cleared", nil)
}

// Export writes the session to a file. An empty session is not an error.
func (h *InstrumentHandler) Export(c *gin.Context) {
	var req service.ExportRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	result, err := h.service.Export(req.Path)
	if err != nil {
		h.respondError(c, "Failed to export session", err)
		return
	}

	if !result.Written {
		utils.SuccessResponse(c, http.StatusOK, "Nothing to export", result)
		return
	}

	h.logger.Info("Session exported", zap.String("path", result.Path), zap.Int("samples", result.Samples))
	utils.SuccessResponse(c, http.StatusCreated, "Session exported", result)
}

// ListSessions lists archived sessions with filtering and pagination
func (h *InstrumentHandler) ListSessions(c *gin.Context) {
	filter := &repository.SessionFilter{Page: 1, PerPage: 20}
	validation := map[string]string{}

	if page := c.Query("page"); page != "" {
		if p, err := strconv.Atoi(page); err == nil && p > 0 {
			filter.Page = p
		}
	}
	if perPage := c.Query("per_page"); perPage != "" {
		if pp, err := strconv.Atoi(perPage); err == nil && pp > 0 && pp <= 100 {
			filter.PerPage = pp
		}
	}
	if port := c.Query("port"); port != "" {
		filter.Port = &port
	}
	if raw := c.Query("start_date"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.StartDate = &t
		} else {
			validation["start_date"] = "must be RFC 3339"
		}
	}
	if raw := c.Query("end_date"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.EndDate = &t
		} else {
			validation["end_date"] = "must be RFC 3339"
		}
	}
	if len(validation) > 0 {
		utils.ValidationErrorResponse(c, validation)
		return
	}

	sessions, total, err := h.service.Sessions(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, "Failed to list sessions", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Sessions retrieved successfully", gin.H{
		"sessions": sessions,
		"pagination": gin.H{
			"page":     filter.Page,
			"per_page": filter.PerPage,
			"total":    total,
		},
	})
}

// SessionSamples returns the samples of one archived session
func (h *InstrumentHandler) SessionSamples(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid session ID", err)
		return
	}

	samples, err := h.service.SessionSamples(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, "Failed to get session samples", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Session samples retrieved successfully", gin.H{
		"session_id": id,
		"samples":    samples,
		"count":      len(samples),
	})
}

// respondError maps service errors to HTTP status codes
func (h *InstrumentHandler) respondError(c *gin.Context, message string, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Warn(message, zap.Error(err))
	}
	utils.CodedErrorResponse(c, status, code, message, err)
}

func classifyError(err error) (int, string) {
	var (
		connErr   *model.ConnectError
		readErr   *model.ReadError
		exportErr *model.ExportError
	)

	switch {
	case errors.Is(err, model.ErrNotConnected):
		return http.StatusConflict, "NOT_CONNECTED"
	case errors.Is(err, model.ErrBusy):
		return http.StatusConflict, "BUSY"
	case errors.Is(err, model.ErrAlreadySampling):
		return http.StatusConflict, "ALREADY_SAMPLING"
	case errors.Is(err, model.ErrNotSampling):
		return http.StatusConflict, "NOT_SAMPLING"
	case errors.Is(err, model.ErrInvalidFrequency):
		return http.StatusBadRequest, "INVALID_FREQUENCY"
	case errors.Is(err, model.ErrBufferFull):
		return http.StatusInsufficientStorage, "BUFFER_FULL"
	case errors.Is(err, model.ErrNoPorts):
		return http.StatusNotFound, "NO_PORTS"
	case errors.Is(err, service.ErrArchiveDisabled):
		return http.StatusNotImplemented, "ARCHIVE_DISABLED"
	case errors.Is(err, repository.ErrSessionNotFound):
		return http.StatusNotFound, "SESSION_NOT_FOUND"
	case errors.As(err, &connErr):
		return http.StatusBadGateway, string(connErr.Reason)
	case errors.As(err, &readErr):
		return http.StatusBadGateway, string(readErr.Kind)
	case errors.As(err, &exportErr):
		return http.StatusInternalServerError, "EXPORT_FAILED"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "TIMEOUT"
	default:
		return http.StatusInternalServerError, "INTERNAL_SERVER_ERROR"
	}
}
