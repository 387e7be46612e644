package handlers

import (
	"errors"
	"net/http"
	"sync"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"plant-diagnosis-pipeline/database"
	"plant-diagnosis-pipeline/service"
)

// Handlers represents the HTTP handlers
type Handlers struct {
	db      *database.Database
	service *service.Service

	// One run at a time in this process. Overlapping invocations across
	// processes are already safe through per-record claims, but stacking
	// runs locally only burns the deadline.
	runMu sync.Mutex
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *database.Database, svc *service.Service) *Handlers {
	return &Handlers{db: db, service: svc}
}

// Register attaches all routes to the router.
func (h *Handlers) Register(router *gin.Engine) {
	router.GET("/", h.Liveness)
	router.POST("/", h.Action)
	router.GET("/status", h.Status)
	router.GET("/diagnoses/:id", h.GetDiagnosis)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Liveness handles the liveness check; it never touches the core.
func (h *Handlers) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "plant-diagnosis-pipeline",
	})
}

type actionRequest struct {
	Action string `json:"action"`
}

// Action dispatches the POST / body to the matching operation.
func (h *Handlers) Action(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return
	}

	switch req.Action {
	case "process":
		h.process(c)
	case "test_connection":
		connected := h.service.TestConnection(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"connected": connected})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action"})
	}
}

// process runs the orchestrator. A run that could not start at all is the
// only hard failure; per-image failures come back inside the summary.
func (h *Handlers) process(c *gin.Context) {
	h.runMu.Lock()
	defer h.runMu.Unlock()

	summary, err := h.service.Run(c.Request.Context())
	if err != nil {
		log.Errorf("Diagnosis run could not start: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, summary)
}

// Status returns image counts by status plus the last run summary.
func (h *Handlers) Status(c *gin.Context) {
	counts, err := h.db.CountByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get image counts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"service":  "plant-diagnosis-pipeline",
		"images":   counts,
		"last_run": h.service.LastSummary(),
	})
}

// GetDiagnosis returns the stored diagnosis for one image.
func (h *Handlers) GetDiagnosis(c *gin.Context) {
	diag, err := h.db.GetDiagnosis(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "diagnosis not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch diagnosis"})
		return
	}

	// Raw model output is verbose; only include it when asked for.
	if c.Query("include_raw") != "true" {
		diag.RawModelOutput = ""
	}

	c.JSON(http.StatusOK, diag)
}
