package handler

import (
	"net/http"
	"strconv"
	"time"

	"loadmesh/internal/model"
	"loadmesh/internal/service"
	"loadmesh/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// RunHandler handles run operations
type RunHandler struct {
	runService *service.RunService
}

// NewRunHandler creates run handler
func NewRunHandler(runService *service.RunService) *RunHandler {
	return &RunHandler{runService: runService}
}

// Create creates a run
// @Summary Create a load-test run
// @Tags runs
// @Accept json
// @Produce json
// @Param request body model.CreateRunRequest true "Run configuration"
// @Success 200 {object} model.CreateRunResponse
// @Router /api/v1/runs [post]
func (h *RunHandler) Create(c *gin.Context) {
	var req model.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.ErrorCtx(c.Request.Context(), "invalid create run request: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	resp, err := h.runService.CreateRun(c.Request.Context(), &req)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to create run: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Start starts a run
// @Summary Start worker rendezvous and coordination for a run
// @Tags runs
// @Param run_id path string true "Run ID"
// @Success 200 {object} map[string]string
// @Router /api/v1/runs/{run_id}/start [post]
func (h *RunHandler) Start(c *gin.Context) {
	runID := c.Param("run_id")
	if err := h.runService.StartRun(c.Request.Context(), runID); err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to start run, run_id: %s, error: %v", runID, err)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "run starting", "run_id": runID})
}

// Stop requests an external stop
// @Summary Stop a running run
// @Tags runs
// @Param run_id path string true "Run ID"
// @Success 200 {object} map[string]string
// @Router /api/v1/runs/{run_id}/stop [post]
func (h *RunHandler) Stop(c *gin.Context) {
	runID := c.Param("run_id")

	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)

	if err := h.runService.StopRun(c.Request.Context(), runID, body.Reason); err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to stop run, run_id: %s, error: %v", runID, err)
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "stop requested", "run_id": runID})
}

// Get reads a run's status row
// @Summary Get run status
// @Tags runs
// @Produce json
// @Param run_id path string true "Run ID"
// @Success 200 {object} model.RunStatus
// @Router /api/v1/runs/{run_id} [get]
func (h *RunHandler) Get(c *gin.Context) {
	runID := c.Param("run_id")
	rs, err := h.runService.GetRun(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, rs)
}

// List lists known runs
// @Summary List run ids
// @Tags runs
// @Produce json
// @Success 200 {object} map[string][]string
// @Router /api/v1/runs [get]
func (h *RunHandler) List(c *gin.Context) {
	ids, err := h.runService.ListRuns(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": ids})
}

// GetConfig reads a run's search parameters
// @Summary Get run configuration
// @Tags runs
// @Produce json
// @Param run_id path string true "Run ID"
// @Success 200 {object} model.FindMaxConfig
// @Router /api/v1/runs/{run_id}/config [get]
func (h *RunHandler) GetConfig(c *gin.Context) {
	runID := c.Param("run_id")
	cfg, err := h.runService.GetRunConfig(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// GetWorkers reads the heartbeat view
// @Summary List a run's workers with liveness
// @Tags runs
// @Produce json
// @Param run_id path string true "Run ID"
// @Success 200 {object} map[string][]model.WorkerSummary
// @Router /api/v1/runs/{run_id}/workers [get]
func (h *RunHandler) GetWorkers(c *gin.Context) {
	runID := c.Param("run_id")
	workers, err := h.runService.GetWorkers(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"workers": workers})
}

// GetSteps reads one worker's step history
// @Summary Get a worker's step records
// @Tags runs
// @Produce json
// @Param run_id path string true "Run ID"
// @Param worker_id path string true "Worker ID"
// @Success 200 {object} map[string][]model.StepRecord
// @Router /api/v1/runs/{run_id}/workers/{worker_id}/steps [get]
func (h *RunHandler) GetSteps(c *gin.Context) {
	runID := c.Param("run_id")
	workerID := c.Param("worker_id")
	steps, err := h.runService.GetSteps(c.Request.Context(), runID, workerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps})
}

// GetResult reads the aggregate result
// @Summary Get the aggregated run result
// @Tags runs
// @Produce json
// @Param run_id path string true "Run ID"
// @Success 200 {object} model.AggregatedFindMaxResult
// @Router /api/v1/runs/{run_id}/result [get]
func (h *RunHandler) GetResult(c *gin.Context) {
	runID := c.Param("run_id")
	agg, err := h.runService.GetResult(c.Request.Context(), runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if agg == nil {
		c.JSON(http.StatusAccepted, gin.H{"message": "result not finalized yet", "run_id": runID})
		return
	}
	c.JSON(http.StatusOK, agg)
}

// SetPhase advances the run phase
// @Summary Set the run phase
// @Tags runs
// @Param run_id path string true "Run ID"
// @Param phase query string true "Target phase"
// @Success 200 {object} map[string]string
// @Router /api/v1/runs/{run_id}/phase [post]
func (h *RunHandler) SetPhase(c *gin.Context) {
	runID := c.Param("run_id")

	var body struct {
		Phase string `json:"phase" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phase required"})
		return
	}

	if err := h.runService.SetPhase(c.Request.Context(), runID, model.RunPhase(body.Phase)); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "phase set", "phase": body.Phase})
}

// ScaleTo overrides worker concurrency
// @Summary Override every worker's concurrency target
// @Tags runs
// @Param run_id path string true "Run ID"
// @Success 200 {object} map[string]string
// @Router /api/v1/runs/{run_id}/scale [post]
func (h *RunHandler) ScaleTo(c *gin.Context) {
	runID := c.Param("run_id")

	var body struct {
		Concurrency int `json:"concurrency" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "concurrency required"})
		return
	}

	if err := h.runService.ScaleTo(c.Request.Context(), runID, body.Concurrency); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "scale requested", "concurrency": strconv.Itoa(body.Concurrency)})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// liveUpdate one frame of the live stream
type liveUpdate struct {
	Run     *model.RunStatus      `json:"run"`
	Workers []model.WorkerSummary `json:"workers"`
}

// Live streams run status and worker liveness over a websocket until the
// run is terminal or the client goes away.
// @Summary Live run status stream
// @Tags runs
// @Param run_id path string true "Run ID"
// @Router /api/v1/runs/{run_id}/live [get]
func (h *RunHandler) Live(c *gin.Context) {
	runID := c.Param("run_id")
	if _, err := h.runService.GetRun(c.Request.Context(), runID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.ErrorCtx(c.Request.Context(), "failed to upgrade to websocket: %v", err)
		return
	}
	defer ws.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		rs, err := h.runService.GetRun(ctx, runID)
		if err != nil {
			return
		}
		workers, err := h.runService.GetWorkers(ctx, runID)
		if err != nil {
			workers = nil
		}

		if err := ws.WriteJSON(liveUpdate{Run: rs, Workers: workers}); err != nil {
			return
		}
		if rs.Status.IsTerminal() {
			return
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}
