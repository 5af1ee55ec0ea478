package apihttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"corthex/internal/analysis/visual"
	"corthex/internal/chain"
	"corthex/internal/learning"
	"corthex/internal/quant"
	"corthex/internal/store/model"

	"github.com/gin-gonic/gin"
)

type ChainService interface {
	Start(ctx context.Context, command string, so chain.StartOptions) (chain.Chain, error)
	Get(ctx context.Context, id string) (chain.Chain, error)
	List(ctx context.Context, limit int) ([]chain.Chain, error)
	Cancel(ctx context.Context, id string) (chain.Chain, error)
	CheckNow(ctx context.Context) (bool, error)
}

type LearningReader interface {
	ListElo(ctx context.Context) ([]model.AnalystElo, error)
	ListCalibration(ctx context.Context) ([]model.CalibrationBucket, error)
	ListPatterns(ctx context.Context, activeOnly bool) ([]model.ErrorPattern, error)
	ListTools(ctx context.Context) ([]model.ToolEffectiveness, error)
}

type QuantScorer interface {
	Compute(ctx context.Context, ticker string) (quant.Score, error)
}

type FactorSource interface {
	Factor(ctx context.Context) (learning.FactorReport, error)
}

type CostReader interface {
	TotalCost() float64
	CostByProvider() map[string]float64
}

type Liveness interface {
	IsAlive() bool
}

// Handler holds the services behind /api. Nil services answer 503.
type Handler struct {
	Chains          ChainService
	Learning        LearningReader
	Quant           QuantScorer
	Factor          FactorSource
	Costs           CostReader
	Poller          Liveness
	AnchorTolerance float64
	QuantTimeout    time.Duration
}

func (h *Handler) Register(group *gin.RouterGroup) {
	group.POST("/chains", h.handleStartChain)
	group.GET("/chains", h.handleListChains)
	group.GET("/chains/:id", h.handleGetChain)
	group.POST("/chains/:id/cancel", h.handleCancelChain)
	group.POST("/batches/check", h.handleCheckBatches)

	group.GET("/learning/elo", h.handleElo)
	group.GET("/learning/calibration", h.handleCalibration)
	group.GET("/learning/calibration/chart", h.handleCalibrationChart)
	group.GET("/learning/patterns", h.handlePatterns)
	group.GET("/learning/tools", h.handleTools)
	group.GET("/learning/factor", h.handleFactor)

	group.GET("/quant/:ticker", h.handleQuant)
	group.GET("/costs", h.handleCosts)
}

type startChainRequest struct {
	Command        string `json:"command" validate:"required,max=4000"`
	Mode           string `json:"mode" validate:"omitempty,oneof=single broadcast"`
	Department     string `json:"department" validate:"omitempty,max=64"`
	TaskID         string `json:"task_id" validate:"omitempty,max=128"`
	SkipDelegation bool   `json:"skip_delegation"`
}

type chainSummary struct {
	ID        string       `json:"chain_id"`
	TaskID    string       `json:"task_id"`
	Mode      chain.Mode   `json:"mode"`
	Step      chain.Step   `json:"step"`
	Status    chain.Status `json:"status"`
	TargetID  string       `json:"target_id"`
	Delivered bool         `json:"delivered"`
	Label     string       `json:"label,omitempty"`
	CostUSD   float64      `json:"total_cost_usd"`
	CreatedAt time.Time    `json:"created_at"`
}

func summarize(c chain.Chain) chainSummary {
	return chainSummary{
		ID:        c.ID,
		TaskID:    c.TaskID,
		Mode:      c.Mode,
		Step:      c.Step,
		Status:    c.Status,
		TargetID:  c.TargetID,
		Delivered: c.Delivered,
		Label:     c.Label,
		CostUSD:   c.TotalCostUSD,
		CreatedAt: c.CreatedAt,
	}
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not enabled"})
}

func chainError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chain.ErrChainNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chain.ErrAlreadyDelivered):
		status = http.StatusConflict
	case errors.Is(err, chain.ErrUnknownDepartment):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.Poller != nil {
		body["poller_alive"] = h.Poller.IsAlive()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) handleStartChain(c *gin.Context) {
	if h.Chains == nil {
		unavailable(c, "chains")
		return
	}
	var req startChainRequest
	if errs := bindAndValidate(c, &req); errs != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": errs})
		return
	}
	ch, err := h.Chains.Start(c.Request.Context(), req.Command, chain.StartOptions{
		TaskID:         req.TaskID,
		Mode:           chain.Mode(req.Mode),
		Department:     req.Department,
		SkipDelegation: req.SkipDelegation,
	})
	if err != nil {
		chainError(c, err)
		return
	}
	log.Infof("chain %s started from %s", ch.ID, c.ClientIP())
	c.JSON(http.StatusAccepted, summarize(ch))
}

func (h *Handler) handleListChains(c *gin.Context) {
	if h.Chains == nil {
		unavailable(c, "chains")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	chains, err := h.Chains.List(c.Request.Context(), limit)
	if err != nil {
		chainError(c, err)
		return
	}
	out := make([]chainSummary, 0, len(chains))
	for _, ch := range chains {
		out = append(out, summarize(ch))
	}
	c.JSON(http.StatusOK, gin.H{"chains": out})
}

func (h *Handler) handleGetChain(c *gin.Context) {
	if h.Chains == nil {
		unavailable(c, "chains")
		return
	}
	ch, err := h.Chains.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		chainError(c, err)
		return
	}
	body := gin.H{"chain": ch}
	if ch.Delivered {
		body["report"] = ch.Report()
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) handleCancelChain(c *gin.Context) {
	if h.Chains == nil {
		unavailable(c, "chains")
		return
	}
	ch, err := h.Chains.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		chainError(c, err)
		return
	}
	log.Infof("chain %s cancelled from %s", ch.ID, c.ClientIP())
	c.JSON(http.StatusOK, summarize(ch))
}

func (h *Handler) handleCheckBatches(c *gin.Context) {
	if h.Chains == nil {
		unavailable(c, "chains")
		return
	}
	more, err := h.Chains.CheckNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outstanding": more})
}

func (h *Handler) handleElo(c *gin.Context) {
	if h.Learning == nil {
		unavailable(c, "learning")
		return
	}
	rows, err := h.Learning.ListElo(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"analysts": rows})
}

func (h *Handler) handleCalibration(c *gin.Context) {
	if h.Learning == nil {
		unavailable(c, "learning")
		return
	}
	rows, err := h.Learning.ListCalibration(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": rows})
}

func (h *Handler) handleCalibrationChart(c *gin.Context) {
	if h.Learning == nil {
		unavailable(c, "learning")
		return
	}
	ctx := c.Request.Context()
	var in visual.LearningInput
	var err error
	if in.Buckets, err = h.Learning.ListCalibration(ctx); err == nil {
		if in.Elo, err = h.Learning.ListElo(ctx); err == nil {
			in.Tools, err = h.Learning.ListTools(ctx)
		}
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	html, err := visual.RenderLearningHTML(in)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

func (h *Handler) handlePatterns(c *gin.Context) {
	if h.Learning == nil {
		unavailable(c, "learning")
		return
	}
	all := strings.EqualFold(c.Query("all"), "true") || c.Query("all") == "1"
	rows, err := h.Learning.ListPatterns(c.Request.Context(), !all)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"patterns": rows})
}

func (h *Handler) handleTools(c *gin.Context) {
	if h.Learning == nil {
		unavailable(c, "learning")
		return
	}
	rows, err := h.Learning.ListTools(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tools": rows})
}

func (h *Handler) handleFactor(c *gin.Context) {
	if h.Factor == nil {
		unavailable(c, "self-calibration")
		return
	}
	rep, err := h.Factor.Factor(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) handleQuant(c *gin.Context) {
	if h.Quant == nil {
		unavailable(c, "quant")
		return
	}
	ticker := strings.TrimSpace(c.Param("ticker"))
	if ticker == "" || len(ticker) > 16 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ticker"})
		return
	}
	timeout := h.QuantTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()
	score, err := h.Quant.Compute(ctx, ticker)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"score": score, "prompt": score.PromptBlock(h.AnchorTolerance)})
}

func (h *Handler) handleCosts(c *gin.Context) {
	if h.Costs == nil {
		unavailable(c, "cost tracking")
		return
	}
	c.JSON(http.StatusOK, gin.H{"total_usd": h.Costs.TotalCost(), "by_provider": h.Costs.CostByProvider()})
}
