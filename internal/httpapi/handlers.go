package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nexus-trading/provenance/internal/config"
	"github.com/nexus-trading/provenance/internal/domain"
	"github.com/nexus-trading/provenance/internal/entity"
	"github.com/nexus-trading/provenance/internal/graph"
	"github.com/nexus-trading/provenance/internal/observability"
	"github.com/nexus-trading/provenance/internal/offspring"
	"github.com/nexus-trading/provenance/internal/solana"
	"github.com/nexus-trading/provenance/internal/storage"
)

const (
	defaultAlertLimit    = 100
	defaultEntityLimit   = 100
	maxListLimit         = 1000
	defaultMaxTraceDepth = 5
)

// Controller holds the handlers.
type Controller struct {
	deps          Deps
	webhookSecret string
	maxBody       int64
	maxTraceDepth int
}

// NewController creates a controller. An empty WebhookSecret accepts every
// webhook; MaxBodyBytes <= 0 disables the body limit.
func NewController(deps Deps, cfg config.HTTPConfig) *Controller {
	maxDepth := cfg.MaxTraceDepth
	if maxDepth <= 0 {
		maxDepth = defaultMaxTraceDepth
	}
	return &Controller{deps: deps, webhookSecret: cfg.WebhookSecret, maxBody: cfg.MaxBodyBytes, maxTraceDepth: maxDepth}
}

// RegisterRoutes mounts every route on rg.
func (h *Controller) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/webhook", h.handleWebhook)

	rg.GET("/entities", h.handleListEntities)
	rg.POST("/entities", h.handleRegisterEntity)
	rg.GET("/entities/:id", h.handleGetEntity)
	rg.GET("/entities/:id/offspring", h.handleListOffspring)
	rg.GET("/entities/:id/alerts", h.handleListAlerts)
	rg.POST("/entities/:id/enrich", h.handleEnrich)

	rg.GET("/trace/:address", h.handleTrace)

	rg.GET("/health", h.handleHealth)
	rg.GET("/stats", h.handleStats)
	if h.deps.Gatherer != nil {
		rg.GET("/metrics", gin.WrapH(observability.Handler(h.deps.Gatherer)))
	}
}

func (h *Controller) handleWebhook(c *gin.Context) {
	if h.webhookSecret != "" {
		got := c.GetHeader("Authorization")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.webhookSecret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook authorization"})
			return
		}
	}
	body := c.Request.Body
	if h.maxBody > 0 {
		body = http.MaxBytesReader(c.Writer, body, h.maxBody)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "read body: " + err.Error()})
		return
	}

	rep, err := h.deps.Pipeline.HandleWebhook(c.Request.Context(), data)
	if err != nil {
		var pe *offspring.PersistenceError
		if errors.As(err, &pe) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// A 5xx makes the provider redeliver; the funding ledger absorbs repeats.
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": rep})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Controller) handleListEntities(c *gin.Context) {
	filter := storage.EntityFilter{
		EntryType: domain.EntryType(c.Query("type")),
		Status:    domain.EnrichmentStatus(c.Query("status")),
		Limit:     queryLimit(c, defaultEntityLimit),
	}
	if filter.EntryType != "" && !filter.EntryType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown entry type"})
		return
	}
	recs, err := h.deps.Store.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, recs)
}

type registerRequest struct {
	Identifier string           `json:"identifier"`
	Type       domain.EntryType `json:"entry_type"`
	Enrich     bool             `json:"enrich"`
}

func (h *Controller) handleRegisterEntity(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !req.Type.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "entry_type must be wallet or token_mint"})
		return
	}
	if !solana.IsValidAddress(req.Identifier) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identifier is not a valid address"})
		return
	}

	rec, created, err := h.deps.Store.Upsert(c.Request.Context(), req.Type, req.Identifier)
	if err != nil {
		respondError(c, err)
		return
	}
	if created && req.Type == domain.EntryWallet && h.deps.Pipeline != nil {
		h.deps.Pipeline.Index().AddRoot(rec.ID, rec.Identifier)
	}
	if req.Enrich && h.deps.Runner != nil {
		h.deps.Runner.Submit(entity.Request{EntityID: rec.ID})
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, rec)
}

func (h *Controller) handleGetEntity(c *gin.Context) {
	rec, err := h.deps.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Controller) handleListOffspring(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.deps.Store.Get(ctx, id); err != nil {
		respondError(c, err)
		return
	}
	offs, err := h.deps.Store.ListOffspring(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if offs == nil {
		offs = []domain.OffspringRecord{}
	}
	c.JSON(http.StatusOK, offs)
}

func (h *Controller) handleListAlerts(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.deps.Store.Get(ctx, id); err != nil {
		respondError(c, err)
		return
	}
	alerts, err := h.deps.Store.ListAlerts(ctx, id, queryLimit(c, defaultAlertLimit))
	if err != nil {
		respondError(c, err)
		return
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	c.JSON(http.StatusOK, alerts)
}

func (h *Controller) handleEnrich(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.deps.Store.Get(ctx, id); err != nil {
		respondError(c, err)
		return
	}
	req := entity.Request{EntityID: id, Force: queryBool(c, "force")}

	if queryBool(c, "wait") || h.deps.Runner == nil {
		res, err := h.deps.Engine.Enrich(ctx, req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
		return
	}

	if !h.deps.Runner.Submit(req) {
		c.JSON(http.StatusConflict, gin.H{"error": "enrichment already running", "entity_id": id})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "entity_id": id})
}

func (h *Controller) handleTrace(c *gin.Context) {
	address := c.Param("address")
	if !solana.IsValidAddress(address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "not a valid address"})
		return
	}
	depth := -1
	if raw := c.Query("depth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "depth must be a non-negative integer"})
			return
		}
		depth = min(n, h.maxTraceDepth)
	}

	tree := h.deps.Tracer.Trace(c.Request.Context(), address, depth)
	c.JSON(http.StatusOK, gin.H{
		"address":   address,
		"depth":     depth,
		"nodes":     tree.Size(),
		"exchanges": graph.ExtractExchangeSources(tree),
		"trace":     tree,
	})
}

func (h *Controller) handleHealth(c *gin.Context) {
	if h.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": observability.StatusHealthy})
		return
	}
	health := h.deps.Health.Check(c.Request.Context())
	status := http.StatusOK
	if health.Status == observability.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, health)
}

func (h *Controller) handleStats(c *gin.Context) {
	stats := map[string]any{}
	if h.deps.Stats != nil {
		stats = h.deps.Stats()
	}
	if h.deps.Tracer != nil {
		stats["tracer"] = h.deps.Tracer.Stats()
	}
	if h.deps.Pipeline != nil {
		stats["tracked_addresses"] = h.deps.Pipeline.Index().Len()
	}
	c.JSON(http.StatusOK, stats)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func queryBool(c *gin.Context, key string) bool {
	b, _ := strconv.ParseBool(c.Query(key))
	return b
}
