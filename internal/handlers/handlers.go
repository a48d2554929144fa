// Package handlers exposes the ledger over HTTP. It is a thin boundary: it
// parses and validates requests, assigns ids and timestamps, and maps service
// errors to status codes. All accounting happens in the services it wraps.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"portfolioTracker/internal/domain"
	"portfolioTracker/internal/ledger"
	"portfolioTracker/internal/ports"
	"portfolioTracker/internal/reconcile"
	"portfolioTracker/internal/valuation"
)

type Handler struct {
	ledger       *ledger.Service
	reconciler   *reconcile.Service
	valuation    *valuation.Service
	transactions ports.TransactionRepository
	positions    ports.PositionRepository
	quotes       ports.QuoteRepository
	log          *logrus.Logger
}

func NewHandler(
	ledgerSvc *ledger.Service,
	reconciler *reconcile.Service,
	valuationSvc *valuation.Service,
	transactions ports.TransactionRepository,
	positions ports.PositionRepository,
	quotes ports.QuoteRepository,
	log *logrus.Logger,
) *Handler {
	return &Handler{
		ledger:       ledgerSvc,
		reconciler:   reconciler,
		valuation:    valuationSvc,
		transactions: transactions,
		positions:    positions,
		quotes:       quotes,
		log:          log,
	}
}

// Register wires all routes onto the gin engine.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	r.POST("/portfolios/:id/transactions", h.PostTransaction)
	r.POST("/portfolios/:id/recalculate", h.Recalculate)
	r.GET("/portfolios/:id/positions", h.GetPositions)
	r.GET("/portfolios/:id/value", h.GetValue)
	r.POST("/assets/:id/price", h.PostPrice)
}

type TransactionRequest struct {
	AssetID  string     `json:"asset_id" binding:"required"`
	Type     string     `json:"type" binding:"required"`
	Quantity float64    `json:"quantity" binding:"required"`
	Price    float64    `json:"price"`
	Fees     float64    `json:"fees"`
	Date     *time.Time `json:"date"`
}

type PositionResponse struct {
	ID               string    `json:"id"`
	PortfolioID      string    `json:"portfolio_id"`
	AssetID          string    `json:"asset_id"`
	Quantity         float64   `json:"quantity"`
	AverageCostBasis float64   `json:"average_cost_basis"`
	TotalCostBasis   float64   `json:"total_cost_basis"`
	RealizedPL       float64   `json:"realized_pl"`
	OpenDate         time.Time `json:"open_date"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toPositionResponse(pos *domain.Position) PositionResponse {
	return PositionResponse{
		ID:               pos.ID,
		PortfolioID:      pos.PortfolioID,
		AssetID:          pos.AssetID,
		Quantity:         pos.Quantity,
		AverageCostBasis: pos.AverageCostBasis,
		TotalCostBasis:   pos.TotalCostBasis,
		RealizedPL:       pos.RealizedPL,
		OpenDate:         pos.OpenDate,
		UpdatedAt:        pos.UpdatedAt,
	}
}

// PostTransaction records a buy/sell/dividend and applies it to the position
// incrementally. The position write happens before the history append: an
// invalid sell must never enter the transaction history, or every later
// rebuild of the portfolio would trip over it.
func (h *Handler) PostTransaction(c *gin.Context) {
	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warnf("invalid transaction body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	date := now
	if req.Date != nil {
		date = req.Date.UTC()
	}
	tx := &domain.Transaction{
		ID:          ulid.Make().String(),
		PortfolioID: c.Param("id"),
		AssetID:     req.AssetID,
		Type:        domain.TransactionType(req.Type),
		Quantity:    req.Quantity,
		Price:       req.Price,
		Fees:        req.Fees,
		Date:        date,
		CreatedAt:   now,
	}

	pos, err := h.ledger.Apply(c.Request.Context(), tx)
	if err != nil {
		switch {
		case errors.Is(err, ports.ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, ports.ErrOversell), errors.Is(err, ports.ErrPositionNotFound):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			h.log.Errorf("apply transaction failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		}
		return
	}

	if err := h.transactions.Create(c.Request.Context(), tx); err != nil {
		// Position already moved but history is missing the event; a rebuild
		// of this portfolio will reconcile. Loud log, hard failure.
		h.log.Errorf("transaction %s applied but not recorded, rebuild portfolio %s: %v", tx.ID, tx.PortfolioID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transaction not recorded"})
		return
	}

	resp := gin.H{"transaction_id": tx.ID}
	if pos != nil {
		resp["position"] = toPositionResponse(pos)
	}
	c.JSON(http.StatusCreated, resp)
}

// Recalculate rebuilds every position of the portfolio from its full
// transaction history.
func (h *Handler) Recalculate(c *gin.Context) {
	summary, err := h.reconciler.Rebuild(c.Request.Context(), c.Param("id"))
	if err != nil {
		if reconcile.IsInterrupted(err) {
			c.JSON(http.StatusRequestTimeout, gin.H{"error": err.Error()})
			return
		}
		h.log.Errorf("rebuild failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rebuild failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetPositions lists the currently held positions of a portfolio.
func (h *Handler) GetPositions(c *gin.Context) {
	positions, err := h.positions.ListForPortfolio(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.log.Errorf("list positions failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	resp := make([]PositionResponse, 0, len(positions))
	for _, pos := range positions {
		resp = append(resp, toPositionResponse(pos))
	}
	c.JSON(http.StatusOK, gin.H{"positions": resp})
}

// GetValue returns the portfolio priced at the latest recorded quotes.
func (h *Handler) GetValue(c *gin.Context) {
	report, err := h.valuation.PortfolioValue(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.log.Errorf("valuation failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusOK, report)
}

type PriceRequest struct {
	Price    string     `json:"price" binding:"required"`
	QuotedAt *time.Time `json:"quoted_at"`
}

// PostPrice records a display price for an asset.
func (h *Handler) PostPrice(c *gin.Context) {
	var req PriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price format"})
		return
	}
	if price.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "price cannot be negative"})
		return
	}

	quotedAt := time.Now().UTC()
	if req.QuotedAt != nil {
		quotedAt = req.QuotedAt.UTC()
	}
	quote := &domain.Quote{AssetID: c.Param("id"), Price: price, QuotedAt: quotedAt}
	if err := h.quotes.Record(c.Request.Context(), quote); err != nil {
		h.log.Errorf("record price failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"asset_id": quote.AssetID, "price": price.String()})
}
