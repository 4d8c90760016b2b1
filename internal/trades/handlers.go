package trades

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nftswap/internal/domain"
	"github.com/mbd888/nftswap/internal/escrow"
	"github.com/mbd888/nftswap/internal/logging"
)

// WalletHeader carries the acting wallet address when the request body omits it.
const WalletHeader = "X-Wallet-Address"

// Handler provides HTTP endpoints for trade operations.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new trade handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up trade routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.GET("/trades/:id", h.GetTrade)
	r.POST("/trades/:id/cancel", h.CancelOrDecline)
	r.POST("/trades/:id/accept", h.AcceptTrade)
	r.GET("/trades/:id/calldata/:action", h.GetCallData)
	r.GET("/addresses/:address/trades", h.ListTrades)
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req Terms
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	trade, err := h.manager.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"trade": trade})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	trade, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": trade})
}

// ListTrades handles GET /v1/addresses/:address/trades
func (h *Handler) ListTrades(c *gin.Context) {
	trades, err := h.manager.List(c.Request.Context(), c.Param("address"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// CancelOrDecline handles POST /v1/trades/:id/cancel
func (h *Handler) CancelOrDecline(c *gin.Context) {
	req, ok := bindTransition(c)
	if !ok {
		return
	}

	trade, err := h.manager.CancelOrDecline(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": trade, "status": trade.Status})
}

// AcceptTrade handles POST /v1/trades/:id/accept
func (h *Handler) AcceptTrade(c *gin.Context) {
	req, ok := bindTransition(c)
	if !ok {
		return
	}

	trade, err := h.manager.Accept(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"trade": trade, "status": trade.Status})
}

// GetCallData handles GET /v1/trades/:id/calldata/:action
func (h *Handler) GetCallData(c *gin.Context) {
	action, err := escrow.ParseAction(c.Param("action"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "action must be one of cancel, decline, accept",
		})
		return
	}

	cd, err := h.manager.CallData(c.Request.Context(), c.Param("id"), action)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"callData": cd})
}

// bindTransition reads the optional JSON body and falls back to the wallet
// header for the acting address.
func bindTransition(c *gin.Context) (TransitionRequest, bool) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return req, false
	}
	if strings.TrimSpace(req.ActingAddress) == "" {
		req.ActingAddress = c.GetHeader(WalletHeader)
	}
	if strings.TrimSpace(req.ActingAddress) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "actingAddress is required",
		})
		return req, false
	}
	return req, true
}

// writeError maps the error taxonomy to HTTP responses. Transport detail
// is logged, never returned.
func writeError(c *gin.Context, err error) {
	var final *domain.FinalError
	switch {
	case errors.As(err, &final):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_final",
			"message": "Trade is already " + final.Status,
			"status":  final.Status,
		})
	case errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, domain.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Trade not found"})
	case errors.Is(err, domain.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, domain.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "already_exists", "message": "Trade already indexed"})
	case errors.Is(err, domain.ErrTransactionFail):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "transaction_failed", "message": "Transaction reverted on-chain"})
	case errors.Is(err, domain.ErrNoTradeFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_trade_found", "message": "Transaction did not create a trade"})
	case errors.Is(err, domain.ErrExternalService):
		logging.L(c.Request.Context()).Warn("external service error", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "external_service_error", "message": "Blockchain RPC unavailable, try again later"})
	default:
		logging.L(c.Request.Context()).Error("trade request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
