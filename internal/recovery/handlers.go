package recovery

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nftswap/internal/domain"
	"github.com/mbd888/nftswap/internal/logging"
)

// Handler provides HTTP endpoints for recovery.
type Handler struct {
	resolver *Resolver
}

// NewHandler creates a new recovery handler.
func NewHandler(resolver *Resolver) *Handler {
	return &Handler{resolver: resolver}
}

// RegisterRoutes sets up recovery routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/recover/:txHash", h.Recover)
}

// Recover handles GET /v1/recover/:txHash
func (h *Handler) Recover(c *gin.Context) {
	result, err := h.resolver.Recover(c.Request.Context(), c.Param("txHash"))
	if err != nil {
		status, code, msg := http.StatusInternalServerError, "internal_error", "Recovery failed"
		switch {
		case errors.Is(err, domain.ErrInvalidInput):
			status, code, msg = http.StatusBadRequest, "invalid_input", "Transaction hash must be 0x followed by 64 hex characters"
		case errors.Is(err, domain.ErrNotFound):
			status, code, msg = http.StatusNotFound, "not_found", "Transaction not found on chain"
		case errors.Is(err, domain.ErrTransactionFail):
			status, code, msg = http.StatusUnprocessableEntity, "transaction_failed", "Transaction reverted on-chain"
		case errors.Is(err, domain.ErrNoTradeFound):
			status, code, msg = http.StatusNotFound, "no_trade_found", "Transaction did not create a trade"
		case errors.Is(err, domain.ErrExternalService):
			status, code, msg = http.StatusBadGateway, "external_service_error", "Blockchain RPC unavailable, try again later"
		default:
			logging.L(c.Request.Context()).Error("recovery failed", "error", err)
		}
		c.JSON(status, gin.H{
			"error":   code,
			"message": msg,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"recovery": result})
}
