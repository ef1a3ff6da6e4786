package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/splitpot/internal/escrow"
	"github.com/mbd888/splitpot/internal/logging"
)

// Handler provides HTTP endpoints for settlement operations.
type Handler struct {
	coordinator *Coordinator
}

// NewHandler creates a new settlement handler.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{coordinator: coordinator}
}

// RegisterRoutes sets up settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/pots/:id/settle", h.Settle)
	r.POST("/pots/:id/resume", h.Resume)
	r.GET("/pots/:id/transfers", h.ListTransfers)
}

// Settle handles POST /v1/pots/:id/settle
func (h *Handler) Settle(c *gin.Context) {
	result, err := h.coordinator.Settle(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.settleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// Resume handles POST /v1/pots/:id/resume
func (h *Handler) Resume(c *gin.Context) {
	result, err := h.coordinator.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.settleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ListTransfers handles GET /v1/pots/:id/transfers
func (h *Handler) ListTransfers(c *gin.Context) {
	records, err := h.coordinator.Transfers(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, escrow.ErrPotNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Pot not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transfers": records,
		"count":     len(records),
	})
}

func (h *Handler) settleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, escrow.ErrPotNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Pot not found",
		})
	case errors.Is(err, ErrNotFunded):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_funded",
			"message": "Pot has not completed funding",
		})
	case errors.Is(err, ErrNoEligibleRecipients):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_eligible_recipients",
			"message": "No participant has a payout destination",
		})
	case errors.Is(err, escrow.ErrInvalidStatus):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_status",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("settlement failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Settlement run failed",
		})
	}
}
