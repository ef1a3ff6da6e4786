package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/splitpot/internal/logging"
	"github.com/mbd888/splitpot/internal/pagination"
	"github.com/mbd888/splitpot/internal/validation"
)

// Handler provides HTTP endpoints for pot lifecycle operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new pot handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up pot routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/pots", h.CreatePot)
	r.GET("/pots/:id", h.GetPot)
	r.GET("/pots/:id/participants", h.ListParticipants)
	r.GET("/users/:userId/pots", h.ListUserPots)
	r.POST("/pots/:id/participants", h.Invite)
	r.POST("/pots/:id/participants/:participantId/accept", h.Accept)
	r.POST("/pots/:id/contribute", h.Contribute)
}

// CreatePot handles POST /v1/pots
func (h *Handler) CreatePot(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("creatorId", req.CreatorID),
		validation.PositiveAmount("totalAmount", req.TotalAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	pot, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Total amount must be a positive integer in micro-USDC",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "create_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"pot": pot})
}

// GetPot handles GET /v1/pots/:id
func (h *Handler) GetPot(c *gin.Context) {
	pot, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPotNotFound) {
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

	c.JSON(http.StatusOK, gin.H{"pot": pot})
}

// ListParticipants handles GET /v1/pots/:id/participants
func (h *Handler) ListParticipants(c *gin.Context) {
	participants, err := h.service.Participants(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPotNotFound) {
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
		"participants": participants,
		"count":        len(participants),
	})
}

// ListUserPots handles GET /v1/users/:userId/pots
func (h *Handler) ListUserPots(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Invalid pagination cursor",
		})
		return
	}

	// Fetch one extra row to detect whether another page exists.
	pots, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	pots, next, hasMore := pagination.ComputePage(pots, limit, func(p *Pot) (time.Time, string) {
		return p.CreatedAt, p.ID
	})

	resp := gin.H{
		"pots":    pots,
		"count":   len(pots),
		"hasMore": hasMore,
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Invite handles POST /v1/pots/:id/participants
func (h *Handler) Invite(c *gin.Context) {
	var req InviteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidAddress("walletAddress", req.WalletAddress),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	participant, err := h.service.Invite(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrPotNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Pot not found",
			})
		case errors.Is(err, ErrAlreadyInvited):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_invited",
				"message": "User is already a participant in this pot",
			})
		case errors.Is(err, ErrInvalidStatus):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_status",
				"message": "Pot is no longer accepting participants",
			})
		default:
			logging.L(c.Request.Context()).Error("invite failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to invite participant",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"participant": participant})
}

// Accept handles POST /v1/pots/:id/participants/:participantId/accept
func (h *Handler) Accept(c *gin.Context) {
	var req struct {
		WalletAddress string `json:"walletAddress"`
	}
	// Body is optional; the address may already be on file.
	_ = c.ShouldBindJSON(&req)

	if req.WalletAddress != "" && !validation.IsValidEthAddress(req.WalletAddress) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "walletAddress must be a valid Ethereum address",
		})
		return
	}

	participant, err := h.service.Accept(c.Request.Context(), c.Param("participantId"), req.WalletAddress)
	if err != nil {
		switch {
		case errors.Is(err, ErrParticipantNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Participant not found",
			})
		case errors.Is(err, ErrInvalidStatus):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_status",
				"message": "Invite is not pending",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"participant": participant})
}

// Contribute handles POST /v1/pots/:id/contribute
func (h *Handler) Contribute(c *gin.Context) {
	var req ContributeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("participantId", req.ParticipantID),
		validation.Required("lockTxHash", req.LockTxHash),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	pot, err := h.service.Contribute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrPotNotFound), errors.Is(err, ErrParticipantNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": err.Error(),
			})
		case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrNotAccepted),
			errors.Is(err, ErrAlreadyContributed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "invalid_status",
				"message": err.Error(),
			})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Contribution must be a positive integer in micro-USDC",
			})
		default:
			logging.L(c.Request.Context()).Error("contribute failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to record contribution",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"pot": pot})
}
