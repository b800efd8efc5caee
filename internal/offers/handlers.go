package offers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/p2pescrow/internal/auth"
	"github.com/mbd888/p2pescrow/internal/chain"
	"github.com/mbd888/p2pescrow/internal/logging"
	"github.com/mbd888/p2pescrow/internal/pagination"
	"github.com/mbd888/p2pescrow/internal/validation"
)

// Handler provides HTTP endpoints for offers.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) offer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/p2p/offers", h.ListOffers)
	r.GET("/p2p/offers/:id", h.GetOffer)
}

// RegisterProtectedRoutes sets up owner routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/p2p/offers", h.CreateOffer)
	r.GET("/p2p/my-offers", h.ListMyOffers)
	r.PATCH("/p2p/offers/:id", h.UpdateOffer)
	r.POST("/p2p/offers/:id/toggle", h.ToggleOffer)
	r.DELETE("/p2p/offers/:id", h.ArchiveOffer)
}

// CreateOffer handles POST /p2p/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.OneOf("assetType", req.AssetType, string(chain.AssetNative), string(chain.AssetSecondary)),
		validation.PositiveAmount("priceFiatPerUnit", req.PriceFiatPerUnit, chain.BaseUnitDecimals),
		validation.PositiveAmount("minFiat", req.MinFiat, FiatDecimals),
		validation.PositiveAmount("maxFiat", req.MaxFiat, FiatDecimals),
		validation.MaxLength("autoReply", req.AutoReply, maxAutoReply),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	offer, err := h.service.Create(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": offer})
}

// GetOffer handles GET /p2p/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	offer, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// ListOffers handles GET /p2p/offers?asset=&cursor=&limit=
func (h *Handler) ListOffers(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		writeError(c, err)
		return
	}
	page, err := h.service.ListActive(c.Request.Context(), chain.Asset(c.Query("asset")), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListMyOffers handles GET /p2p/my-offers
func (h *Handler) ListMyOffers(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		writeError(c, err)
		return
	}
	page, err := h.service.ListByOwner(c.Request.Context(), auth.UserID(c), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// UpdateOffer handles PATCH /p2p/offers/:id
func (h *Handler) UpdateOffer(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	offer, err := h.service.Update(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// ToggleOffer handles POST /p2p/offers/:id/toggle
func (h *Handler) ToggleOffer(c *gin.Context) {
	offer, err := h.service.Toggle(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// ArchiveOffer handles DELETE /p2p/offers/:id
func (h *Handler) ArchiveOffer(c *gin.Context) {
	offer, err := h.service.Archive(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOfferNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Offer not found"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrArchived):
		c.JSON(http.StatusConflict, gin.H{"error": "archived", "message": err.Error()})
	case errors.Is(err, ErrInvalidOffer), errors.Is(err, pagination.ErrInvalidCursor), errors.Is(err, pagination.ErrInvalidLimit):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("offer request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
