package orders

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/p2pescrow/internal/auth"
	"github.com/mbd888/p2pescrow/internal/chain"
	"github.com/mbd888/p2pescrow/internal/logging"
	"github.com/mbd888/p2pescrow/internal/offers"
	"github.com/mbd888/p2pescrow/internal/pagination"
	"github.com/mbd888/p2pescrow/internal/validation"
)

// Handler provides HTTP endpoints for orders, escrow and disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes that require an authenticated caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/p2p/orders", h.CreateOrder)
	r.GET("/p2p/orders/:id", h.GetOrder)
	r.GET("/p2p/my-orders", h.ListMyOrders)
	r.POST("/p2p/orders/:id/declare-paid", h.DeclarePaid)
	r.POST("/p2p/orders/:id/confirm", h.ConfirmReceived)
	r.POST("/p2p/orders/:id/cancel", h.CancelOrder)
	r.POST("/p2p/orders/:id/dispute", h.OpenDispute)
	r.GET("/p2p/orders/:id/messages", h.ListMessages)
	r.POST("/p2p/orders/:id/messages", h.PostMessage)
	r.GET("/p2p/orders/:id/escrow", h.ListEscrow)
	r.GET("/p2p/orders/:id/disputes", h.ListDisputes)

	r.POST("/p2p/escrow/lock", h.LockEscrow)
	r.POST("/p2p/escrow/release", h.ReleaseEscrow)

	r.POST("/p2p/disputes/:id/resolve", h.ResolveDispute)
}

// CreateOrder handles POST /p2p/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if !bind(c, &req) {
		return
	}
	if errs := validation.Validate(
		validation.Required("offerId", req.OfferID),
		validation.ValidAddress("takerAddress", req.TakerAddress),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	order, err := h.service.Create(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order, "status": order.Status})
}

// GetOrder handles GET /p2p/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "status": order.Status})
}

// ListMyOrders handles GET /p2p/my-orders?status=ACTIVE|HIST&cursor=&limit=
func (h *Handler) ListMyOrders(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		writeError(c, err)
		return
	}
	page, err := h.service.ListMine(c.Request.Context(), auth.UserID(c), c.Query("status"), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// DeclarePaid handles POST /p2p/orders/:id/declare-paid
func (h *Handler) DeclarePaid(c *gin.Context) {
	order, err := h.service.DeclarePaid(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "status": order.Status})
}

// ConfirmReceived handles POST /p2p/orders/:id/confirm
func (h *Handler) ConfirmReceived(c *gin.Context) {
	h.release(c, c.Param("id"))
}

// CancelOrder handles POST /p2p/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	order, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "status": order.Status})
}

// OpenDispute handles POST /p2p/orders/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenDisputeRequest
	if !bind(c, &req) {
		return
	}
	order, dispute, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order, "dispute": dispute, "status": order.Status})
}

// ListMessages handles GET /p2p/orders/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.service.Messages(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

type postMessageRequest struct {
	Body string `json:"body" binding:"required"`
}

// PostMessage handles POST /p2p/orders/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req postMessageRequest
	if !bind(c, &req) {
		return
	}
	msg, err := h.service.PostMessage(c.Request.Context(), c.Param("id"), auth.UserID(c), req.Body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ListEscrow handles GET /p2p/orders/:id/escrow
func (h *Handler) ListEscrow(c *gin.Context) {
	records, err := h.service.EscrowRecords(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": records, "held": EscrowHeld(records)})
}

// ListDisputes handles GET /p2p/orders/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	disputes, err := h.service.Disputes(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

type lockRequest struct {
	OrderID      string `json:"orderId" binding:"required"`
	MakerAddress string `json:"makerAddress" binding:"required"`
}

// LockEscrow handles POST /p2p/escrow/lock
func (h *Handler) LockEscrow(c *gin.Context) {
	var req lockRequest
	if !bind(c, &req) {
		return
	}
	if errs := validation.Validate(validation.ValidAddress("makerAddress", req.MakerAddress)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	order, rec, err := h.service.Lock(c.Request.Context(), req.OrderID, auth.UserID(c), req.MakerAddress)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(order, rec))
}

type releaseRequest struct {
	OrderID string `json:"orderId" binding:"required"`
}

// ReleaseEscrow handles POST /p2p/escrow/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req releaseRequest
	if !bind(c, &req) {
		return
	}
	h.release(c, req.OrderID)
}

func (h *Handler) release(c *gin.Context, orderID string) {
	order, rec, err := h.service.ConfirmReceived(c.Request.Context(), orderID, auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, escrowResponse(order, rec))
}

// ResolveDispute handles POST /p2p/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if !bind(c, &req) {
		return
	}
	order, dispute, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "dispute": dispute, "status": order.Status})
}

func escrowResponse(o *Order, r *EscrowRecord) gin.H {
	return gin.H{
		"order":       o,
		"status":      o.Status,
		"txHash":      r.TxHash,
		"blockNumber": r.BlockNumber,
		"amount":      r.Amount,
		"assetType":   r.AssetType,
	}
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrDisputeNotFound), errors.Is(err, offers.ErrOfferNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotArbiter):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrDisputeOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_open", "message": err.Error()})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConflict),
		errors.Is(err, ErrEscrowRecorded), errors.Is(err, ErrOfferUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrInvalidOrder), errors.Is(err, ErrAmountOutOfRange), errors.Is(err, ErrEscrowMismatch),
		errors.Is(err, pagination.ErrInvalidCursor), errors.Is(err, pagination.ErrInvalidLimit):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, chain.ErrChainUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chain_unavailable", "message": err.Error()})
	case errors.Is(err, chain.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": err.Error()})
	case errors.Is(err, chain.ErrRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "chain_rejected", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("order request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
